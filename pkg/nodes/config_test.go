package nodes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/flowpilot/pkg/models"
)

func TestParseConfig(t *testing.T) {
	tests := []struct {
		name     string
		node     *models.FlowchartNode
		expected Config
	}{
		{
			name:     "start",
			node:     &models.FlowchartNode{ID: "s", Type: models.NodeTypeStart},
			expected: &StartConfig{},
		},
		{
			name:     "end",
			node:     &models.FlowchartNode{ID: "e", Type: models.NodeTypeEnd, Config: map[string]any{}},
			expected: &EndConfig{},
		},
		{
			name: "task with inline prompt",
			node: &models.FlowchartNode{
				ID:   "t",
				Type: models.NodeTypeTask,
				Config: map[string]any{
					"task_prompt":   "Summarize",
					"agent_id":      "reviewer",
					"output_format": "json",
					"provider":      "cluster",
					"tools":         []any{map[string]any{"name": "search"}},
				},
			},
			expected: &TaskConfig{
				TaskPrompt:   "Summarize",
				AgentID:      "reviewer",
				OutputFormat: OutputFormatJSON,
				Provider:     models.ProviderCluster,
				Tools:        []models.ToolConfig{{Name: "search"}},
			},
		},
		{
			name: "task with template ref and model binding",
			node: &models.FlowchartNode{
				ID:           "t",
				Type:         models.NodeTypeTask,
				RefID:        "tpl-1",
				ModelBinding: "model-node",
				Config:       map[string]any{"model_id": "model-config"},
			},
			expected: &TaskConfig{TemplateID: "tpl-1", ModelID: "model-node"},
		},
		{
			name:     "decision",
			node:     &models.FlowchartNode{ID: "d", Type: models.NodeTypeDecision, Config: map[string]any{"route_field_path": "output.route"}},
			expected: &DecisionConfig{RouteFieldPath: "output.route"},
		},
		{
			name: "plan from ref id",
			node: &models.FlowchartNode{
				ID:     "p",
				Type:   models.NodeTypePlan,
				RefID:  "plan-1",
				Config: map[string]any{"action": "complete_items", "patch": map[string]any{"keys": []any{"a"}}, "max_attempts": 2},
			},
			expected: &ArtifactConfig{
				Kind:        models.ArtifactKindPlan,
				ArtifactID:  "plan-1",
				Action:      "complete_items",
				Patch:       map[string]any{"keys": []any{"a"}},
				MaxAttempts: 2,
			},
		},
		{
			name:     "memory",
			node:     &models.FlowchartNode{ID: "m", Type: models.NodeTypeMemory, Config: map[string]any{"artifact_id": "notes", "action": "append", "allow_fallback": true}},
			expected: &ArtifactConfig{Kind: models.ArtifactKindMemory, ArtifactID: "notes", Action: "append", AllowFallback: true},
		},
		{
			name:     "subflow",
			node:     &models.FlowchartNode{ID: "f", Type: models.NodeTypeFlowchart, RefID: "child"},
			expected: &SubflowConfig{FlowchartID: "child"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := ParseConfig(tt.node)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, cfg)
			assert.Equal(t, tt.node.Type, cfg.NodeType())
		})
	}
}

func TestParseConfig_Invalid(t *testing.T) {
	tests := []struct {
		name     string
		node     *models.FlowchartNode
		contains string
	}{
		{
			name:     "unknown type",
			node:     &models.FlowchartNode{ID: "x", Type: "webhook"},
			contains: "unsupported node type",
		},
		{
			name:     "task without prompt or template",
			node:     &models.FlowchartNode{ID: "t", Type: models.NodeTypeTask, Config: map[string]any{"agent_id": "a"}},
			contains: "TaskPrompt",
		},
		{
			name:     "task with unknown output format",
			node:     &models.FlowchartNode{ID: "t", Type: models.NodeTypeTask, Config: map[string]any{"task_prompt": "x", "output_format": "yaml"}},
			contains: "does not match schema",
		},
		{
			name:     "decision without path",
			node:     &models.FlowchartNode{ID: "d", Type: models.NodeTypeDecision, Config: map[string]any{}},
			contains: "route_field_path",
		},
		{
			name:     "decision with wrong path type",
			node:     &models.FlowchartNode{ID: "d", Type: models.NodeTypeDecision, Config: map[string]any{"route_field_path": 3}},
			contains: "does not match schema",
		},
		{
			name:     "milestone with plan action",
			node:     &models.FlowchartNode{ID: "m", Type: models.NodeTypeMilestone, RefID: "m1", Config: map[string]any{"action": "upsert_items"}},
			contains: "does not match schema",
		},
		{
			name:     "artifact without id",
			node:     &models.FlowchartNode{ID: "m", Type: models.NodeTypeMemory, Config: map[string]any{"action": "append"}},
			contains: "ArtifactID",
		},
		{
			name:     "subflow without flowchart",
			node:     &models.FlowchartNode{ID: "f", Type: models.NodeTypeFlowchart},
			contains: "FlowchartID",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig(tt.node)
			require.Error(t, err)
			require.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.contains)
			assert.Contains(t, err.Error(), "node "+tt.node.ID)
		})
	}
}

func TestDescriptors_CoverEveryNodeType(t *testing.T) {
	list := Descriptors()
	require.Len(t, list, len(models.AllNodeTypes()))

	for i, nodeType := range models.AllNodeTypes() {
		assert.Equal(t, nodeType, list[i].Type)
		assert.NotNil(t, list[i].Schema)
		assert.NotEmpty(t, list[i].Description)
	}
}
