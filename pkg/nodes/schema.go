package nodes

import (
	"github.com/dukex/flowpilot/pkg/models"
)

func minLength(n int) *int {
	return &n
}

func minimum(n float64) *float64 {
	return &n
}

var descriptors = map[models.NodeType]models.NodeTypeDescriptor{
	models.NodeTypeStart: {
		Type:        models.NodeTypeStart,
		Name:        "Start",
		Description: "Entry point of a flowchart. Reaching it again through a cycle completes the run and queues a new one.",
		Schema:      &models.JSONSchema{Type: "object"},
	},
	models.NodeTypeEnd: {
		Type:        models.NodeTypeEnd,
		Name:        "End",
		Description: "Completes the run as soon as it executes.",
		Schema:      &models.JSONSchema{Type: "object"},
	},
	models.NodeTypeTask: {
		Type:        models.NodeTypeTask,
		Name:        "Task",
		Description: "Runs a prompt against the resolved model, locally or on a remote provider.",
		Schema: &models.JSONSchema{
			Type: "object",
			Properties: map[string]*models.Property{
				"task_prompt": {
					Type:        "string",
					Description: "Inline prompt. Takes precedence over the referenced template. Supports text/template actions.",
				},
				"template_id": {Type: "string", Description: "Template to read the prompt from when the node has no ref_id."},
				"agent_id":    {Type: "string", Description: "Agent providing the system prompt and tools."},
				"model_id":    {Type: "string", Description: "Model override for this node."},
				"output_format": {
					Type:        "string",
					Description: "How the model output is captured.",
					Enum:        []any{OutputFormatText, OutputFormatJSON},
					Default:     OutputFormatText,
				},
				"provider": {
					Type:        "string",
					Description: "Execution provider. Defaults to the worker's default provider.",
					Enum:        []any{models.ProviderWorkspace, models.ProviderContainer, models.ProviderCluster},
				},
				"tools": {
					Type: "array",
					Items: &models.Property{
						Type:       "object",
						Properties: map[string]*models.Property{"name": {Type: "string", MinLength: minLength(1)}},
						Required:   []string{"name"},
					},
				},
			},
		},
	},
	models.NodeTypeDecision: {
		Type:        models.NodeTypeDecision,
		Name:        "Decision",
		Description: "Routes to the solid edges whose condition key matches the value found at a field path of upstream output.",
		Schema: &models.JSONSchema{
			Type: "object",
			Properties: map[string]*models.Property{
				"route_field_path": {
					Type:        "string",
					Description: "Dot separated path, e.g. output.route or routing_state.route_key.",
					MinLength:   minLength(1),
				},
				"source_node_id": {Type: "string", Description: "Only read this upstream node."},
			},
			Required: []string{"route_field_path"},
		},
	},
	models.NodeTypePlan:      artifactDescriptor(models.ArtifactKindPlan, "Plan", "Updates the status and items of a plan."),
	models.NodeTypeMilestone: artifactDescriptor(models.ArtifactKindMilestone, "Milestone", "Updates the status and progress of a milestone."),
	models.NodeTypeMemory:    artifactDescriptor(models.ArtifactKindMemory, "Memory", "Appends to or replaces stored text."),
	models.NodeTypeFlowchart: {
		Type:        models.NodeTypeFlowchart,
		Name:        "Flowchart",
		Description: "Submits a new run of another flowchart without waiting for it.",
		Schema: &models.JSONSchema{
			Type: "object",
			Properties: map[string]*models.Property{
				"flowchart_id": {Type: "string", Description: "Flowchart to run when the node has no ref_id."},
			},
		},
	},
}

func artifactDescriptor(kind models.ArtifactKind, name, description string) models.NodeTypeDescriptor {
	actions := make([]any, 0, len(ArtifactActions[kind]))
	for _, action := range ArtifactActions[kind] {
		actions = append(actions, action)
	}

	return models.NodeTypeDescriptor{
		Type:        models.NodeType(kind),
		Name:        name,
		Description: description,
		Schema: &models.JSONSchema{
			Type: "object",
			Properties: map[string]*models.Property{
				"artifact_id":    {Type: "string", Description: "Aggregate to patch when the node has no ref_id."},
				"action":         {Type: "string", Enum: actions},
				"patch":          {Type: "object"},
				"allow_fallback": {Type: "boolean", Description: "Record a degraded output instead of failing when every attempt failed."},
				"max_attempts":   {Type: "integer", Minimum: minimum(0)},
			},
			Required: []string{"action"},
		},
	}
}

// Descriptors returns the descriptor of every node type.
func Descriptors() []models.NodeTypeDescriptor {
	list := make([]models.NodeTypeDescriptor, 0, len(descriptors))
	for _, nodeType := range models.AllNodeTypes() {
		list = append(list, descriptors[nodeType])
	}

	return list
}
