package nodes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/xeipuuv/gojsonschema"

	"github.com/dukex/flowpilot/pkg/models"
)

var (
	ErrInvalidConfig   = errors.New("invalid node config")
	ErrUnsupportedNode = errors.New("unsupported node type")
)

// ConfigError reports why the config of a node could not be loaded.
type ConfigError struct {
	NodeID string
	Err    error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("node %s: %v", e.NodeID, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

func (e *ConfigError) Is(target error) bool {
	return target == ErrInvalidConfig
}

// Config is the typed configuration of a node. The set of implementations is closed;
// every variant is dispatched through Handlers.
type Config interface {
	NodeType() models.NodeType
	dispatch(ctx context.Context, h Handlers, req *Request) (*Output, error)
}

type StartConfig struct{}

func (*StartConfig) NodeType() models.NodeType { return models.NodeTypeStart }

func (c *StartConfig) dispatch(ctx context.Context, h Handlers, req *Request) (*Output, error) {
	return h.HandleStart(ctx, req, c)
}

type EndConfig struct{}

func (*EndConfig) NodeType() models.NodeType { return models.NodeTypeEnd }

func (c *EndConfig) dispatch(ctx context.Context, h Handlers, req *Request) (*Output, error) {
	return h.HandleEnd(ctx, req, c)
}

// Task output formats.
const (
	OutputFormatText = "text"
	OutputFormatJSON = "json"
)

// TaskConfig configures an LLM task. The prompt comes from TaskPrompt or from the
// template referenced by the node.
type TaskConfig struct {
	TaskPrompt   string              `json:"task_prompt,omitempty"   validate:"required_without=TemplateID"`
	TemplateID   string              `json:"template_id,omitempty"`
	AgentID      string              `json:"agent_id,omitempty"`
	ModelID      string              `json:"model_id,omitempty"`
	OutputFormat string              `json:"output_format,omitempty" validate:"omitempty,oneof=text json"`
	Provider     string              `json:"provider,omitempty"      validate:"omitempty,oneof=workspace container cluster"`
	Tools        []models.ToolConfig `json:"tools,omitempty"         validate:"dive"`
}

func (*TaskConfig) NodeType() models.NodeType { return models.NodeTypeTask }

func (c *TaskConfig) dispatch(ctx context.Context, h Handlers, req *Request) (*Output, error) {
	return h.HandleTask(ctx, req, c)
}

// DecisionConfig selects the route key from upstream output.
type DecisionConfig struct {
	RouteFieldPath string `json:"route_field_path"         validate:"required"`
	SourceNodeID   string `json:"source_node_id,omitempty"`
}

func (*DecisionConfig) NodeType() models.NodeType { return models.NodeTypeDecision }

func (c *DecisionConfig) dispatch(ctx context.Context, h Handlers, req *Request) (*Output, error) {
	return h.HandleDecision(ctx, req, c)
}

// ArtifactConfig configures plan, milestone and memory nodes.
type ArtifactConfig struct {
	Kind          models.ArtifactKind `json:"-"                      validate:"required,oneof=plan milestone memory"`
	ArtifactID    string              `json:"artifact_id,omitempty"  validate:"required"`
	Action        string              `json:"action"                 validate:"required"`
	Patch         map[string]any      `json:"patch,omitempty"`
	AllowFallback bool                `json:"allow_fallback,omitempty"`
	MaxAttempts   int                 `json:"max_attempts,omitempty" validate:"gte=0"`
}

func (c *ArtifactConfig) NodeType() models.NodeType { return models.NodeType(c.Kind) }

func (c *ArtifactConfig) dispatch(ctx context.Context, h Handlers, req *Request) (*Output, error) {
	return h.HandleArtifact(ctx, req, c)
}

// SubflowConfig starts a run of another flowchart.
type SubflowConfig struct {
	FlowchartID string `json:"flowchart_id,omitempty" validate:"required"`
}

func (*SubflowConfig) NodeType() models.NodeType { return models.NodeTypeFlowchart }

func (c *SubflowConfig) dispatch(ctx context.Context, h Handlers, req *Request) (*Output, error) {
	return h.HandleSubflow(ctx, req, c)
}

// ArtifactActions lists the actions each artifact kind accepts.
var ArtifactActions = map[models.ArtifactKind][]string{
	models.ArtifactKindPlan:      {"set_status", "upsert_items", "complete_items"},
	models.ArtifactKindMilestone: {"set_status", "set_progress", "complete"},
	models.ArtifactKindMemory:    {"append", "replace"},
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ParseConfig validates the raw config of node against its type schema and decodes it
// into the typed variant. It runs once when a flowchart is loaded.
func ParseConfig(node *models.FlowchartNode) (Config, error) {
	cfg, err := parseConfig(node)
	if err != nil {
		return nil, &ConfigError{NodeID: node.ID, Err: err}
	}

	return cfg, nil
}

func parseConfig(node *models.FlowchartNode) (Config, error) {
	raw := node.Config
	if raw == nil {
		raw = map[string]any{}
	}

	descriptor, ok := descriptors[node.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedNode, node.Type)
	}

	if err := validateSchema(descriptor.Schema, raw); err != nil {
		return nil, err
	}

	var cfg Config

	switch node.Type {
	case models.NodeTypeStart:
		cfg = &StartConfig{}
	case models.NodeTypeEnd:
		cfg = &EndConfig{}
	case models.NodeTypeTask:
		task := &TaskConfig{}
		if err := decode(raw, task); err != nil {
			return nil, err
		}

		if node.RefID != "" {
			task.TemplateID = node.RefID
		}

		if node.ModelBinding != "" {
			task.ModelID = node.ModelBinding
		}

		cfg = task
	case models.NodeTypeDecision:
		decision := &DecisionConfig{}
		if err := decode(raw, decision); err != nil {
			return nil, err
		}

		cfg = decision
	case models.NodeTypePlan, models.NodeTypeMilestone, models.NodeTypeMemory:
		artifact := &ArtifactConfig{}
		if err := decode(raw, artifact); err != nil {
			return nil, err
		}

		artifact.Kind = models.ArtifactKind(node.Type)
		if artifact.ArtifactID == "" {
			artifact.ArtifactID = node.RefID
		}

		if !slices.Contains(ArtifactActions[artifact.Kind], artifact.Action) {
			return nil, fmt.Errorf("action %q is not supported by %s nodes", artifact.Action, artifact.Kind)
		}

		cfg = artifact
	case models.NodeTypeFlowchart:
		subflow := &SubflowConfig{}
		if err := decode(raw, subflow); err != nil {
			return nil, err
		}

		if subflow.FlowchartID == "" {
			subflow.FlowchartID = node.RefID
		}

		cfg = subflow
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedNode, node.Type)
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func decode(raw map[string]any, target any) error {
	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("failed to decode config: %w", err)
	}

	return nil
}

func validateSchema(schema *models.JSONSchema, raw map[string]any) error {
	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(schema), gojsonschema.NewGoLoader(raw))
	if err != nil {
		return fmt.Errorf("failed to validate config schema: %w", err)
	}

	if !result.Valid() {
		messages := make([]string, 0, len(result.Errors()))
		for _, resultErr := range result.Errors() {
			messages = append(messages, resultErr.String())
		}

		return fmt.Errorf("config does not match schema: %s", strings.Join(messages, "; "))
	}

	return nil
}
