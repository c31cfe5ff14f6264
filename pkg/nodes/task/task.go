// Package task handles task nodes: it resolves the prompt, agent and model of a node and
// runs the model through the execution router.
package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"

	"github.com/dukex/flowpilot/pkg/execution"
	"github.com/dukex/flowpilot/pkg/llm"
	"github.com/dukex/flowpilot/pkg/models"
	"github.com/dukex/flowpilot/pkg/nodes"
	"github.com/dukex/flowpilot/pkg/persistence"
	"github.com/dukex/flowpilot/pkg/template"
)

var (
	ErrNoModelConfigured = errors.New("no model configured")
	ErrNoPrompt          = errors.New("task has no prompt")
	ErrTaskFailed        = errors.New("task execution failed")
)

// Router selects a provider for a request and runs it.
type Router interface {
	RouteRequest(req *models.ExecutionRequest, provider string) *models.ExecutionRequest
	ExecuteRouted(ctx context.Context, req *models.ExecutionRequest, callback execution.Callback) *models.ExecutionResult
}

type Handler struct {
	catalog        persistence.CatalogRepository
	router         Router
	invoker        llm.Invoker
	defaultModelID string
	logger         *slog.Logger
}

// New creates a task handler. defaultModelID is the global fallback of the model chain.
func New(catalog persistence.CatalogRepository, router Router, invoker llm.Invoker, defaultModelID string, logger *slog.Logger) *Handler {
	return &Handler{
		catalog:        catalog,
		router:         router,
		invoker:        invoker,
		defaultModelID: defaultModelID,
		logger:         logger.With("module", "task_node"),
	}
}

// binding is what a task node resolved to before it runs.
type binding struct {
	prompt      string
	template    *models.Template
	agent       *models.Agent
	model       *models.ModelConfig
	modelSource string
}

func (h *Handler) Handle(ctx context.Context, req *nodes.Request, cfg *nodes.TaskConfig) (*nodes.Output, error) {
	logger := h.logger.With("run_id", req.Run.ID, "node_id", req.Node.ID)

	bound, err := h.resolve(ctx, req, cfg)
	if err != nil {
		return nil, err
	}

	prompt, err := template.RenderPrompt(bound.prompt, template.PromptData{Run: req.Run, Node: req.Node, Input: req.Input})
	if err != nil {
		return nil, err
	}

	payload := &Payload{
		Prompt:       prompt,
		Model:        bound.model,
		Tools:        cfg.Tools,
		OutputFormat: cfg.OutputFormat,
	}

	if bound.agent != nil {
		payload.SystemPrompt = bound.agent.SystemPrompt
		payload.Tools = append(append([]models.ToolConfig{}, bound.agent.Tools...), cfg.Tools...)
	}

	raw, err := payload.Map()
	if err != nil {
		return nil, err
	}

	routed := h.router.RouteRequest(&models.ExecutionRequest{
		NodeID:      req.Node.ID,
		RunID:       req.Run.ID,
		FlowchartID: req.Run.FlowchartID,
		ExecutionID: req.ExecutionID,
		Payload:     raw,
	}, cfg.Provider)

	logger.InfoContext(ctx, "Running task",
		"execution_id", routed.ExecutionID,
		"provider", routed.SelectedProvider,
		"model", bound.model.ID,
		"model_source", bound.modelSource)

	result := h.router.ExecuteRouted(ctx, routed, h.callback(payload))

	output := &nodes.Output{
		Execution:   routed,
		RunMetadata: bound.metadata(),
	}

	maps.Copy(output.RunMetadata, result.RunMetadata)

	for key, value := range result.ProviderMetadata {
		output.RunMetadata["provider_"+key] = value
	}

	if !result.Succeeded() {
		output.OutputState = failureState(result)

		code, message := "unknown", "task failed"
		if result.Error != nil {
			code, message = result.Error.Code, result.Error.Message
		}

		return output, fmt.Errorf("%w: %s: %s", ErrTaskFailed, code, message)
	}

	output.OutputState = result.OutputState
	output.RoutingState = result.RoutingState

	if output.RoutingState == nil {
		output.RoutingState = map[string]any{}
	}

	return output, nil
}

// callback runs the model in-process, or materializes the result reported by a remote executor.
func (h *Handler) callback(payload *Payload) execution.Callback {
	return func(ctx context.Context, _ *models.ExecutionRequest, remote *models.ExecutionResult) (*models.ExecutionResult, error) {
		if remote == nil {
			return Run(ctx, h.invoker, payload)
		}

		if !remote.Succeeded() {
			return remote, fmt.Errorf("%w: remote executor reported failure", ErrModelFailed)
		}

		if remote.OutputState != nil {
			return remote, nil
		}

		return Materialize(remote, payload.OutputFormat)
	}
}

func (h *Handler) resolve(ctx context.Context, req *nodes.Request, cfg *nodes.TaskConfig) (*binding, error) {
	bound := &binding{prompt: cfg.TaskPrompt}

	if cfg.TemplateID != "" {
		tpl, err := h.catalog.Template(ctx, cfg.TemplateID)
		if err != nil {
			return nil, fmt.Errorf("failed to load template %s: %w", cfg.TemplateID, err)
		}

		bound.template = tpl
		if bound.prompt == "" {
			bound.prompt = tpl.Prompt
		}
	}

	if bound.prompt == "" {
		return nil, ErrNoPrompt
	}

	agentID := cfg.AgentID
	if agentID == "" && bound.template != nil {
		agentID = bound.template.AgentID
	}

	if agentID != "" {
		agent, err := h.catalog.Agent(ctx, agentID)
		if err != nil {
			return nil, fmt.Errorf("failed to load agent %s: %w", agentID, err)
		}

		bound.agent = agent
	}

	modelID, source := h.modelID(req, cfg, bound)
	if modelID == "" {
		return nil, fmt.Errorf("%w for node %s", ErrNoModelConfigured, req.Node.ID)
	}

	model, err := h.catalog.Model(ctx, modelID)
	if err != nil {
		return nil, fmt.Errorf("failed to load model %s: %w", modelID, err)
	}

	bound.model = model
	bound.modelSource = source

	return bound, nil
}

// modelID walks the override chain node > template > flowchart > global. The bound agent's
// model is consulted only when no level of the chain names one.
func (h *Handler) modelID(req *nodes.Request, cfg *nodes.TaskConfig, bound *binding) (string, string) {
	switch {
	case cfg.ModelID != "":
		return cfg.ModelID, "node"
	case bound.template != nil && bound.template.ModelID != "":
		return bound.template.ModelID, "template"
	case req.Flowchart != nil && req.Flowchart.DefaultModelID != "":
		return req.Flowchart.DefaultModelID, "flowchart"
	case h.defaultModelID != "":
		return h.defaultModelID, "global"
	case bound.agent != nil && bound.agent.ModelID != "":
		return bound.agent.ModelID, "agent"
	default:
		return "", ""
	}
}

func (b *binding) metadata() map[string]any {
	metadata := map[string]any{
		"model_id":     b.model.ID,
		"model_source": b.modelSource,
	}

	if b.template != nil {
		metadata["template_id"] = b.template.ID
	}

	if b.agent != nil {
		metadata["agent_id"] = b.agent.ID
	}

	return metadata
}

func failureState(result *models.ExecutionResult) map[string]any {
	state := map[string]any{
		"exit_code": result.ExitCode,
	}

	if result.Error != nil {
		state["error"] = map[string]any{
			"code":      result.Error.Code,
			"message":   result.Error.Message,
			"retryable": result.Error.Retryable,
		}
	}

	if result.Stdout != "" {
		state["stdout"] = result.Stdout
	}

	if result.Stderr != "" {
		state["stderr"] = result.Stderr
	}

	return state
}
