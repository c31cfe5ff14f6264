// Package nodes turns flowchart nodes into typed configurations and dispatches each
// node execution to the handler of its type.
package nodes

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/dukex/flowpilot/pkg/models"
)

var ErrNoHandler = errors.New("no handler configured for node type")

// Request is one node execution.
type Request struct {
	Flowchart      *models.Flowchart
	Run            *models.FlowchartRun
	Node           *models.FlowchartNode
	Config         Config
	Input          *models.InputContext
	ExecutionIndex int
	// ExecutionID identifies this node execution across providers.
	ExecutionID string
}

// Output is what a handler produced. It may accompany an error, in which case it carries
// the partial state worth recording on the node run.
type Output struct {
	OutputState  map[string]any
	RoutingState map[string]any
	// Execution holds the final dispatch state for nodes that ran through the execution router.
	Execution   *models.ExecutionRequest
	RunMetadata map[string]any
}

// Handlers has one method per config variant. Adding a variant to Config requires a new
// method here, so every implementation must handle it.
type Handlers interface {
	HandleStart(ctx context.Context, req *Request, cfg *StartConfig) (*Output, error)
	HandleEnd(ctx context.Context, req *Request, cfg *EndConfig) (*Output, error)
	HandleTask(ctx context.Context, req *Request, cfg *TaskConfig) (*Output, error)
	HandleDecision(ctx context.Context, req *Request, cfg *DecisionConfig) (*Output, error)
	HandleArtifact(ctx context.Context, req *Request, cfg *ArtifactConfig) (*Output, error)
	HandleSubflow(ctx context.Context, req *Request, cfg *SubflowConfig) (*Output, error)
}

type TaskHandler interface {
	Handle(ctx context.Context, req *Request, cfg *TaskConfig) (*Output, error)
}

type DecisionHandler interface {
	Handle(ctx context.Context, req *Request, cfg *DecisionConfig) (*Output, error)
}

type ArtifactHandler interface {
	Handle(ctx context.Context, req *Request, cfg *ArtifactConfig) (*Output, error)
}

type SubflowHandler interface {
	Handle(ctx context.Context, req *Request, cfg *SubflowConfig) (*Output, error)
}

// Dispatcher routes node executions to per-type handlers. Start and end nodes are
// handled inline.
type Dispatcher struct {
	Task     TaskHandler
	Decision DecisionHandler
	Artifact ArtifactHandler
	Subflow  SubflowHandler
}

var _ Handlers = (*Dispatcher)(nil)

// Handle executes req with the handler of its config variant.
func (d *Dispatcher) Handle(ctx context.Context, req *Request) (*Output, error) {
	if req.Config == nil {
		return nil, fmt.Errorf("%w: node %s has no parsed config", ErrInvalidConfig, req.Node.ID)
	}

	return req.Config.dispatch(ctx, d, req)
}

func (d *Dispatcher) HandleStart(_ context.Context, req *Request, _ *StartConfig) (*Output, error) {
	state := map[string]any{
		"run_id":          req.Run.ID,
		"execution_index": req.ExecutionIndex,
	}

	if req.Run.TriggeredBy != "" {
		state["triggered_by"] = string(req.Run.TriggeredBy)
	}

	if req.Run.ParentRunID != "" {
		state["parent_run_id"] = req.Run.ParentRunID
	}

	return &Output{OutputState: state, RoutingState: map[string]any{}}, nil
}

func (d *Dispatcher) HandleEnd(_ context.Context, req *Request, _ *EndConfig) (*Output, error) {
	state := map[string]any{"completed": true}

	if req.Input != nil && len(req.Input.TriggerSources) > 0 {
		last := req.Input.TriggerSources[len(req.Input.TriggerSources)-1]
		state["final_output"] = maps.Clone(last.OutputState)
	}

	return &Output{OutputState: state, RoutingState: map[string]any{}}, nil
}

func (d *Dispatcher) HandleTask(ctx context.Context, req *Request, cfg *TaskConfig) (*Output, error) {
	if d.Task == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, cfg.NodeType())
	}

	return d.Task.Handle(ctx, req, cfg)
}

func (d *Dispatcher) HandleDecision(ctx context.Context, req *Request, cfg *DecisionConfig) (*Output, error) {
	if d.Decision == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, cfg.NodeType())
	}

	return d.Decision.Handle(ctx, req, cfg)
}

func (d *Dispatcher) HandleArtifact(ctx context.Context, req *Request, cfg *ArtifactConfig) (*Output, error) {
	if d.Artifact == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, cfg.NodeType())
	}

	return d.Artifact.Handle(ctx, req, cfg)
}

func (d *Dispatcher) HandleSubflow(ctx context.Context, req *Request, cfg *SubflowConfig) (*Output, error) {
	if d.Subflow == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, cfg.NodeType())
	}

	return d.Subflow.Handle(ctx, req, cfg)
}
