package models

import (
	"time"
)

// RunStatus is the lifecycle state of a flowchart run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusStopping  RunStatus = "stopping"
	RunStatusStopped   RunStatus = "stopped"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCanceled  RunStatus = "canceled"
)

// IsTerminal reports whether the run can no longer change state.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusStopped, RunStatusCompleted, RunStatusFailed, RunStatusCanceled:
		return true
	default:
		return false
	}
}

// NodeRunStatus is the lifecycle state of a single node execution.
type NodeRunStatus string

const (
	NodeRunStatusQueued    NodeRunStatus = "queued"
	NodeRunStatusRunning   NodeRunStatus = "running"
	NodeRunStatusSucceeded NodeRunStatus = "succeeded"
	NodeRunStatusFailed    NodeRunStatus = "failed"
	NodeRunStatusCanceled  NodeRunStatus = "canceled"
)

// IsTerminal reports whether the node run has been finalized.
func (s NodeRunStatus) IsTerminal() bool {
	return s == NodeRunStatusSucceeded || s == NodeRunStatusFailed || s == NodeRunStatusCanceled
}

// CanTransition reports whether a node run may move from s to next.
func (s NodeRunStatus) CanTransition(next NodeRunStatus) bool {
	switch s {
	case NodeRunStatusQueued:
		return next == NodeRunStatusRunning || next == NodeRunStatusCanceled || next == NodeRunStatusFailed
	case NodeRunStatusRunning:
		return next.IsTerminal()
	default:
		return false
	}
}

// RunTrigger records why a run was created.
type RunTrigger string

const (
	RunTriggerManual  RunTrigger = "manual"
	RunTriggerAPI     RunTrigger = "api"
	RunTriggerCycle   RunTrigger = "cycle"
	RunTriggerSubflow RunTrigger = "subflow"
)

// FlowchartRun is one execution attempt of a flowchart.
type FlowchartRun struct {
	ID             string     `json:"id"`
	FlowchartID    string     `json:"flowchart_id"`
	Status         RunStatus  `json:"status"`
	TriggeredBy    RunTrigger `json:"triggered_by,omitempty"`
	ParentRunID    string     `json:"parent_run_id,omitempty"`
	ParentNodeID   string     `json:"parent_node_id,omitempty"`
	ClaimedBy      string     `json:"claimed_by,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	Error          string     `json:"error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

// InputContext is what a node receives from its upstream neighbours.
type InputContext struct {
	TriggerSources      []SourceOutput `json:"trigger_sources"`
	PulledDottedSources []SourceOutput `json:"pulled_dotted_sources"`
}

// SourceOutput is the latest output of an upstream node.
type SourceOutput struct {
	NodeID         string         `json:"node_id"`
	NodeType       NodeType       `json:"node_type"`
	ExecutionIndex int            `json:"execution_index"`
	OutputState    map[string]any `json:"output_state,omitempty"`
	RoutingState   map[string]any `json:"routing_state,omitempty"`
}

// FlowchartRunNode is one execution of a node inside a run.
type FlowchartRunNode struct {
	ID                 string         `json:"id"`
	RunID              string         `json:"run_id"`
	NodeID             string         `json:"node_id"`
	NodeType           NodeType       `json:"node_type"`
	ExecutionIndex     int            `json:"execution_index"`
	Status             NodeRunStatus  `json:"status"`
	InputContext       *InputContext  `json:"input_context,omitempty"`
	OutputState        map[string]any `json:"output_state,omitempty"`
	RoutingState       map[string]any `json:"routing_state,omitempty"`
	Error              string         `json:"error,omitempty"`
	ExecutionID        string         `json:"execution_id,omitempty"`
	Provider           string         `json:"provider,omitempty"`
	ProviderDispatchID string         `json:"provider_dispatch_id,omitempty"`
	DispatchStatus     DispatchStatus `json:"dispatch_status,omitempty"`
	FallbackAttempted  bool           `json:"fallback_attempted"`
	FallbackReason     string         `json:"fallback_reason,omitempty"`
	DispatchUncertain  bool           `json:"dispatch_uncertain"`
	APIFailureCategory string         `json:"api_failure_category,omitempty"`
	RunMetadata        map[string]any `json:"run_metadata,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	StartedAt          *time.Time     `json:"started_at,omitempty"`
	FinishedAt         *time.Time     `json:"finished_at,omitempty"`
}

// SubmitOptions describes why and from where a run is submitted.
type SubmitOptions struct {
	TriggeredBy  RunTrigger
	ParentRunID  string
	ParentNodeID string
}
