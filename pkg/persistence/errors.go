package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrFlowchartNotFound indicates a flowchart was not found by the given identifier.
	ErrFlowchartNotFound = errors.New("flowchart not found")

	// ErrRunNotFound indicates a run was not found by the given identifier.
	ErrRunNotFound = errors.New("run not found")

	// ErrNodeRunNotFound indicates a node run was not found by the given identifier.
	ErrNodeRunNotFound = errors.New("node run not found")

	// ErrRunAlreadyExists indicates a run with the same identifier already exists.
	ErrRunAlreadyExists = errors.New("run already exists")

	// ErrRunNotClaimable indicates the run is neither queued nor abandoned by its owner.
	ErrRunNotClaimable = errors.New("run not claimable")

	// ErrLeaseLost indicates the caller no longer owns the run lease.
	ErrLeaseLost = errors.New("run lease lost")

	// ErrInvalidTransition indicates a status change that the current state does not allow.
	ErrInvalidTransition = errors.New("invalid status transition")

	ErrTemplateNotFound = errors.New("template not found")
	ErrAgentNotFound    = errors.New("agent not found")
	ErrModelNotFound    = errors.New("model not found")

	// ErrArtifactNotFound indicates a plan, milestone or memory aggregate does not exist.
	ErrArtifactNotFound = errors.New("artifact not found")

	// ErrVersionConflict indicates an optimistic concurrency failure on an artifact.
	ErrVersionConflict = errors.New("artifact version conflict")
)

// RunError wraps run-related errors with additional context.
type RunError struct {
	Op    string // Operation being performed (e.g., "Get", "Claim", "UpdateStatus")
	RunID string
	Err   error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("%s operation failed for run %s: %v", e.Op, e.RunID, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for run errors.
func (e *RunError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewRunError creates a new run error with context.
func NewRunError(op, runID string, err error) *RunError {
	return &RunError{Op: op, RunID: runID, Err: err}
}

// FlowchartError wraps flowchart-related errors with additional context.
type FlowchartError struct {
	Op          string
	FlowchartID string
	Err         error
}

func (e *FlowchartError) Error() string {
	return fmt.Sprintf("%s operation failed for flowchart %s: %v", e.Op, e.FlowchartID, e.Err)
}

func (e *FlowchartError) Unwrap() error {
	return e.Err
}

func (e *FlowchartError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewFlowchartError creates a new flowchart error with context.
func NewFlowchartError(op, flowchartID string, err error) *FlowchartError {
	return &FlowchartError{Op: op, FlowchartID: flowchartID, Err: err}
}

// IsFlowchartNotFound checks if an error indicates a flowchart was not found.
func IsFlowchartNotFound(err error) bool {
	return errors.Is(err, ErrFlowchartNotFound)
}

// IsRunNotFound checks if an error indicates a run was not found.
func IsRunNotFound(err error) bool {
	return errors.Is(err, ErrRunNotFound)
}

// IsRunNotClaimable checks if an error indicates the run could not be claimed.
func IsRunNotClaimable(err error) bool {
	return errors.Is(err, ErrRunNotClaimable)
}

// IsInvalidTransition checks if an error indicates a rejected status change.
func IsInvalidTransition(err error) bool {
	return errors.Is(err, ErrInvalidTransition)
}

// IsNotFound checks if an error indicates any missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrFlowchartNotFound) ||
		errors.Is(err, ErrRunNotFound) ||
		errors.Is(err, ErrNodeRunNotFound) ||
		errors.Is(err, ErrTemplateNotFound) ||
		errors.Is(err, ErrAgentNotFound) ||
		errors.Is(err, ErrModelNotFound) ||
		errors.Is(err, ErrArtifactNotFound)
}
