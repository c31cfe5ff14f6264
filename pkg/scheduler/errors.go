package scheduler

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidGraph indicates a flowchart that cannot be executed.
	ErrInvalidGraph = errors.New("invalid flowchart graph")

	// ErrStartNodeCount indicates a flowchart without exactly one start node.
	ErrStartNodeCount = errors.New("flowchart must have exactly one start node")

	// ErrGuardrailTripped indicates a run-wide cap was exceeded.
	ErrGuardrailTripped = errors.New("guardrail tripped")

	ErrFlowchartMismatch = errors.New("run belongs to another flowchart")
)

// Guardrail kinds.
const (
	GuardrailNodeExecutions = "max_node_executions"
	GuardrailRuntime        = "max_runtime_minutes"
)

// GuardrailError is attributed to the node whose dispatch exceeded a run-wide cap.
type GuardrailError struct {
	NodeID   string
	Kind     string
	Limit    string
	Observed string
}

func (e *GuardrailError) Error() string {
	return fmt.Sprintf("guardrail %s tripped by node %s: observed %s, limit %s", e.Kind, e.NodeID, e.Observed, e.Limit)
}

func (e *GuardrailError) Is(target error) bool {
	return target == ErrGuardrailTripped
}

// IsGuardrail reports whether err is a guardrail error.
func IsGuardrail(err error) bool {
	return errors.Is(err, ErrGuardrailTripped)
}

// GraphError lists every structural problem found in a flowchart.
type GraphError struct {
	FlowchartID string
	Problems    []error
}

func (e *GraphError) Error() string {
	return fmt.Sprintf("%v: %v", ErrInvalidGraph, errors.Join(e.Problems...))
}

func (e *GraphError) Unwrap() []error {
	return e.Problems
}

func (e *GraphError) Is(target error) bool {
	return target == ErrInvalidGraph
}

// GraphProblems returns the problem messages of a graph error, or nil for any other error.
func GraphProblems(err error) []string {
	var graphErr *GraphError
	if !errors.As(err, &graphErr) {
		return nil
	}

	problems := make([]string, 0, len(graphErr.Problems))
	for _, problem := range graphErr.Problems {
		problems = append(problems, problem.Error())
	}

	return problems
}
