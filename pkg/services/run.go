package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/dukex/flowpilot/pkg/models"
	"github.com/dukex/flowpilot/pkg/persistence"
)

// RunController is the run lifecycle surface of the scheduler.
type RunController interface {
	Submit(ctx context.Context, flowchartID string, opts models.SubmitOptions) (*models.FlowchartRun, error)
	Stop(ctx context.Context, runID string) (*models.FlowchartRun, error)
	Cancel(ctx context.Context, runID string) (*models.FlowchartRun, error)
}

type Run struct {
	persistence persistence.Persistence
	controller  RunController
}

// NewRun creates a new run service.
func NewRun(persistence persistence.Persistence, controller RunController) *Run {
	return &Run{
		persistence: persistence,
		controller:  controller,
	}
}

// RunDetails is a run with its node executions in creation order.
type RunDetails struct {
	Run      *models.FlowchartRun       `json:"run"`
	NodeRuns []*models.FlowchartRunNode `json:"node_runs"`
}

// Submit queues a new run of flowchartID.
func (r *Run) Submit(ctx context.Context, flowchartID string, trigger models.RunTrigger) (*models.FlowchartRun, error) {
	if trigger == "" {
		trigger = models.RunTriggerManual
	}

	run, err := r.controller.Submit(ctx, flowchartID, models.SubmitOptions{TriggeredBy: trigger})
	if err != nil {
		return nil, fmt.Errorf("failed to submit run of %s: %w", flowchartID, err)
	}

	return run, nil
}

// Details returns the run and its node runs.
func (r *Run) Details(ctx context.Context, runID string) (*RunDetails, error) {
	run, err := r.persistence.RunRepository().Get(ctx, runID)
	if err != nil {
		return nil, err
	}

	nodeRuns, err := r.persistence.NodeRunRepository().ListByRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list node runs of %s: %w", runID, err)
	}

	if nodeRuns == nil {
		nodeRuns = []*models.FlowchartRunNode{}
	}

	return &RunDetails{Run: run, NodeRuns: nodeRuns}, nil
}

// Stop requests a graceful stop of runID.
func (r *Run) Stop(ctx context.Context, runID string) (*models.FlowchartRun, error) {
	run, err := r.controller.Stop(ctx, runID)

	return run, finishedConflict("Stop", runID, err)
}

// Cancel cancels runID immediately.
func (r *Run) Cancel(ctx context.Context, runID string) (*models.FlowchartRun, error) {
	run, err := r.controller.Cancel(ctx, runID)

	return run, finishedConflict("Cancel", runID, err)
}

func finishedConflict(op, runID string, err error) error {
	if err == nil || !errors.Is(err, persistence.ErrInvalidTransition) {
		return err
	}

	return &ServiceError{
		Op:      op,
		Code:    "run_finished",
		Message: fmt.Sprintf("run %s already finished", runID),
		Err:     errors.Join(ErrRunFinished, err),
	}
}
