package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/flowpilot/pkg/models"
	"github.com/dukex/flowpilot/pkg/persistence"
	"github.com/dukex/flowpilot/pkg/persistence/file"
)

type fakeController struct {
	submitted []models.SubmitOptions
	stopErr   error
}

func (f *fakeController) Submit(_ context.Context, flowchartID string, opts models.SubmitOptions) (*models.FlowchartRun, error) {
	f.submitted = append(f.submitted, opts)

	return &models.FlowchartRun{ID: "run-1", FlowchartID: flowchartID, Status: models.RunStatusQueued, TriggeredBy: opts.TriggeredBy}, nil
}

func (f *fakeController) Stop(_ context.Context, runID string) (*models.FlowchartRun, error) {
	if f.stopErr != nil {
		return nil, f.stopErr
	}

	return &models.FlowchartRun{ID: runID, Status: models.RunStatusStopping}, nil
}

func (f *fakeController) Cancel(_ context.Context, runID string) (*models.FlowchartRun, error) {
	return nil, persistence.NewRunError("UpdateStatus", runID,
		fmt.Errorf("%w: completed -> canceled", persistence.ErrInvalidTransition))
}

func TestRun_Submit(t *testing.T) {
	controller := &fakeController{}
	service := NewRun(file.NewPersistence(t.TempDir()), controller)

	run, err := service.Submit(t.Context(), "flow", "")
	require.NoError(t, err)
	assert.Equal(t, "flow", run.FlowchartID)

	_, err = service.Submit(t.Context(), "flow", models.RunTriggerAPI)
	require.NoError(t, err)

	require.Len(t, controller.submitted, 2)
	assert.Equal(t, models.RunTriggerManual, controller.submitted[0].TriggeredBy)
	assert.Equal(t, models.RunTriggerAPI, controller.submitted[1].TriggeredBy)
}

func TestRun_Details(t *testing.T) {
	store := file.NewPersistence(t.TempDir())
	service := NewRun(store, &fakeController{})

	now := time.Now().UTC()
	require.NoError(t, store.RunRepository().Create(t.Context(), &models.FlowchartRun{
		ID: "run-1", FlowchartID: "flow", Status: models.RunStatusRunning, CreatedAt: now,
	}))

	details, err := service.Details(t.Context(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, details.Run.Status)
	assert.NotNil(t, details.NodeRuns)
	assert.Empty(t, details.NodeRuns)

	require.NoError(t, store.NodeRunRepository().Create(t.Context(), &models.FlowchartRunNode{
		ID: "node-run-1", RunID: "run-1", NodeID: "start", Status: models.NodeRunStatusSucceeded, ExecutionIndex: 1, CreatedAt: now,
	}))

	details, err = service.Details(t.Context(), "run-1")
	require.NoError(t, err)
	require.Len(t, details.NodeRuns, 1)
	assert.Equal(t, "start", details.NodeRuns[0].NodeID)

	_, err = service.Details(t.Context(), "missing")
	assert.True(t, persistence.IsRunNotFound(err))
}

func TestRun_FinishedRunsConflict(t *testing.T) {
	controller := &fakeController{}
	service := NewRun(file.NewPersistence(t.TempDir()), controller)

	run, err := service.Stop(t.Context(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusStopping, run.Status)

	_, err = service.Cancel(t.Context(), "run-1")
	require.Error(t, err)
	assert.True(t, IsConflictError(err))
	assert.ErrorIs(t, err, persistence.ErrInvalidTransition)

	controller.stopErr = persistence.NewRunError("Get", "run-2", persistence.ErrRunNotFound)

	_, err = service.Stop(t.Context(), "run-2")
	require.Error(t, err)
	assert.False(t, IsConflictError(err))
	assert.True(t, persistence.IsRunNotFound(err))
}
