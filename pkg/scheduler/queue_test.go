package scheduler_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dukex/flowpilot/pkg/mocks"
	"github.com/dukex/flowpilot/pkg/models"
	"github.com/dukex/flowpilot/pkg/persistence/file"
	"github.com/dukex/flowpilot/pkg/scheduler"
	"github.com/dukex/flowpilot/pkg/testutil"
)

func TestSubmit_EnqueueFailureKeepsQueuedRun(t *testing.T) {
	ctx := context.Background()
	store := file.NewPersistence(t.TempDir())
	queue := &mocks.MockEnqueuer{}

	queue.On("Enqueue", mock.Anything, "flow", mock.AnythingOfType("string")).Return(errors.New("broker down")).Once()

	s, err := scheduler.New(scheduler.DefaultConfig("worker"), store, nil, queue, slog.New(slog.NewTextHandler(os.Stdout, nil)))
	require.NoError(t, err)

	require.NoError(t, store.FlowchartRepository().Save(ctx, testutil.CreateTestFlowchart("flow")))

	run, err := s.Submit(ctx, "flow", models.SubmitOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
	require.NotNil(t, run)

	persisted, err := store.RunRepository().Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusQueued, persisted.Status)

	queue.AssertExpectations(t)
}

func TestRecover_ReenqueuesStaleQueuedRuns(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := file.NewPersistence(t.TempDir())
	queue := &mocks.MockEnqueuer{}

	queue.On("Enqueue", mock.Anything, "flow", "stale").Return(nil).Once()

	s, err := scheduler.New(
		scheduler.DefaultConfig("worker"),
		store,
		nil,
		queue,
		slog.New(slog.NewTextHandler(os.Stdout, nil)),
		scheduler.WithClock(clockwork.NewFakeClockAt(now)),
	)
	require.NoError(t, err)

	require.NoError(t, store.RunRepository().Create(ctx, &models.FlowchartRun{
		ID: "stale", FlowchartID: "flow", Status: models.RunStatusQueued, CreatedAt: now.Add(-time.Hour),
	}))
	require.NoError(t, store.RunRepository().Create(ctx, &models.FlowchartRun{
		ID: "fresh", FlowchartID: "flow", Status: models.RunStatusQueued, CreatedAt: now,
	}))

	recovered, err := s.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	queue.AssertExpectations(t)
	queue.AssertNotCalled(t, "Enqueue", mock.Anything, "flow", "fresh")
}

func TestRecover_ReenqueuesOncePerLease(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(now)
	store := file.NewPersistence(t.TempDir())
	queue := &mocks.MockEnqueuer{}
	cfg := scheduler.DefaultConfig("worker")

	queue.On("Enqueue", mock.Anything, "flow", "stale").Return(nil).Twice()

	s, err := scheduler.New(cfg, store, nil, queue, slog.New(slog.NewTextHandler(os.Stdout, nil)), scheduler.WithClock(clock))
	require.NoError(t, err)

	require.NoError(t, store.RunRepository().Create(ctx, &models.FlowchartRun{
		ID: "stale", FlowchartID: "flow", Status: models.RunStatusQueued, CreatedAt: now.Add(-time.Hour),
	}))

	recovered, err := s.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	for range 3 {
		clock.Advance(cfg.LeaseDuration / 4)

		recovered, err = s.Recover(ctx)
		require.NoError(t, err)
		assert.Zero(t, recovered, "run was re-enqueued within the last lease")
	}

	queue.AssertNumberOfCalls(t, "Enqueue", 1)

	clock.Advance(cfg.LeaseDuration / 2)

	recovered, err = s.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	queue.AssertExpectations(t)
	queue.AssertNumberOfCalls(t, "Enqueue", 2)
}
