// Package scheduler executes flowchart runs: it claims a run, walks its graph with bounded
// parallelism, persists every node execution and resumes runs left behind by lost workers.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dukex/flowpilot/pkg/metrics"
	"github.com/dukex/flowpilot/pkg/models"
	"github.com/dukex/flowpilot/pkg/nodes"
	"github.com/dukex/flowpilot/pkg/otelhelper"
	"github.com/dukex/flowpilot/pkg/persistence"
)

// NodeRunner executes a single node. *nodes.Dispatcher implements it.
type NodeRunner interface {
	Handle(ctx context.Context, req *nodes.Request) (*nodes.Output, error)
}

// Enqueuer hands a run over to the worker pool.
type Enqueuer interface {
	Enqueue(ctx context.Context, flowchartID, runID string) error
}

// Revoker cancels an outstanding provider dispatch. *execution.Router implements it.
type Revoker interface {
	Revoke(ctx context.Context, provider, dispatchID string) error
}

type Scheduler struct {
	cfg     Config
	store   persistence.Persistence
	runner  NodeRunner
	queue   Enqueuer
	revoker Revoker
	clock   clockwork.Clock
	tracer  trace.Tracer
	metrics *metrics.Metrics
	logger  *slog.Logger

	// reenqueued holds when Recover last re-enqueued each run.
	recoverMu  sync.Mutex
	reenqueued map[string]time.Time
}

type Option func(*Scheduler)

func WithClock(clock clockwork.Clock) Option {
	return func(s *Scheduler) {
		s.clock = clock
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(s *Scheduler) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// WithRevoker enables best-effort revocation of remote dispatches when a run is canceled.
func WithRevoker(revoker Revoker) Option {
	return func(s *Scheduler) {
		s.revoker = revoker
	}
}

func New(
	cfg Config,
	store persistence.Persistence,
	runner NodeRunner,
	queue Enqueuer,
	logger *slog.Logger,
	opts ...Option,
) (*Scheduler, error) {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid scheduler config: %w", err)
	}

	s := &Scheduler{
		cfg:    cfg,
		store:  store,
		runner: runner,
		queue:  queue,
		clock:  clockwork.NewRealClock(),
		tracer: otelhelper.NoopTracer(),
		logger: logger.With("module", "scheduler", "worker_id", cfg.WorkerID),

		reenqueued: make(map[string]time.Time),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// SetRunner replaces the node runner. Subflow handlers need the scheduler, so the
// runner is usually completed after the scheduler is built.
func (s *Scheduler) SetRunner(runner NodeRunner) {
	s.runner = runner
}

// Submit creates a queued run of flowchartID and enqueues it.
func (s *Scheduler) Submit(ctx context.Context, flowchartID string, opts models.SubmitOptions) (*models.FlowchartRun, error) {
	flowchart, err := s.store.FlowchartRepository().Get(ctx, flowchartID)
	if err != nil {
		return nil, err
	}

	if _, err := BuildGraph(flowchart); err != nil {
		return nil, err
	}

	trigger := opts.TriggeredBy
	if trigger == "" {
		trigger = models.RunTriggerManual
	}

	run := &models.FlowchartRun{
		ID:           uuid.NewString(),
		FlowchartID:  flowchartID,
		Status:       models.RunStatusQueued,
		TriggeredBy:  trigger,
		ParentRunID:  opts.ParentRunID,
		ParentNodeID: opts.ParentNodeID,
		CreatedAt:    s.clock.Now().UTC(),
	}

	if err := s.store.RunRepository().Create(ctx, run); err != nil {
		return nil, err
	}

	if err := s.queue.Enqueue(ctx, flowchartID, run.ID); err != nil {
		return run, fmt.Errorf("failed to enqueue run %s: %w", run.ID, err)
	}

	s.logger.InfoContext(ctx, "Run submitted",
		"flowchart_id", flowchartID,
		"run_id", run.ID,
		"triggered_by", trigger,
		"parent_run_id", opts.ParentRunID)

	return run, nil
}

// Stop asks a run to finish gracefully. Running nodes complete, nothing new is dispatched
// and a cycle back to start does not queue a follow-up run. A queued run stops immediately.
func (s *Scheduler) Stop(ctx context.Context, runID string) (*models.FlowchartRun, error) {
	runs := s.store.RunRepository()

	run, err := runs.Get(ctx, runID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()

	switch run.Status {
	case models.RunStatusQueued:
		run, err = runs.UpdateStatus(ctx, runID, []models.RunStatus{models.RunStatusQueued}, models.RunStatusStopped, "stopped before start", now)
	case models.RunStatusRunning:
		run, err = runs.UpdateStatus(ctx, runID, []models.RunStatus{models.RunStatusRunning}, models.RunStatusStopping, "", now)
	case models.RunStatusStopping:
		return run, nil
	default:
		return run, persistence.NewRunError("Stop", runID, fmt.Errorf("%w: run is %s", persistence.ErrInvalidTransition, run.Status))
	}

	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "Run stop requested", "run_id", runID, "status", run.Status)

	if run.Status == models.RunStatusStopped {
		s.metrics.RunFinished(string(run.Status))
	}

	return run, nil
}

// Cancel terminates a run immediately. Node runs that have not finished are canceled and
// outstanding remote dispatches are revoked in the background.
func (s *Scheduler) Cancel(ctx context.Context, runID string) (*models.FlowchartRun, error) {
	now := s.clock.Now().UTC()

	run, err := s.store.RunRepository().UpdateStatus(ctx, runID,
		[]models.RunStatus{models.RunStatusQueued, models.RunStatusRunning, models.RunStatusStopping},
		models.RunStatusCanceled, "canceled by operator", now)
	if err != nil {
		return nil, err
	}

	canceled, err := s.store.NodeRunRepository().CancelNonTerminal(ctx, runID, "run canceled", now)
	if err != nil {
		return run, fmt.Errorf("failed to cancel node runs of %s: %w", runID, err)
	}

	s.metrics.RunFinished(string(models.RunStatusCanceled))
	s.logger.InfoContext(ctx, "Run canceled", "run_id", runID, "canceled_node_runs", len(canceled))

	s.revokeDispatches(ctx, canceled)

	return run, nil
}

func (s *Scheduler) revokeDispatches(ctx context.Context, nodeRuns []*models.FlowchartRunNode) {
	if s.revoker == nil {
		return
	}

	var outstanding []*models.FlowchartRunNode

	for _, nodeRun := range nodeRuns {
		if nodeRun.ProviderDispatchID == "" || nodeRun.Provider == models.ProviderWorkspace {
			continue
		}

		if nodeRun.DispatchStatus == models.DispatchStatusSubmitted || nodeRun.DispatchStatus == models.DispatchStatusConfirmed {
			outstanding = append(outstanding, nodeRun)
		}
	}

	if len(outstanding) == 0 {
		return
	}

	revokeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.RevokeTimeout)

	go func() {
		defer cancel()

		for _, nodeRun := range outstanding {
			err := s.revoker.Revoke(revokeCtx, nodeRun.Provider, nodeRun.ProviderDispatchID)
			if err != nil {
				s.logger.WarnContext(revokeCtx, "Failed to revoke dispatch",
					"run_id", nodeRun.RunID,
					"node_id", nodeRun.NodeID,
					"provider", nodeRun.Provider,
					"provider_dispatch_id", nodeRun.ProviderDispatchID,
					"error", err)

				continue
			}

			s.logger.InfoContext(revokeCtx, "Dispatch revoked",
				"run_id", nodeRun.RunID,
				"node_id", nodeRun.NodeID,
				"provider", nodeRun.Provider,
				"provider_dispatch_id", nodeRun.ProviderDispatchID)
		}
	}()
}

// Recover re-enqueues runs abandoned by lost workers and finalizes stopping runs whose
// owner disappeared. A run is re-enqueued at most once per lease duration. It returns how
// many runs it acted on.
func (s *Scheduler) Recover(ctx context.Context) (int, error) {
	s.recoverMu.Lock()
	defer s.recoverMu.Unlock()

	runs := s.store.RunRepository()
	now := s.clock.Now().UTC()
	recovered := 0

	expired, err := runs.List(ctx, persistence.ListRunsOptions{
		Statuses:           []models.RunStatus{models.RunStatusRunning},
		LeaseExpiredBefore: &now,
	})
	if err != nil {
		return 0, err
	}

	stale := now.Add(-s.cfg.LeaseDuration)

	queued, err := runs.List(ctx, persistence.ListRunsOptions{Statuses: []models.RunStatus{models.RunStatusQueued}})
	if err != nil {
		return 0, err
	}

	for _, run := range queued {
		if run.CreatedAt.Before(stale) {
			expired = append(expired, run)
		}
	}

	recoverable := make(map[string]bool, len(expired))

	for _, run := range expired {
		recoverable[run.ID] = true

		if last, ok := s.reenqueued[run.ID]; ok && last.After(stale) {
			continue
		}

		if err := s.queue.Enqueue(ctx, run.FlowchartID, run.ID); err != nil {
			return recovered, fmt.Errorf("failed to re-enqueue run %s: %w", run.ID, err)
		}

		s.logger.InfoContext(ctx, "Run re-enqueued", "run_id", run.ID, "status", run.Status, "claimed_by", run.ClaimedBy)

		s.reenqueued[run.ID] = now
		recovered++
	}

	for id := range s.reenqueued {
		if !recoverable[id] {
			delete(s.reenqueued, id)
		}
	}

	stopping, err := runs.List(ctx, persistence.ListRunsOptions{Statuses: []models.RunStatus{models.RunStatusStopping}})
	if err != nil {
		return recovered, err
	}

	for _, run := range stopping {
		if run.LeaseExpiresAt != nil && run.LeaseExpiresAt.After(now) {
			continue
		}

		if _, err := s.store.NodeRunRepository().CancelNonTerminal(ctx, run.ID, "run stopped", now); err != nil {
			return recovered, err
		}

		_, err := runs.UpdateStatus(ctx, run.ID, []models.RunStatus{models.RunStatusStopping}, models.RunStatusStopped, "", now)
		if persistence.IsInvalidTransition(err) {
			continue
		}

		if err != nil {
			return recovered, err
		}

		s.metrics.RunFinished(string(models.RunStatusStopped))
		s.logger.InfoContext(ctx, "Abandoned stopping run finalized", "run_id", run.ID)

		recovered++
	}

	return recovered, nil
}

// Execute claims runID and drives it until it reaches a terminal status, this worker
// loses its lease or ctx is canceled. Runs another worker holds are skipped.
func (s *Scheduler) Execute(ctx context.Context, flowchartID, runID string) (err error) {
	ctx, span := otelhelper.StartSpan(ctx, s.tracer, "scheduler.execute",
		attribute.String(otelhelper.FlowchartIDKey, flowchartID),
		attribute.String(otelhelper.RunIDKey, runID),
		attribute.String(otelhelper.WorkerIDKey, s.cfg.WorkerID),
	)
	defer func() { otelhelper.End(span, err) }()

	logger := s.logger.With("flowchart_id", flowchartID, "run_id", runID)
	runs := s.store.RunRepository()

	run, err := runs.Get(ctx, runID)
	if err != nil {
		return err
	}

	if run.FlowchartID != flowchartID {
		return persistence.NewRunError("Execute", runID, fmt.Errorf("%w: expected %s, got %s", ErrFlowchartMismatch, flowchartID, run.FlowchartID))
	}

	if run.Status.IsTerminal() {
		logger.DebugContext(ctx, "Run already finished", "status", run.Status)

		return nil
	}

	run, err = runs.Claim(ctx, runID, s.cfg.WorkerID, s.clock.Now().UTC(), s.cfg.LeaseDuration)
	if persistence.IsRunNotClaimable(err) {
		logger.DebugContext(ctx, "Run is not claimable, skipping")

		return nil
	}

	if err != nil {
		return err
	}

	flowchart, err := s.store.FlowchartRepository().Get(ctx, flowchartID)
	if err != nil {
		return err
	}

	graph, err := BuildGraph(flowchart)
	if err != nil {
		logger.ErrorContext(ctx, "Flowchart is not executable", "error", err)

		_, updateErr := runs.UpdateStatus(ctx, runID, []models.RunStatus{models.RunStatusRunning, models.RunStatusStopping},
			models.RunStatusFailed, err.Error(), s.clock.Now().UTC())
		if updateErr == nil {
			s.metrics.RunFinished(string(models.RunStatusFailed))
		}

		return nil
	}

	logger.InfoContext(ctx, "Run claimed", "triggered_by", run.TriggeredBy)

	return newRunState(s, run, graph, logger).execute(ctx)
}

func (s *Scheduler) now() time.Time {
	return s.clock.Now().UTC()
}

func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
