package main

import (
	"context"
	"errors"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/robfig/cron/v3"

	"github.com/dukex/flowpilot/pkg/cmd"
	"github.com/dukex/flowpilot/pkg/metrics"
	"github.com/dukex/flowpilot/pkg/persistence"
	"github.com/dukex/flowpilot/pkg/queue"
	"github.com/dukex/flowpilot/pkg/scheduler"
)

// RunExecutor drives queued runs and recovers abandoned ones.
type RunExecutor interface {
	Execute(ctx context.Context, flowchartID, runID string) error
	Recover(ctx context.Context) (int, error)
}

// RunConsumer delivers queued runs to a handler.
type RunConsumer interface {
	Consume(ctx context.Context, handler queue.Handler) error
}

type Worker struct {
	id             string
	runs           RunExecutor
	queue          RunConsumer
	housekeepers   []cmd.Housekeeper
	schedule       string
	metricsAddress string
	metrics        *metrics.Metrics
	logger         *slog.Logger
}

func NewWorker(
	id string,
	runs RunExecutor,
	queue RunConsumer,
	housekeepers []cmd.Housekeeper,
	schedule string,
	metricsAddress string,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Worker {
	return &Worker{
		id:             id,
		runs:           runs,
		queue:          queue,
		housekeepers:   housekeepers,
		schedule:       schedule,
		metricsAddress: metricsAddress,
		metrics:        m,
		logger:         logger.With("module", "flowpilot-worker", "worker_id", id),
	}
}

// Start consumes queued runs until SIGINT or SIGTERM.
func (w *Worker) Start(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w.logger.InfoContext(ctx, "Starting worker")

	// pick up runs abandoned by workers that died before this one started
	w.housekeep(ctx)

	housekeeping := cron.New()

	_, err := housekeeping.AddFunc(w.schedule, func() { w.housekeep(ctx) })
	if err != nil {
		return err
	}

	housekeeping.Start()
	defer housekeeping.Stop()

	if w.metricsAddress != "" {
		app := w.statusApp()

		go func() {
			err := app.Listen(w.metricsAddress, fiber.ListenConfig{DisableStartupMessage: true})
			if err != nil {
				w.logger.ErrorContext(ctx, "Metrics server stopped", "error", err)
			}
		}()

		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()

			if err := app.ShutdownWithContext(shutdownCtx); err != nil {
				w.logger.ErrorContext(ctx, "Failed to stop metrics server", "error", err)
			}
		}()
	}

	err = w.queue.Consume(ctx, w.handleRun)
	if err != nil {
		w.logger.ErrorContext(ctx, "Failed to consume run queue", "error", err)

		return err
	}

	w.logger.InfoContext(ctx, "Worker started successfully")

	<-ctx.Done()
	w.logger.InfoContext(ctx, "Shutting down worker...")

	return nil
}

func (w *Worker) statusApp() *fiber.App {
	app := fiber.New()
	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	if w.metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(w.metrics.Handler()))
	}

	return app
}

// handleRun drives one queued run. Runs that can never execute are acknowledged so the
// queue does not redeliver them forever.
func (w *Worker) handleRun(ctx context.Context, flowchartID, runID string) error {
	err := w.runs.Execute(ctx, flowchartID, runID)

	switch {
	case err == nil:
		return nil
	case persistence.IsNotFound(err), errors.Is(err, scheduler.ErrFlowchartMismatch):
		w.logger.WarnContext(ctx, "Dropping run that cannot execute",
			"flowchart_id", flowchartID, "run_id", runID, "error", err)

		return nil
	default:
		w.logger.ErrorContext(ctx, "Run execution interrupted",
			"flowchart_id", flowchartID, "run_id", runID, "error", err)

		return err
	}
}

// housekeep recovers abandoned runs and garbage-collects finished provider resources.
func (w *Worker) housekeep(ctx context.Context) {
	recovered, err := w.runs.Recover(ctx)
	if err != nil {
		w.logger.ErrorContext(ctx, "Failed to recover runs", "error", err)
	} else if recovered > 0 {
		w.logger.InfoContext(ctx, "Recovered runs", "count", recovered)
	}

	for _, housekeeper := range w.housekeepers {
		if err := housekeeper.Housekeep(ctx); err != nil {
			w.logger.ErrorContext(ctx, "Housekeeping failed", "error", err)
		}
	}
}
