package execution

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
)

// Observation is a snapshot of a remote dispatch.
type Observation struct {
	Started  bool
	Terminal bool
	// NeverStarted is set only when the provider proves the executor process was never
	// launched, such as an image that cannot be pulled.
	NeverStarted bool
	Succeeded    bool
	ExitCode     int
	Stdout       string
	Stderr       string
	Reason       string
}

// WatchOptions bounds a watch with two independent wall-clock windows.
type WatchOptions struct {
	// DispatchTimeout bounds how long the remote side may take to report startup.
	DispatchTimeout time.Duration
	// ExecutionTimeout bounds how long the remote side may take to reach a terminal state.
	ExecutionTimeout time.Duration
	PollInterval     time.Duration
}

// Watcher waits for a dispatch to reach a terminal state.
// It returns ErrDispatchTimeout or ErrExecutionTimeout together with the last observation
// when a window elapses, and ctx.Err() when ctx is done.
type Watcher interface {
	Watch(ctx context.Context, dispatchID string, opts WatchOptions) (*Observation, error)
}

// ProbeFunc reads the current state of a dispatch.
type ProbeFunc func(ctx context.Context, dispatchID string) (*Observation, error)

// PollWatcher implements Watcher by probing on a fixed interval.
type PollWatcher struct {
	probe  ProbeFunc
	clock  clockwork.Clock
	logger *slog.Logger
}

func NewPollWatcher(probe ProbeFunc, clock clockwork.Clock, logger *slog.Logger) *PollWatcher {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &PollWatcher{
		probe:  probe,
		clock:  clock,
		logger: logger.With("component", "poll_watcher"),
	}
}

func (w *PollWatcher) Watch(ctx context.Context, dispatchID string, opts WatchOptions) (*Observation, error) {
	start := w.clock.Now()
	last := &Observation{}
	started := false

	for {
		observation, err := w.probe(ctx, dispatchID)
		if err != nil {
			w.logger.WarnContext(ctx, "Failed to probe dispatch", "dispatch_id", dispatchID, "error", err)
		} else if observation != nil {
			last = observation
		}

		if !started && (last.Started || markerSeen(last.Stdout)) {
			started = true

			w.logger.DebugContext(ctx, "Remote executor started", "dispatch_id", dispatchID)
		}

		last.Started = started

		if last.Terminal {
			return last, nil
		}

		elapsed := w.clock.Since(start)

		if !started && elapsed >= opts.DispatchTimeout {
			return last, ErrDispatchTimeout
		}

		if elapsed >= opts.ExecutionTimeout {
			return last, ErrExecutionTimeout
		}

		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-w.clock.After(opts.PollInterval):
		}
	}
}

func markerSeen(stdout string) bool {
	if stdout == "" {
		return false
	}

	report, _ := ParseStdout(stdout)

	return report != nil && report.Started
}
