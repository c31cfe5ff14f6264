// Package toolinvoker wraps deterministic tool operations with fixed-backoff retries,
// an optional degraded fallback and a trace envelope describing every attempt.
package toolinvoker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-playground/validator/v10"
	"github.com/jonboulle/clockwork"

	"github.com/dukex/flowpilot/pkg/idempotency"
	"github.com/dukex/flowpilot/pkg/metrics"
)

var ErrDuplicateInvocation = errors.New("tool invocation already registered")

// ExecutionStatus of an invocation outcome.
type ExecutionStatus string

const (
	StatusSuccess            ExecutionStatus = "success"
	StatusSuccessWithWarning ExecutionStatus = "success_with_warning"
)

type Config struct {
	Tool        string        `validate:"required"`
	MaxAttempts int           `validate:"gte=1"`
	Backoff     time.Duration `validate:"gte=0"`
	// IdempotencyKey, when set, blocks a second invocation with the same key before any attempt runs.
	IdempotencyKey string
}

// DefaultConfig returns the default retry policy for tool.
func DefaultConfig(tool string) Config {
	return Config{
		Tool:        tool,
		MaxAttempts: 3,
		Backoff:     time.Second,
	}
}

// Operation performs one attempt. attempt starts at 1.
type Operation func(ctx context.Context, attempt int) (map[string]any, error)

// Permanent marks err as not worth retrying. The remaining attempts are skipped.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Attempt is one entry of the trace envelope.
type Attempt struct {
	Number     int           `json:"number"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration_ns"`
	Error      string        `json:"error,omitempty"`
}

// Trace records how an outcome was produced.
type Trace struct {
	Tool     string    `json:"tool"`
	Attempts []Attempt `json:"attempts"`
	Warnings []string  `json:"warnings,omitempty"`
}

// AttemptCount returns the number of attempts that ran.
func (t Trace) AttemptCount() int {
	return len(t.Attempts)
}

type Outcome struct {
	ExecutionStatus ExecutionStatus
	Output          map[string]any
	FallbackUsed    bool
	Trace           Trace
}

// Envelope returns Output annotated with the execution status and trace.
func (o *Outcome) Envelope() map[string]any {
	envelope := maps.Clone(o.Output)
	if envelope == nil {
		envelope = map[string]any{}
	}

	attempts := make([]map[string]any, 0, len(o.Trace.Attempts))
	for _, attempt := range o.Trace.Attempts {
		entry := map[string]any{
			"number":      attempt.Number,
			"started_at":  attempt.StartedAt.UTC().Format(time.RFC3339Nano),
			"finished_at": attempt.FinishedAt.UTC().Format(time.RFC3339Nano),
			"duration_ms": attempt.Duration.Milliseconds(),
		}
		if attempt.Error != "" {
			entry["error"] = attempt.Error
		}

		attempts = append(attempts, entry)
	}

	warnings := make([]any, 0, len(o.Trace.Warnings))
	for _, warning := range o.Trace.Warnings {
		warnings = append(warnings, warning)
	}

	envelope["execution_status"] = string(o.ExecutionStatus)
	envelope["fallback_used"] = o.FallbackUsed
	envelope["tool_trace"] = map[string]any{
		"tool":          o.Trace.Tool,
		"attempt_count": len(o.Trace.Attempts),
		"attempts":      attempts,
		"warnings":      warnings,
	}

	return envelope
}

type options struct {
	validate        func(output map[string]any) error
	artifactHook    func(ctx context.Context, outcome *Outcome) error
	fallbackBuilder func(ctx context.Context, lastErr error) (map[string]any, error)
}

type Option func(*options)

// WithValidator rejects an attempt whose output does not satisfy validate; the attempt is retried.
func WithValidator(validate func(output map[string]any) error) Option {
	return func(o *options) {
		o.validate = validate
	}
}

// WithArtifactHook runs hook once on the final outcome. A hook failure becomes a warning.
func WithArtifactHook(hook func(ctx context.Context, outcome *Outcome) error) Option {
	return func(o *options) {
		o.artifactHook = hook
	}
}

// WithFallback synthesizes a degraded output when every attempt failed.
func WithFallback(builder func(ctx context.Context, lastErr error) (map[string]any, error)) Option {
	return func(o *options) {
		o.fallbackBuilder = builder
	}
}

type Invoker struct {
	registry idempotency.Registry
	clock    clockwork.Clock
	logger   *slog.Logger
	metrics  *metrics.Metrics
	validate *validator.Validate
}

func New(registry idempotency.Registry, logger *slog.Logger, m *metrics.Metrics) *Invoker {
	return &Invoker{
		registry: registry,
		clock:    clockwork.NewRealClock(),
		logger:   logger.With("module", "tool_invoker"),
		metrics:  m,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// WithClock returns a copy of the invoker using clock for trace timestamps.
func (i *Invoker) WithClock(clock clockwork.Clock) *Invoker {
	clone := *i
	clone.clock = clock

	return &clone
}

// Invoke runs op up to cfg.MaxAttempts times with a fixed delay between attempts.
func (i *Invoker) Invoke(ctx context.Context, cfg Config, op Operation, opts ...Option) (*Outcome, error) {
	if err := i.validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid tool invoker config: %w", err)
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	logger := i.logger.With("tool", cfg.Tool)

	if cfg.IdempotencyKey != "" {
		registered, err := i.registry.Register(ctx, idempotency.Key("tool", cfg.Tool, cfg.IdempotencyKey))
		if err != nil {
			return nil, fmt.Errorf("failed to register tool invocation: %w", err)
		}

		if !registered {
			logger.WarnContext(ctx, "Duplicate tool invocation blocked", "idempotency_key", cfg.IdempotencyKey)

			return nil, fmt.Errorf("%w: %s", ErrDuplicateInvocation, cfg.IdempotencyKey)
		}
	}

	outcome := &Outcome{
		ExecutionStatus: StatusSuccess,
		Trace:           Trace{Tool: cfg.Tool},
	}

	attempt := 0
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(cfg.Backoff), uint64(cfg.MaxAttempts-1)),
		ctx,
	)

	lastErr := backoff.RetryNotify(func() error {
		attempt++
		startedAt := i.clock.Now()

		output, err := op(ctx, attempt)
		if err == nil && o.validate != nil {
			err = o.validate(output)
		}

		finishedAt := i.clock.Now()
		record := Attempt{
			Number:     attempt,
			StartedAt:  startedAt,
			FinishedAt: finishedAt,
			Duration:   finishedAt.Sub(startedAt),
		}

		if err != nil {
			record.Error = err.Error()
		}

		outcome.Trace.Attempts = append(outcome.Trace.Attempts, record)

		if err != nil {
			return err
		}

		outcome.Output = output

		return nil
	}, policy, func(err error, delay time.Duration) {
		logger.WarnContext(ctx, "Tool attempt failed, retrying", "attempt", attempt, "delay", delay, "error", err)
	})

	if lastErr != nil {
		if o.fallbackBuilder == nil || ctx.Err() != nil {
			i.metrics.ToolInvoked(cfg.Tool, "failed")

			return nil, fmt.Errorf("tool %s failed after %d attempts: %w", cfg.Tool, attempt, lastErr)
		}

		output, err := o.fallbackBuilder(ctx, lastErr)
		if err != nil {
			i.metrics.ToolInvoked(cfg.Tool, "failed")

			return nil, fmt.Errorf("tool %s fallback failed: %w", cfg.Tool, errors.Join(lastErr, err))
		}

		logger.WarnContext(ctx, "Tool attempts exhausted, using fallback output", "attempts", attempt, "error", lastErr)

		outcome.Output = output
		outcome.FallbackUsed = true
		outcome.ExecutionStatus = StatusSuccessWithWarning
		outcome.Trace.Warnings = append(outcome.Trace.Warnings,
			fmt.Sprintf("fallback output used after %d failed attempts: %v", attempt, lastErr))
	}

	if o.artifactHook != nil {
		if err := o.artifactHook(ctx, outcome); err != nil {
			logger.WarnContext(ctx, "Artifact hook failed", "error", err)

			outcome.ExecutionStatus = StatusSuccessWithWarning
			outcome.Trace.Warnings = append(outcome.Trace.Warnings, fmt.Sprintf("artifact hook failed: %v", err))
		}
	}

	i.metrics.ToolInvoked(cfg.Tool, string(outcome.ExecutionStatus))

	return outcome, nil
}
