package container

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/dukex/flowpilot/pkg/execution"
	"github.com/dukex/flowpilot/pkg/idempotency"
	"github.com/dukex/flowpilot/pkg/models"
)

const (
	LabelManagedBy   = "app.kubernetes.io/managed-by"
	LabelNodeID      = "flowpilot.dev/node-id"
	LabelExecutionID = "flowpilot.dev/execution-id"
	LabelWorkspace   = "flowpilot.dev/workspace"
	LabelDispatchID  = "flowpilot.dev/dispatch-id"
	managedByValue   = "flowpilot"
)

type Config struct {
	Image            string `validate:"required"`
	Command          []string
	Network          string
	MemoryBytes      int64         `validate:"gte=0"`
	NanoCPUs         int64         `validate:"gte=0"`
	PreflightTimeout time.Duration `validate:"gt=0"`
	DispatchTimeout  time.Duration `validate:"gt=0"`
	ExecutionTimeout time.Duration `validate:"gtfield=DispatchTimeout"`
	PollInterval     time.Duration `validate:"gt=0"`
	Retention        time.Duration `validate:"gte=0"`
	StopGrace        time.Duration `validate:"gte=0"`
	ForceKill        bool
}

func DefaultConfig() Config {
	return Config{
		Command:          []string{"flowpilot-executor"},
		PreflightTimeout: 10 * time.Second,
		DispatchTimeout:  2 * time.Minute,
		ExecutionTimeout: 30 * time.Minute,
		PollInterval:     2 * time.Second,
		Retention:        time.Hour,
		StopGrace:        30 * time.Second,
		ForceKill:        true,
	}
}

type Executor struct {
	api      API
	cfg      Config
	registry idempotency.Registry
	watcher  execution.Watcher
	clock    clockwork.Clock
	logger   *slog.Logger
}

type Option func(*Executor)

// WithClock replaces the wall clock used for polling and housekeeping.
func WithClock(clock clockwork.Clock) Option {
	return func(e *Executor) {
		e.clock = clock
	}
}

func New(api API, registry idempotency.Registry, cfg Config, logger *slog.Logger, opts ...Option) (*Executor, error) {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid container executor config: %w", err)
	}

	e := &Executor{
		api:      api,
		cfg:      cfg,
		registry: registry,
		clock:    clockwork.NewRealClock(),
		logger:   logger.With("module", "container_executor"),
	}

	for _, opt := range opts {
		opt(e)
	}

	e.watcher = execution.NewPollWatcher(e.probe, e.clock, e.logger)

	return e, nil
}

func (e *Executor) Execute(ctx context.Context, req *models.ExecutionRequest, callback execution.Callback) (*models.ExecutionResult, error) {
	req.FinalProvider = models.ProviderContainer

	if err := e.preflight(ctx); err != nil {
		return nil, err
	}

	if err := e.Housekeep(ctx); err != nil {
		e.logger.WarnContext(ctx, "Container housekeeping failed", "error", err)
	}

	dispatchID := "flowpilot-" + uuid.NewString()
	req.ProviderDispatchID = dispatchID

	payload, err := execution.EncodePayload(req)
	if err != nil {
		return nil, execution.NewDispatchError("build", models.FallbackReasonConfigError, execution.CategoryInvalid, err)
	}

	if err := e.submit(ctx, req, payload); err != nil {
		req.DispatchStatus = models.DispatchStatusFailed

		return nil, err
	}

	req.DispatchStatus = models.DispatchStatusSubmitted
	execution.Notify(ctx, req)

	e.logger.InfoContext(ctx, "Container dispatched",
		"node_id", req.NodeID,
		"execution_id", req.ExecutionID,
		"dispatch_id", dispatchID)

	observation, watchErr := e.watcher.Watch(ctx, dispatchID, execution.WatchOptions{
		DispatchTimeout:  e.cfg.DispatchTimeout,
		ExecutionTimeout: e.cfg.ExecutionTimeout,
		PollInterval:     e.cfg.PollInterval,
	})

	result, err := execution.CompleteRemote(ctx, e.registry, req, observation, watchErr, callback)
	if err != nil {
		e.remove(context.WithoutCancel(ctx), dispatchID)

		return nil, err
	}

	if ctx.Err() != nil || (watchErr != nil && observation.Started) {
		go func() {
			if err := e.Revoke(context.WithoutCancel(ctx), dispatchID); err != nil {
				e.logger.Warn("Failed to revoke container", "dispatch_id", dispatchID, "error", err)
			}
		}()
	}

	return result, nil
}

func (e *Executor) preflight(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.PreflightTimeout)
	defer cancel()

	if _, err := e.api.Ping(ctx); err != nil {
		category := Categorize(err)

		return execution.NewDispatchError("preflight", preflightReason(category), category, err)
	}

	return nil
}

func (e *Executor) submit(ctx context.Context, req *models.ExecutionRequest, payload string) error {
	config := &container.Config{
		Image: e.cfg.Image,
		Cmd:   e.cfg.Command,
		Env:   []string{execution.PayloadEnv + "=" + payload},
		Labels: map[string]string{
			LabelManagedBy:   managedByValue,
			LabelNodeID:      req.NodeID,
			LabelExecutionID: req.ExecutionID,
			LabelWorkspace:   req.WorkspaceIdentity,
			LabelDispatchID:  req.ProviderDispatchID,
		},
	}

	hostConfig := &container.HostConfig{
		NetworkMode: container.NetworkMode(e.cfg.Network),
		Resources: container.Resources{
			Memory:   e.cfg.MemoryBytes,
			NanoCPUs: e.cfg.NanoCPUs,
		},
	}

	if _, err := e.api.ContainerCreate(ctx, config, hostConfig, nil, nil, req.ProviderDispatchID); err != nil {
		return execution.NewDispatchError("submit", models.FallbackReasonSubmitFailed, Categorize(err), err)
	}

	if err := e.api.ContainerStart(ctx, req.ProviderDispatchID, container.StartOptions{}); err != nil {
		e.remove(context.WithoutCancel(ctx), req.ProviderDispatchID)

		return execution.NewDispatchError("submit", models.FallbackReasonSubmitFailed, Categorize(err), err)
	}

	return nil
}

func (e *Executor) probe(ctx context.Context, dispatchID string) (*execution.Observation, error) {
	inspect, err := e.api.ContainerInspect(ctx, dispatchID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect container: %w", err)
	}

	observation := &execution.Observation{}

	if inspect.ContainerJSONBase != nil && inspect.State != nil {
		state := inspect.State

		switch string(state.Status) {
		case "exited", "dead":
			observation.Terminal = true
			observation.ExitCode = state.ExitCode
			observation.Succeeded = state.ExitCode == 0 && !state.OOMKilled
			observation.Reason = state.Error

			if state.OOMKilled {
				observation.Reason = "OOMKilled"
			}
		}
	}

	stdout, stderr, err := e.logs(ctx, dispatchID)
	if err != nil {
		// logs are unavailable until the container has started
		return observation, nil
	}

	observation.Stdout = stdout
	observation.Stderr = stderr

	return observation, nil
}

func (e *Executor) logs(ctx context.Context, dispatchID string) (string, string, error) {
	reader, err := e.api.ContainerLogs(ctx, dispatchID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", "", err
	}
	defer reader.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, reader); err != nil {
		return "", "", err
	}

	return stdout.String(), stderr.String(), nil
}

// Revoke stops the container within the grace period and removes it. When the stop fails
// and force kill is enabled, the container is removed forcefully.
func (e *Executor) Revoke(ctx context.Context, dispatchID string) error {
	grace := int(e.cfg.StopGrace.Seconds())

	stopErr := e.api.ContainerStop(ctx, dispatchID, container.StopOptions{Timeout: &grace})
	if cerrdefs.IsNotFound(stopErr) {
		return nil
	}

	if stopErr == nil {
		err := e.api.ContainerRemove(ctx, dispatchID, container.RemoveOptions{})
		if err == nil || cerrdefs.IsNotFound(err) {
			return nil
		}

		stopErr = err
	}

	if !e.cfg.ForceKill {
		return fmt.Errorf("failed to revoke container %s: %w", dispatchID, stopErr)
	}

	e.logger.WarnContext(ctx, "Graceful stop failed, removing container forcefully", "dispatch_id", dispatchID, "error", stopErr)

	if err := e.api.ContainerRemove(ctx, dispatchID, container.RemoveOptions{Force: true}); err != nil && !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("failed to force remove container %s: %w", dispatchID, err)
	}

	return nil
}

// Housekeep removes exited flowpilot containers older than the retention window.
func (e *Executor) Housekeep(ctx context.Context) error {
	containers, err := e.api.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", LabelManagedBy+"="+managedByValue),
			filters.Arg("status", "exited"),
		),
	})
	if err != nil {
		return fmt.Errorf("failed to list containers: %w", err)
	}

	cutoff := e.clock.Now().Add(-e.cfg.Retention)
	removed := 0

	for _, summary := range containers {
		if time.Unix(summary.Created, 0).After(cutoff) {
			continue
		}

		if err := e.api.ContainerRemove(ctx, summary.ID, container.RemoveOptions{}); err != nil && !cerrdefs.IsNotFound(err) {
			e.logger.WarnContext(ctx, "Failed to remove expired container", "container_id", summary.ID, "error", err)

			continue
		}

		removed++
	}

	if removed > 0 {
		e.logger.InfoContext(ctx, "Removed expired containers", "count", removed)
	}

	return nil
}

func (e *Executor) remove(ctx context.Context, dispatchID string) {
	if err := e.api.ContainerRemove(ctx, dispatchID, container.RemoveOptions{Force: true}); err != nil && !cerrdefs.IsNotFound(err) {
		e.logger.WarnContext(ctx, "Failed to remove container", "dispatch_id", dispatchID, "error", err)
	}
}
