// Package artifact handles plan, milestone and memory nodes. Each execution applies a
// patch to a persisted aggregate through the deterministic tool invoker.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/dukex/flowpilot/pkg/models"
	"github.com/dukex/flowpilot/pkg/nodes"
	"github.com/dukex/flowpilot/pkg/persistence"
	"github.com/dukex/flowpilot/pkg/toolinvoker"
)

// maxAppliedPatches bounds the digest history kept on an aggregate.
const maxAppliedPatches = 256

type Handler struct {
	repo        persistence.ArtifactRepository
	invoker     *toolinvoker.Invoker
	logger      *slog.Logger
	maxAttempts int
	backoff     time.Duration
}

type Option func(*Handler)

// WithRetryPolicy overrides the default attempts and fixed backoff.
func WithRetryPolicy(maxAttempts int, backoff time.Duration) Option {
	return func(h *Handler) {
		h.maxAttempts = maxAttempts
		h.backoff = backoff
	}
}

func New(repo persistence.ArtifactRepository, invoker *toolinvoker.Invoker, logger *slog.Logger, opts ...Option) *Handler {
	defaults := toolinvoker.DefaultConfig("")

	h := &Handler{
		repo:        repo,
		invoker:     invoker,
		logger:      logger.With("module", "artifact_node"),
		maxAttempts: defaults.MaxAttempts,
		backoff:     defaults.Backoff,
	}

	for _, opt := range opts {
		opt(h)
	}

	return h
}

// Handle applies cfg.Patch to the aggregate. A patch already applied to the aggregate,
// for example by the same node in an earlier lap, leaves it unchanged.
func (h *Handler) Handle(ctx context.Context, req *nodes.Request, cfg *nodes.ArtifactConfig) (*nodes.Output, error) {
	digest := PatchDigest(cfg.Kind, cfg.Action, cfg.Patch)

	toolCfg := toolinvoker.Config{
		Tool:           string(cfg.Kind) + "." + cfg.Action,
		MaxAttempts:    h.maxAttempts,
		Backoff:        h.backoff,
		IdempotencyKey: req.ExecutionID,
	}

	if cfg.MaxAttempts > 0 {
		toolCfg.MaxAttempts = cfg.MaxAttempts
	}

	opts := []toolinvoker.Option{toolinvoker.WithValidator(validateOutput)}

	if cfg.AllowFallback {
		opts = append(opts, toolinvoker.WithFallback(func(_ context.Context, lastErr error) (map[string]any, error) {
			return map[string]any{
				"artifact_id":  cfg.ArtifactID,
				"kind":         string(cfg.Kind),
				"action":       cfg.Action,
				"patch_digest": digest,
				"applied":      false,
				"degraded":     true,
				"error":        lastErr.Error(),
			}, nil
		}))
	}

	outcome, err := h.invoker.Invoke(ctx, toolCfg, func(ctx context.Context, _ int) (map[string]any, error) {
		return h.apply(ctx, cfg, digest)
	}, opts...)
	if err != nil {
		return &nodes.Output{
			OutputState: map[string]any{
				"artifact_id": cfg.ArtifactID,
				"kind":        string(cfg.Kind),
				"action":      cfg.Action,
			},
		}, err
	}

	h.logger.InfoContext(ctx, "Artifact patch processed",
		"run_id", req.Run.ID,
		"node_id", req.Node.ID,
		"artifact_id", cfg.ArtifactID,
		"kind", cfg.Kind,
		"action", cfg.Action,
		"applied", outcome.Output["applied"],
		"execution_status", outcome.ExecutionStatus)

	return &nodes.Output{
		OutputState:  outcome.Envelope(),
		RoutingState: map[string]any{},
		RunMetadata: map[string]any{
			"artifact_id":   cfg.ArtifactID,
			"artifact_kind": string(cfg.Kind),
			"tool_attempts": outcome.Trace.AttemptCount(),
		},
	}, nil
}

func (h *Handler) apply(ctx context.Context, cfg *nodes.ArtifactConfig, digest string) (map[string]any, error) {
	expectedVersion := 0

	stored, err := h.repo.Get(ctx, cfg.Kind, cfg.ArtifactID)

	switch {
	case errors.Is(err, persistence.ErrArtifactNotFound):
		stored = &models.Artifact{ID: cfg.ArtifactID, Kind: cfg.Kind, State: map[string]any{}}
	case err != nil:
		return nil, fmt.Errorf("failed to load %s %s: %w", cfg.Kind, cfg.ArtifactID, err)
	default:
		expectedVersion = stored.Version
	}

	if slices.Contains(stored.AppliedPatches, digest) {
		return summary(stored, cfg.Action, digest, false), nil
	}

	state, err := applyPatch(cfg.Kind, cfg.Action, stored.State, cfg.Patch)
	if err != nil {
		return nil, toolinvoker.Permanent(err)
	}

	stored.State = state

	stored.AppliedPatches = append(stored.AppliedPatches, digest)
	if len(stored.AppliedPatches) > maxAppliedPatches {
		stored.AppliedPatches = stored.AppliedPatches[len(stored.AppliedPatches)-maxAppliedPatches:]
	}

	if err := h.repo.Save(ctx, stored, expectedVersion); err != nil {
		return nil, fmt.Errorf("failed to save %s %s: %w", cfg.Kind, cfg.ArtifactID, err)
	}

	return summary(stored, cfg.Action, digest, true), nil
}

func summary(artifact *models.Artifact, action, digest string, applied bool) map[string]any {
	return map[string]any{
		"artifact_id":  artifact.ID,
		"kind":         string(artifact.Kind),
		"action":       action,
		"version":      artifact.Version,
		"state":        artifact.State,
		"patch_digest": digest,
		"applied":      applied,
	}
}

func validateOutput(output map[string]any) error {
	if _, ok := output["artifact_id"]; !ok {
		return errors.New("tool output is missing artifact_id")
	}

	return nil
}
