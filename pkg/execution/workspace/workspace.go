// Package workspace runs node bodies in the worker process.
package workspace

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/dukex/flowpilot/pkg/execution"
	"github.com/dukex/flowpilot/pkg/idempotency"
	"github.com/dukex/flowpilot/pkg/models"
)

type Executor struct {
	registry idempotency.Registry
	logger   *slog.Logger
}

func New(registry idempotency.Registry, logger *slog.Logger) *Executor {
	return &Executor{
		registry: registry,
		logger:   logger.With("module", "workspace_executor"),
	}
}

// Execute invokes callback in-process. The only failure that is not reported through the
// result is a registry outage, which happens before anything ran.
func (e *Executor) Execute(ctx context.Context, req *models.ExecutionRequest, callback execution.Callback) (*models.ExecutionResult, error) {
	req.FinalProvider = models.ProviderWorkspace
	req.ProviderDispatchID = "workspace-" + uuid.NewString()
	req.DispatchStatus = models.DispatchStatusSubmitted

	if err := execution.Claim(ctx, e.registry, req); err != nil {
		if errors.Is(err, execution.ErrDuplicateDispatch) {
			e.logger.WarnContext(ctx, "Duplicate workspace dispatch",
				"execution_id", req.ExecutionID,
				"dispatch_id", req.ProviderDispatchID)

			return execution.Uncertain(req, err), nil
		}

		req.DispatchStatus = models.DispatchStatusFailed

		return nil, execution.NewDispatchError("register", models.FallbackReasonProviderUnavailable, execution.CategoryUnavailable, err)
	}

	req.DispatchStatus = models.DispatchStatusConfirmed
	execution.Notify(ctx, req)

	e.logger.DebugContext(ctx, "Running node body in workspace",
		"node_id", req.NodeID,
		"execution_id", req.ExecutionID,
		"dispatch_id", req.ProviderDispatchID)

	result := execution.Invoke(ctx, callback, req, nil)
	if result.ProviderMetadata == nil {
		result.ProviderMetadata = map[string]any{}
	}

	result.ProviderMetadata["provider"] = models.ProviderWorkspace
	result.ProviderMetadata["provider_dispatch_id"] = req.ProviderDispatchID

	return result, nil
}
