package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dukex/flowpilot/pkg/metrics"
	"github.com/dukex/flowpilot/pkg/models"
	"github.com/dukex/flowpilot/pkg/otelhelper"
)

// RouterConfig configures provider selection.
type RouterConfig struct {
	DefaultProvider   string `validate:"omitempty,oneof=workspace container cluster"`
	WorkspaceIdentity string
	// DisableFallback turns every dispatch failure into a terminal failure.
	DisableFallback bool
}

// Router selects a provider per invocation and applies the fallback policy.
type Router struct {
	providers         map[string]Executor
	defaultProvider   string
	workspaceIdentity string
	fallback          bool
	logger            *slog.Logger
	tracer            trace.Tracer
	metrics           *metrics.Metrics
}

// NewRouter builds a router. providers must contain the workspace provider, which is the
// default and the fallback target.
func NewRouter(cfg RouterConfig, providers map[string]Executor, logger *slog.Logger, tracer trace.Tracer, m *metrics.Metrics) (*Router, error) {
	if _, ok := providers[models.ProviderWorkspace]; !ok {
		return nil, fmt.Errorf("%w: workspace provider is required", ErrUnknownProvider)
	}

	defaultProvider := cfg.DefaultProvider
	if defaultProvider == "" {
		defaultProvider = models.ProviderWorkspace
	}

	if _, ok := providers[defaultProvider]; !ok {
		return nil, fmt.Errorf("%w: default provider %q is not configured", ErrUnknownProvider, defaultProvider)
	}

	if tracer == nil {
		tracer = otelhelper.NoopTracer()
	}

	return &Router{
		providers:         maps.Clone(providers),
		defaultProvider:   defaultProvider,
		workspaceIdentity: cfg.WorkspaceIdentity,
		fallback:          !cfg.DisableFallback,
		logger:            logger.With("module", "execution_router"),
		tracer:            tracer,
		metrics:           m,
	}, nil
}

// Providers returns the configured provider names.
func (r *Router) Providers() []string {
	return slices.Sorted(maps.Keys(r.providers))
}

// RouteRequest resolves the provider and workspace identity for req and resets every
// dispatch field to its initial pending state. An empty provider selects the default.
func (r *Router) RouteRequest(req *models.ExecutionRequest, provider string) *models.ExecutionRequest {
	routed := *req

	if provider == "" {
		provider = r.defaultProvider
	}

	if routed.ExecutionID == "" {
		routed.ExecutionID = uuid.NewString()
	}

	if routed.WorkspaceIdentity == "" {
		routed.WorkspaceIdentity = r.workspaceIdentity
	}

	routed.SelectedProvider = provider
	routed.FinalProvider = provider
	routed.ProviderDispatchID = ""
	routed.DispatchStatus = models.DispatchStatusPending
	routed.FallbackAttempted = false
	routed.FallbackReason = ""
	routed.DispatchUncertain = false
	routed.APIFailureCategory = ""

	return &routed
}

// ExecuteRouted delegates req to its selected provider. Fallback to the workspace provider
// happens at most once and never for uncertain dispatches. req carries the final dispatch
// state when ExecuteRouted returns.
func (r *Router) ExecuteRouted(ctx context.Context, req *models.ExecutionRequest, callback Callback) *models.ExecutionResult {
	ctx, span := otelhelper.StartSpan(ctx, r.tracer, "execution.route",
		attribute.String(otelhelper.NodeIDKey, req.NodeID),
		attribute.String(otelhelper.ExecutionIDKey, req.ExecutionID),
		attribute.String(otelhelper.ProviderKey, req.SelectedProvider),
	)
	defer span.End()

	logger := r.logger.With("node_id", req.NodeID, "execution_id", req.ExecutionID)

	executor, ok := r.providers[req.SelectedProvider]
	if !ok {
		logger.ErrorContext(ctx, "Unknown execution provider", "provider", req.SelectedProvider)

		req.DispatchStatus = models.DispatchStatusFailed
		result := models.FailedResult(CodeUnknownProvider,
			fmt.Sprintf("%v: %q", ErrUnknownProvider, req.SelectedProvider), false)
		r.record(req, "unknown_provider")

		return result
	}

	result, err := executor.Execute(ctx, req, callback)
	if err != nil {
		result = r.handleDispatchError(ctx, logger, req, callback, err)
	}

	if result == nil {
		result = models.FailedResult(CodeExecutionFailed, "provider returned no result", false)
	}

	if req.DispatchUncertain {
		req.FallbackAttempted = false
		req.FallbackReason = ""
	}

	outcome := outcomeOf(req, result)
	r.record(req, outcome)

	if !result.Succeeded() && result.Error != nil {
		otelhelper.SetError(span, errors.New(result.Error.Message),
			attribute.String("flowpilot.dispatch.outcome", outcome))
	}

	span.SetAttributes(attribute.String(otelhelper.DispatchIDKey, req.ProviderDispatchID))

	return result
}

func (r *Router) handleDispatchError(
	ctx context.Context,
	logger *slog.Logger,
	req *models.ExecutionRequest,
	callback Callback,
	err error,
) *models.ExecutionResult {
	var dispatchErr *DispatchError
	if !errors.As(err, &dispatchErr) {
		dispatchErr = NewDispatchError("execute", models.FallbackReasonUnknown, "", err)
	}

	req.DispatchStatus = models.DispatchStatusFailed
	req.APIFailureCategory = dispatchErr.Category

	if !r.canFallback(req) {
		logger.WarnContext(ctx, "Dispatch failed without fallback",
			"provider", req.FinalProvider,
			"fallback_attempted", req.FallbackAttempted,
			"error", dispatchErr)

		return models.FailedResult(CodeDispatchFailed, dispatchErr.Error(), false)
	}

	logger.WarnContext(ctx, "Dispatch failed, falling back to workspace",
		"provider", req.FinalProvider,
		"fallback_reason", dispatchErr.Reason,
		"api_failure_category", dispatchErr.Category,
		"error", dispatchErr.Err)

	failedDispatchID := req.ProviderDispatchID

	req.FallbackAttempted = true
	req.FallbackReason = dispatchErr.Reason
	req.FinalProvider = models.ProviderWorkspace
	req.ProviderDispatchID = ""
	req.DispatchStatus = models.DispatchStatusPending

	result, err := r.providers[models.ProviderWorkspace].Execute(ctx, req, callback)
	if err != nil {
		req.DispatchStatus = models.DispatchStatusFailed

		logger.ErrorContext(ctx, "Fallback dispatch failed", "error", err)

		return models.FailedResult(CodeDispatchFailed, fmt.Sprintf("fallback dispatch failed: %v", err), false)
	}

	if failedDispatchID != "" {
		if result.ProviderMetadata == nil {
			result.ProviderMetadata = map[string]any{}
		}

		result.ProviderMetadata["fallback_from_dispatch_id"] = failedDispatchID
	}

	return result
}

func (r *Router) canFallback(req *models.ExecutionRequest) bool {
	return r.fallback &&
		!req.FallbackAttempted &&
		!req.DispatchUncertain &&
		req.FinalProvider != models.ProviderWorkspace
}

// Revoke cancels an outstanding dispatch on provider. Providers that cannot revoke are ignored.
func (r *Router) Revoke(ctx context.Context, provider, dispatchID string) error {
	if dispatchID == "" {
		return nil
	}

	executor, ok := r.providers[provider]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}

	revoker, ok := executor.(Revoker)
	if !ok {
		return nil
	}

	return revoker.Revoke(ctx, dispatchID)
}

func (r *Router) record(req *models.ExecutionRequest, outcome string) {
	r.metrics.Dispatched(req.SelectedProvider, req.FinalProvider, outcome)
}

func outcomeOf(req *models.ExecutionRequest, result *models.ExecutionResult) string {
	switch {
	case req.DispatchUncertain:
		return "uncertain"
	case req.FallbackAttempted && result.Succeeded():
		return "fallback_succeeded"
	case req.FallbackAttempted:
		return "fallback_failed"
	case result.Succeeded():
		return "succeeded"
	default:
		return "failed"
	}
}
