package execution

import (
	"context"
	"errors"
	"fmt"

	"github.com/dukex/flowpilot/pkg/idempotency"
	"github.com/dukex/flowpilot/pkg/models"
)

// Claim registers the dispatch key of req. It returns ErrDuplicateDispatch when the key
// was already registered.
func Claim(ctx context.Context, registry idempotency.Registry, req *models.ExecutionRequest) error {
	registered, err := registry.Register(ctx, idempotency.DispatchKey(req.ExecutionID, req.ProviderDispatchID))
	if err != nil {
		return fmt.Errorf("failed to register dispatch: %w", err)
	}

	if !registered {
		return ErrDuplicateDispatch
	}

	return nil
}

// Invoke runs callback and normalizes its outcome into a result.
func Invoke(ctx context.Context, callback Callback, req *models.ExecutionRequest, remote *models.ExecutionResult) *models.ExecutionResult {
	result, err := callback(ctx, req, remote)
	if err != nil {
		failed := models.FailedResult(CodeExecutionFailed, err.Error(), false)
		if result != nil {
			failed.Stdout = result.Stdout
			failed.Stderr = result.Stderr
			failed.RunMetadata = result.RunMetadata
		}

		return failed
	}

	if result == nil {
		return models.FailedResult(CodeExecutionFailed, "node body returned no result", false)
	}

	return result
}

// Uncertain marks req as dispatch-uncertain and returns the terminal result.
// Fallback is suppressed because the remote side effect may already be running.
func Uncertain(req *models.ExecutionRequest, cause error) *models.ExecutionResult {
	req.DispatchUncertain = true
	req.FallbackAttempted = false
	req.FallbackReason = ""

	result := models.FailedResult(CodeDispatchUncertain, fmt.Sprintf("dispatch outcome is uncertain: %v", cause), false)
	result.ProviderMetadata = dispatchMetadata(req)

	return result
}

// CompleteRemote classifies the outcome of a watched remote dispatch and, when the remote
// side started and succeeded, invokes callback with the reported result.
func CompleteRemote(
	ctx context.Context,
	registry idempotency.Registry,
	req *models.ExecutionRequest,
	observation *Observation,
	watchErr error,
	callback Callback,
) (*models.ExecutionResult, error) {
	if observation == nil {
		observation = &Observation{}
	}

	switch {
	case watchErr == nil:
	case errors.Is(watchErr, context.Canceled):
		req.DispatchStatus = models.DispatchStatusFailed

		return withMetadata(models.FailedResult(CodeCanceled, "dispatch canceled", false), req, observation), nil
	case errors.Is(watchErr, ErrExecutionTimeout) && observation.Started:
		req.DispatchStatus = models.DispatchStatusFailed

		return withMetadata(models.FailedResult(CodeExecutionTimeout, watchErr.Error(), false), req, observation), nil
	default:
		return withMetadata(Uncertain(req, watchErr), req, observation), nil
	}

	if !observation.Started {
		if observation.NeverStarted && !observation.Succeeded {
			req.DispatchStatus = models.DispatchStatusFailed

			return nil, NewDispatchError("poll", models.FallbackReasonDispatchFailed, "",
				fmt.Errorf("remote job failed before startup: %s", observation.Reason))
		}

		cause := errors.New("remote job finished without startup marker")
		if observation.Reason != "" {
			cause = fmt.Errorf("remote job finished without startup marker: %s", observation.Reason)
		}

		return withMetadata(Uncertain(req, cause), req, observation), nil
	}

	if !observation.Succeeded {
		req.DispatchStatus = models.DispatchStatusFailed

		message := observation.Reason
		if message == "" {
			message = fmt.Sprintf("remote executor exited with code %d", observation.ExitCode)
		}

		result := models.FailedResult(CodeExecutionFailed, message, false)
		result.ExitCode = observation.ExitCode

		return withMetadata(result, req, observation), nil
	}

	report, err := ParseStdout(observation.Stdout)
	if err != nil || report.Result == nil {
		if err == nil {
			err = fmt.Errorf("%w: no %s line", ErrMalformedResult, ResultPrefix)
		}

		req.DispatchStatus = models.DispatchStatusFailed

		return withMetadata(models.FailedResult(CodeExecutionFailed, err.Error(), false), req, observation), nil
	}

	if err := Claim(ctx, registry, req); err != nil {
		return withMetadata(Uncertain(req, err), req, observation), nil
	}

	req.DispatchStatus = models.DispatchStatusConfirmed
	Notify(ctx, req)

	return withMetadata(Invoke(ctx, callback, req, report.Result), req, observation), nil
}

func withMetadata(result *models.ExecutionResult, req *models.ExecutionRequest, observation *Observation) *models.ExecutionResult {
	if result.ProviderMetadata == nil {
		result.ProviderMetadata = map[string]any{}
	}

	for key, value := range dispatchMetadata(req) {
		result.ProviderMetadata[key] = value
	}

	if result.Stdout == "" {
		result.Stdout = observation.Stdout
	}

	if result.Stderr == "" {
		result.Stderr = observation.Stderr
	}

	return result
}

func dispatchMetadata(req *models.ExecutionRequest) map[string]any {
	return map[string]any{
		"provider":             req.FinalProvider,
		"provider_dispatch_id": req.ProviderDispatchID,
	}
}
