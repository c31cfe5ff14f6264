// Package execution routes node-body invocations to a provider executor and normalizes
// their dispatch state. Providers live in the workspace, container and cluster subpackages.
package execution

import (
	"context"

	"github.com/dukex/flowpilot/pkg/models"
)

// Callback is the node-body side effect. Providers invoke it at most once per accepted dispatch.
// remote is nil when the body runs in-process, otherwise it carries the result reported by the
// remote executor and the callback materializes it.
type Callback func(ctx context.Context, req *models.ExecutionRequest, remote *models.ExecutionResult) (*models.ExecutionResult, error)

// Executor runs a routed request on a provider.
//
// A non-nil error is always a *DispatchError: the request was never accepted by the provider,
// the callback was not invoked and the router may fall back. Every other outcome, including
// execution failures and uncertain dispatches, is reported through the result. Executors
// record dispatch progress on req.
type Executor interface {
	Execute(ctx context.Context, req *models.ExecutionRequest, callback Callback) (*models.ExecutionResult, error)
}

// Revoker is implemented by providers that can cancel an outstanding dispatch.
type Revoker interface {
	Revoke(ctx context.Context, dispatchID string) error
}

// DispatchObserver is notified whenever a provider changes the dispatch state of a request,
// so the caller can persist it before the node finishes.
type DispatchObserver func(ctx context.Context, req models.ExecutionRequest)

type observerKey struct{}

// WithObserver returns a context carrying observer.
func WithObserver(ctx context.Context, observer DispatchObserver) context.Context {
	return context.WithValue(ctx, observerKey{}, observer)
}

// Notify reports the current dispatch state of req to the observer stored in ctx, if any.
func Notify(ctx context.Context, req *models.ExecutionRequest) {
	observer, ok := ctx.Value(observerKey{}).(DispatchObserver)
	if !ok || observer == nil {
		return
	}

	observer(ctx, *req)
}
