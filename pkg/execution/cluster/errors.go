package cluster

import (
	"context"
	"errors"
	"net"

	apierrors "k8s.io/apimachinery/pkg/api/errors"

	"github.com/dukex/flowpilot/pkg/execution"
	"github.com/dukex/flowpilot/pkg/models"
)

var ErrNotAuthorized = errors.New("not authorized to create jobs")

// Categorize maps a Kubernetes API error to an API failure category.
func Categorize(err error) string {
	var netErr net.Error

	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotAuthorized), apierrors.IsForbidden(err):
		return execution.CategoryForbidden
	case apierrors.IsUnauthorized(err):
		return execution.CategoryUnauthorized
	case apierrors.IsNotFound(err):
		return execution.CategoryNotFound
	case apierrors.IsConflict(err), apierrors.IsAlreadyExists(err):
		return execution.CategoryConflict
	case apierrors.IsTimeout(err), apierrors.IsServerTimeout(err), errors.Is(err, context.DeadlineExceeded):
		return execution.CategoryTimeout
	case apierrors.IsServiceUnavailable(err), apierrors.IsTooManyRequests(err), errors.As(err, &netErr):
		return execution.CategoryUnavailable
	case apierrors.IsInvalid(err), apierrors.IsBadRequest(err):
		return execution.CategoryInvalid
	default:
		return execution.CategoryInternal
	}
}

func preflightReason(category string) string {
	switch category {
	case execution.CategoryUnavailable:
		return models.FallbackReasonProviderUnavailable
	case execution.CategoryUnauthorized, execution.CategoryForbidden, execution.CategoryNotFound, execution.CategoryInvalid:
		return models.FallbackReasonConfigError
	case execution.CategoryTimeout:
		return models.FallbackReasonDispatchTimeout
	default:
		return models.FallbackReasonUnknown
	}
}
