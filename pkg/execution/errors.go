package execution

import (
	"context"
	"errors"
	"fmt"

	"github.com/dukex/flowpilot/pkg/models"
)

var (
	ErrUnknownProvider   = errors.New("unknown execution provider")
	ErrDispatchTimeout   = errors.New("remote executor did not report startup in time")
	ErrExecutionTimeout  = errors.New("remote executor did not finish in time")
	ErrDuplicateDispatch = errors.New("dispatch already registered")
	ErrMalformedResult   = errors.New("malformed remote result")
)

// API failure categories recorded on the node run.
const (
	CategoryUnauthorized = "unauthorized"
	CategoryForbidden    = "forbidden"
	CategoryNotFound     = "not_found"
	CategoryConflict     = "conflict"
	CategoryTimeout      = "timeout"
	CategoryUnavailable  = "unavailable"
	CategoryInvalid      = "invalid"
	CategoryInternal     = "internal"
)

// Error codes of failed execution results.
const (
	CodeUnknownProvider   = "unknown_provider"
	CodeDispatchFailed    = "dispatch_failed"
	CodeDispatchUncertain = "dispatch_uncertain"
	CodeExecutionFailed   = "execution_failed"
	CodeExecutionTimeout  = "execution_timeout"
	CodeCanceled          = "canceled"
)

// DispatchError reports a failure that happened before the provider accepted the request,
// or an unambiguous failure after submit where the remote side never started.
type DispatchError struct {
	Stage    string
	Reason   string
	Category string
	Err      error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch %s failed (%s): %v", e.Stage, e.Reason, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// NewDispatchError wraps err. An empty reason becomes unknown and an empty category is
// derived from err when it is a context error.
func NewDispatchError(stage, reason, category string, err error) *DispatchError {
	if reason == "" {
		reason = models.FallbackReasonUnknown
	}

	if category == "" {
		category = contextCategory(err)
	}

	return &DispatchError{Stage: stage, Reason: reason, Category: category, Err: err}
}

func contextCategory(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return CategoryTimeout
	case err == nil:
		return ""
	default:
		return CategoryInternal
	}
}
