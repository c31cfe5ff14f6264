package models

// DispatchStatus is the lifecycle of a provider submission.
type DispatchStatus string

const (
	DispatchStatusPending   DispatchStatus = "pending"
	DispatchStatusSubmitted DispatchStatus = "submitted"
	DispatchStatusConfirmed DispatchStatus = "confirmed"
	DispatchStatusFailed    DispatchStatus = "failed"
)

// Provider names.
const (
	ProviderWorkspace = "workspace"
	ProviderContainer = "container"
	ProviderCluster   = "cluster"
)

// Fallback reasons recorded when a dispatch falls back to the workspace provider.
const (
	FallbackReasonProviderUnavailable = "provider_unavailable"
	FallbackReasonConfigError         = "config_error"
	FallbackReasonDispatchTimeout     = "dispatch_timeout"
	FallbackReasonSubmitFailed        = "submit_failed"
	FallbackReasonDispatchFailed      = "dispatch_failed"
	FallbackReasonUnknown             = "unknown"
)

// ExecutionStatus is the outcome of a provider execution.
type ExecutionStatus string

const (
	ExecutionStatusSucceeded ExecutionStatus = "succeeded"
	ExecutionStatusFailed    ExecutionStatus = "failed"
)

// ExecutionRequest describes one node-body invocation routed to a provider.
type ExecutionRequest struct {
	NodeID             string         `json:"node_id"`
	RunID              string         `json:"run_id,omitempty"`
	FlowchartID        string         `json:"flowchart_id,omitempty"`
	ExecutionID        string         `json:"execution_id"`
	SelectedProvider   string         `json:"selected_provider"`
	FinalProvider      string         `json:"final_provider"`
	ProviderDispatchID string         `json:"provider_dispatch_id,omitempty"`
	WorkspaceIdentity  string         `json:"workspace_identity"`
	DispatchStatus     DispatchStatus `json:"dispatch_status"`
	FallbackAttempted  bool           `json:"fallback_attempted"`
	FallbackReason     string         `json:"fallback_reason,omitempty"`
	DispatchUncertain  bool           `json:"dispatch_uncertain"`
	APIFailureCategory string         `json:"api_failure_category,omitempty"`
	Payload            map[string]any `json:"payload,omitempty"`
}

// ExecutionError is the structured error attached to a failed result.
type ExecutionError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// ExecutionResult is the normalized result every provider returns.
type ExecutionResult struct {
	Status           ExecutionStatus `json:"status"`
	ExitCode         int             `json:"exit_code"`
	Stdout           string          `json:"stdout,omitempty"`
	Stderr           string          `json:"stderr,omitempty"`
	Error            *ExecutionError `json:"error,omitempty"`
	ProviderMetadata map[string]any  `json:"provider_metadata,omitempty"`
	OutputState      map[string]any  `json:"output_state,omitempty"`
	RoutingState     map[string]any  `json:"routing_state,omitempty"`
	RunMetadata      map[string]any  `json:"run_metadata,omitempty"`
}

// Succeeded reports whether the execution finished successfully.
func (r *ExecutionResult) Succeeded() bool {
	return r != nil && r.Status == ExecutionStatusSucceeded
}

// FailedResult builds a failed result carrying the given error code and message.
func FailedResult(code, message string, retryable bool) *ExecutionResult {
	return &ExecutionResult{
		Status:   ExecutionStatusFailed,
		ExitCode: 1,
		Error: &ExecutionError{
			Code:      code,
			Message:   message,
			Retryable: retryable,
		},
	}
}
