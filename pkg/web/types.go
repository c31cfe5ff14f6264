package web

import "github.com/dukex/flowpilot/pkg/models"

// SubmitRunRequest is the optional body of a run submission.
type SubmitRunRequest struct {
	TriggeredBy models.RunTrigger `json:"triggered_by,omitempty" validate:"omitempty,oneof=manual api"`
}

// RunResponse wraps a run returned by lifecycle operations.
type RunResponse struct {
	Run *models.FlowchartRun `json:"run"`
}

// FlowchartListResponse lists stored flowcharts.
type FlowchartListResponse struct {
	Flowcharts []*models.Flowchart `json:"flowcharts"`
	TotalCount int                 `json:"total_count"`
}
