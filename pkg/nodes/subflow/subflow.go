// Package subflow handles flowchart nodes, which start a run of another flowchart.
package subflow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dukex/flowpilot/pkg/models"
	"github.com/dukex/flowpilot/pkg/nodes"
)

// Submitter creates and enqueues a new run.
type Submitter interface {
	Submit(ctx context.Context, flowchartID string, opts models.SubmitOptions) (*models.FlowchartRun, error)
}

type Handler struct {
	submitter Submitter
	logger    *slog.Logger
}

func New(submitter Submitter, logger *slog.Logger) *Handler {
	return &Handler{
		submitter: submitter,
		logger:    logger.With("module", "subflow_node"),
	}
}

// Handle submits a brand-new child run on every execution and returns without waiting for it.
func (h *Handler) Handle(ctx context.Context, req *nodes.Request, cfg *nodes.SubflowConfig) (*nodes.Output, error) {
	child, err := h.submitter.Submit(ctx, cfg.FlowchartID, models.SubmitOptions{
		TriggeredBy:  models.RunTriggerSubflow,
		ParentRunID:  req.Run.ID,
		ParentNodeID: req.Node.ID,
	})
	if err != nil {
		return &nodes.Output{
			OutputState: map[string]any{"triggered_flowchart_id": cfg.FlowchartID},
		}, fmt.Errorf("failed to submit subflow run: %w", err)
	}

	h.logger.InfoContext(ctx, "Subflow run submitted",
		"run_id", req.Run.ID,
		"node_id", req.Node.ID,
		"triggered_flowchart_id", cfg.FlowchartID,
		"triggered_flowchart_run_id", child.ID)

	return &nodes.Output{
		OutputState: map[string]any{
			"triggered_flowchart_id":     cfg.FlowchartID,
			"triggered_flowchart_run_id": child.ID,
		},
		RoutingState: map[string]any{},
	}, nil
}
