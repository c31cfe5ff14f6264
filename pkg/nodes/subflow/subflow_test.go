package subflow

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dukex/flowpilot/pkg/models"
	"github.com/dukex/flowpilot/pkg/nodes"
)

type mockSubmitter struct {
	mock.Mock
}

func (m *mockSubmitter) Submit(ctx context.Context, flowchartID string, opts models.SubmitOptions) (*models.FlowchartRun, error) {
	args := m.Called(ctx, flowchartID, opts)

	run, _ := args.Get(0).(*models.FlowchartRun)

	return run, args.Error(1)
}

func request() *nodes.Request {
	return &nodes.Request{
		Run:  &models.FlowchartRun{ID: "parent-run"},
		Node: &models.FlowchartNode{ID: "spawn", Type: models.NodeTypeFlowchart},
	}
}

func TestHandle_SubmitsChildRun(t *testing.T) {
	submitter := &mockSubmitter{}
	submitter.On("Submit", mock.Anything, "child", models.SubmitOptions{
		TriggeredBy:  models.RunTriggerSubflow,
		ParentRunID:  "parent-run",
		ParentNodeID: "spawn",
	}).Return(&models.FlowchartRun{ID: "child-run-1", FlowchartID: "child", Status: models.RunStatusQueued}, nil).Once()
	submitter.On("Submit", mock.Anything, "child", mock.Anything).
		Return(&models.FlowchartRun{ID: "child-run-2", FlowchartID: "child", Status: models.RunStatusQueued}, nil).Once()

	handler := New(submitter, slog.New(slog.NewTextHandler(os.Stdout, nil)))

	first, err := handler.Handle(context.Background(), request(), &nodes.SubflowConfig{FlowchartID: "child"})
	require.NoError(t, err)
	assert.Equal(t, "child", first.OutputState["triggered_flowchart_id"])
	assert.Equal(t, "child-run-1", first.OutputState["triggered_flowchart_run_id"])

	second, err := handler.Handle(context.Background(), request(), &nodes.SubflowConfig{FlowchartID: "child"})
	require.NoError(t, err)
	assert.Equal(t, "child-run-2", second.OutputState["triggered_flowchart_run_id"])

	submitter.AssertExpectations(t)
}

func TestHandle_SubmitFailure(t *testing.T) {
	submitter := &mockSubmitter{}
	submitter.On("Submit", mock.Anything, "missing", mock.Anything).Return(nil, errors.New("flowchart not found"))

	handler := New(submitter, slog.New(slog.NewTextHandler(os.Stdout, nil)))

	output, err := handler.Handle(context.Background(), request(), &nodes.SubflowConfig{FlowchartID: "missing"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "flowchart not found")
	assert.Equal(t, "missing", output.OutputState["triggered_flowchart_id"])
	assert.NotContains(t, output.OutputState, "triggered_flowchart_run_id")
}
