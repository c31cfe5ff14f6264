package web_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/flowpilot/pkg/models"
	"github.com/dukex/flowpilot/pkg/persistence"
	"github.com/dukex/flowpilot/pkg/persistence/file"
	"github.com/dukex/flowpilot/pkg/scheduler"
	"github.com/dukex/flowpilot/pkg/services"
	"github.com/dukex/flowpilot/pkg/testutil"
	"github.com/dukex/flowpilot/pkg/web"
)

type recordingQueue struct {
	mu     sync.Mutex
	queued []string
}

func (q *recordingQueue) Enqueue(_ context.Context, _, runID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.queued = append(q.queued, runID)

	return nil
}

func setupTestApp(t *testing.T) (*fiber.App, persistence.Persistence, *recordingQueue) {
	t.Helper()

	store := file.NewPersistence(t.TempDir())
	queue := &recordingQueue{}
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	s, err := scheduler.New(scheduler.DefaultConfig("api"), store, nil, queue, logger)
	require.NoError(t, err)

	handlers := web.NewAPIHandlers(
		services.NewFlowchart(store),
		services.NewRun(store, s),
		validator.New(validator.WithRequiredStructEnabled()),
	)

	app := fiber.New()
	handlers.Routes(app)

	return app, store, queue
}

func do(t *testing.T, app *fiber.App, method, path string, body any) (int, []byte) {
	t.Helper()

	var reader io.Reader

	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)

		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := app.Test(req)
	require.NoError(t, err)

	defer func() {
		err := resp.Body.Close()
		if err != nil {
			t.Logf("Failed to close response body: %v", err)
		}
	}()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, data
}

func TestAPIHandlers_CreateFlowchart(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		body           any
		expectedStatus int
		expectedType   string
	}{
		{
			name:           "valid flowchart",
			body:           testutil.CreateTestFlowchart("linear"),
			expectedStatus: http.StatusCreated,
		},
		{
			name: "missing start node",
			body: &models.Flowchart{
				ID:    "no-start",
				Name:  "No start",
				Nodes: []*models.FlowchartNode{{ID: "end", Type: models.NodeTypeEnd}},
			},
			expectedStatus: http.StatusBadRequest,
			expectedType:   "validation_error",
		},
		{
			name:           "malformed body",
			body:           "not a flowchart",
			expectedStatus: http.StatusBadRequest,
			expectedType:   "validation_error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			app, _, _ := setupTestApp(t)

			status, body := do(t, app, http.MethodPost, "/flowcharts", tt.body)
			assert.Equal(t, tt.expectedStatus, status)

			if tt.expectedType != "" {
				var problem map[string]any
				require.NoError(t, json.Unmarshal(body, &problem))
				assert.Equal(t, tt.expectedType, problem["type"])
			}
		})
	}
}

func TestAPIHandlers_GetFlowchart(t *testing.T) {
	t.Parallel()

	app, store, _ := setupTestApp(t)
	require.NoError(t, store.FlowchartRepository().Save(t.Context(), testutil.CreateTestFlowchart("linear")))

	status, body := do(t, app, http.MethodGet, "/flowcharts/linear", nil)
	require.Equal(t, http.StatusOK, status)

	var flowchart models.Flowchart
	require.NoError(t, json.Unmarshal(body, &flowchart))
	assert.Equal(t, "Test Flowchart", flowchart.Name)
	assert.Len(t, flowchart.Nodes, 3)

	status, body = do(t, app, http.MethodGet, "/flowcharts/missing", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Contains(t, string(body), "flowchart_not_found")

	status, body = do(t, app, http.MethodGet, "/flowcharts", nil)
	require.Equal(t, http.StatusOK, status)

	var list web.FlowchartListResponse
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Equal(t, 1, list.TotalCount)
}

func TestAPIHandlers_ValidateFlowchart(t *testing.T) {
	t.Parallel()

	app, store, _ := setupTestApp(t)

	branching := testutil.CreateTestFlowchart("branching")
	branching.Nodes = append(branching.Nodes, &models.FlowchartNode{ID: "other", Type: models.NodeTypeEnd})
	branching.Edges = append(branching.Edges, &models.FlowchartEdge{SourceNodeID: "write", TargetNodeID: "other"})

	require.NoError(t, store.FlowchartRepository().Save(t.Context(), testutil.CreateTestFlowchart("linear")))
	require.NoError(t, store.FlowchartRepository().Save(t.Context(), branching))

	status, body := do(t, app, http.MethodPost, "/flowcharts/linear/validate", nil)
	require.Equal(t, http.StatusOK, status)

	var result services.ValidationResult
	require.NoError(t, json.Unmarshal(body, &result))
	assert.True(t, result.Valid)

	status, body = do(t, app, http.MethodPost, "/flowcharts/branching/validate", nil)
	require.Equal(t, http.StatusOK, status)

	result = services.ValidationResult{}
	require.NoError(t, json.Unmarshal(body, &result))
	assert.False(t, result.Valid)
	require.Len(t, result.Problems, 1)
	assert.Contains(t, result.Problems[0], "only decision nodes may branch")
}

func TestAPIHandlers_RunLifecycle(t *testing.T) {
	t.Parallel()

	app, store, queue := setupTestApp(t)
	require.NoError(t, store.FlowchartRepository().Save(t.Context(), testutil.CreateTestFlowchart("linear")))

	status, body := do(t, app, http.MethodPost, "/flowcharts/linear/runs", nil)
	require.Equal(t, http.StatusAccepted, status)

	var submitted web.RunResponse
	require.NoError(t, json.Unmarshal(body, &submitted))
	assert.Equal(t, models.RunStatusQueued, submitted.Run.Status)
	assert.Equal(t, models.RunTriggerAPI, submitted.Run.TriggeredBy)
	assert.Equal(t, []string{submitted.Run.ID}, queue.queued)

	runID := submitted.Run.ID

	status, body = do(t, app, http.MethodGet, "/runs/"+runID, nil)
	require.Equal(t, http.StatusOK, status)

	var details services.RunDetails
	require.NoError(t, json.Unmarshal(body, &details))
	assert.Equal(t, runID, details.Run.ID)
	assert.Empty(t, details.NodeRuns)

	status, body = do(t, app, http.MethodPost, "/runs/"+runID+"/stop", nil)
	require.Equal(t, http.StatusAccepted, status)

	var stopped web.RunResponse
	require.NoError(t, json.Unmarshal(body, &stopped))
	assert.Equal(t, models.RunStatusStopped, stopped.Run.Status)

	status, body = do(t, app, http.MethodPost, "/runs/"+runID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Contains(t, string(body), "conflict")
}

func TestAPIHandlers_CancelRunningRun(t *testing.T) {
	t.Parallel()

	app, store, _ := setupTestApp(t)

	now := time.Now().UTC()
	require.NoError(t, store.RunRepository().Create(t.Context(), &models.FlowchartRun{
		ID: "run-1", FlowchartID: "linear", Status: models.RunStatusRunning, CreatedAt: now, StartedAt: &now,
	}))
	require.NoError(t, store.NodeRunRepository().Create(t.Context(), &models.FlowchartRunNode{
		ID: "node-run-1", RunID: "run-1", NodeID: "write", Status: models.NodeRunStatusRunning, ExecutionIndex: 1, CreatedAt: now,
	}))

	status, body := do(t, app, http.MethodPost, "/runs/run-1/cancel", nil)
	require.Equal(t, http.StatusOK, status)

	var canceled web.RunResponse
	require.NoError(t, json.Unmarshal(body, &canceled))
	assert.Equal(t, models.RunStatusCanceled, canceled.Run.Status)

	nodeRun, err := store.NodeRunRepository().Get(t.Context(), "node-run-1")
	require.NoError(t, err)
	assert.Equal(t, models.NodeRunStatusCanceled, nodeRun.Status)
}

func TestAPIHandlers_SubmitRunErrors(t *testing.T) {
	t.Parallel()

	app, _, queue := setupTestApp(t)

	status, body := do(t, app, http.MethodPost, "/flowcharts/missing/runs", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Contains(t, string(body), "flowchart_not_found")

	status, _ = do(t, app, http.MethodPost, "/flowcharts/missing/runs", web.SubmitRunRequest{TriggeredBy: models.RunTriggerCycle})
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = do(t, app, http.MethodGet, "/runs/missing", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Contains(t, string(body), "run_not_found")

	assert.Empty(t, queue.queued)
}

func TestAPIHandlers_HealthCheck(t *testing.T) {
	t.Parallel()

	app, _, _ := setupTestApp(t)

	status, body := do(t, app, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "Flowpilot API is healthy")
}
