package task

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/flowpilot/pkg/execution"
	"github.com/dukex/flowpilot/pkg/execution/workspace"
	"github.com/dukex/flowpilot/pkg/idempotency"
	"github.com/dukex/flowpilot/pkg/llm"
	"github.com/dukex/flowpilot/pkg/models"
	"github.com/dukex/flowpilot/pkg/nodes"
	"github.com/dukex/flowpilot/pkg/persistence"
	"github.com/dukex/flowpilot/pkg/persistence/file"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}

func newCatalog(t *testing.T) persistence.CatalogRepository {
	t.Helper()

	catalog := file.NewPersistence(t.TempDir()).CatalogRepository()
	ctx := context.Background()

	for _, id := range []string{"global", "flowchart", "agent", "template", "node"} {
		require.NoError(t, catalog.SaveModel(ctx, &models.ModelConfig{ID: id, Provider: "anthropic", Model: id + "-model"}))
	}

	require.NoError(t, catalog.SaveAgent(ctx, &models.Agent{
		ID:           "reviewer",
		SystemPrompt: "You review code.",
		ModelID:      "agent",
		Tools:        []models.ToolConfig{{Name: "git"}},
	}))
	require.NoError(t, catalog.SaveAgent(ctx, &models.Agent{ID: "plain", SystemPrompt: "Plain."}))
	require.NoError(t, catalog.SaveTemplate(ctx, &models.Template{ID: "with-model", Prompt: "Template prompt", ModelID: "template", AgentID: "reviewer"}))
	require.NoError(t, catalog.SaveTemplate(ctx, &models.Template{ID: "bare", Prompt: "Bare template prompt"}))

	return catalog
}

func newWorkspaceRouter(t *testing.T) *execution.Router {
	t.Helper()

	providers := map[string]execution.Executor{
		models.ProviderWorkspace: workspace.New(idempotency.NewMemoryRegistry(), testLogger()),
	}

	router, err := execution.NewRouter(execution.RouterConfig{}, providers, testLogger(), nil, nil)
	require.NoError(t, err)

	return router
}

type capturingLLM struct {
	requests []llm.Request
	response *llm.Response
}

func (c *capturingLLM) Invoke(_ context.Context, req llm.Request) (*llm.Response, error) {
	c.requests = append(c.requests, req)

	return c.response, nil
}

func request(flowchart *models.Flowchart) *nodes.Request {
	return &nodes.Request{
		Flowchart: flowchart,
		Run:       &models.FlowchartRun{ID: "run-1", FlowchartID: "fc-1"},
		Node:      &models.FlowchartNode{ID: "review", Name: "Review", Type: models.NodeTypeTask},
		Input: &models.InputContext{TriggerSources: []models.SourceOutput{
			{NodeID: "diff", OutputState: map[string]any{"output": "+ added line"}},
		}},
		ExecutionID: "exec-1",
	}
}

func TestHandle_WorkspaceJSONOutput(t *testing.T) {
	model := &capturingLLM{response: &llm.Response{Stdout: "```json\n{\"verdict\": \"approve\"}\n```\n"}}
	handler := New(newCatalog(t), newWorkspaceRouter(t), model, "", testLogger())

	output, err := handler.Handle(context.Background(), request(nil), &nodes.TaskConfig{
		TaskPrompt:   "Review {{ .sources.diff.output_state.output }}",
		AgentID:      "reviewer",
		OutputFormat: nodes.OutputFormatJSON,
		Tools:        []models.ToolConfig{{Name: "search"}},
	})
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"verdict": "approve"}, output.OutputState["output"])
	assert.Equal(t, nodes.OutputFormatJSON, output.OutputState["output_format"])
	assert.Equal(t, models.ProviderWorkspace, output.Execution.FinalProvider)
	assert.Equal(t, models.DispatchStatusConfirmed, output.Execution.DispatchStatus)
	assert.Equal(t, "exec-1", output.Execution.ExecutionID)
	assert.Equal(t, "agent", output.RunMetadata["model_id"])
	assert.Equal(t, "agent", output.RunMetadata["model_source"])
	assert.Equal(t, "reviewer", output.RunMetadata["agent_id"])

	require.Len(t, model.requests, 1)
	sent := model.requests[0]
	assert.Equal(t, "Review + added line", sent.Prompt)
	assert.Equal(t, "You review code.", sent.SystemPrompt)
	assert.Equal(t, []models.ToolConfig{{Name: "git"}, {Name: "search"}}, sent.Tools)
	assert.Equal(t, "agent-model", sent.Model.Model)
}

func TestHandle_ModelOverrideChain(t *testing.T) {
	tests := []struct {
		name      string
		cfg       *nodes.TaskConfig
		flowchart *models.Flowchart
		global    string
		expected  string
	}{
		{"node wins", &nodes.TaskConfig{TemplateID: "with-model", ModelID: "node"}, &models.Flowchart{DefaultModelID: "flowchart"}, "global", "node"},
		{"template", &nodes.TaskConfig{TemplateID: "with-model"}, &models.Flowchart{DefaultModelID: "flowchart"}, "global", "template"},
		{"flowchart default over agent", &nodes.TaskConfig{TemplateID: "bare", AgentID: "reviewer"}, &models.Flowchart{DefaultModelID: "flowchart"}, "global", "flowchart"},
		{"flowchart default", &nodes.TaskConfig{TemplateID: "bare", AgentID: "plain"}, &models.Flowchart{DefaultModelID: "flowchart"}, "global", "flowchart"},
		{"global default over agent", &nodes.TaskConfig{TemplateID: "bare", AgentID: "reviewer"}, &models.Flowchart{}, "global", "global"},
		{"global default", &nodes.TaskConfig{TaskPrompt: "x"}, &models.Flowchart{}, "global", "global"},
		{"agent when nothing else is configured", &nodes.TaskConfig{TemplateID: "bare", AgentID: "reviewer"}, &models.Flowchart{}, "", "agent"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			model := &capturingLLM{response: &llm.Response{Stdout: "ok"}}
			handler := New(newCatalog(t), newWorkspaceRouter(t), model, tt.global, testLogger())

			output, err := handler.Handle(context.Background(), request(tt.flowchart), tt.cfg)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, output.RunMetadata["model_id"])
			assert.Equal(t, tt.expected, output.RunMetadata["model_source"])
			assert.Equal(t, "ok", output.OutputState["output"])
		})
	}
}

func TestHandle_NoModelConfigured(t *testing.T) {
	model := &capturingLLM{response: &llm.Response{Stdout: "ok"}}
	handler := New(newCatalog(t), newWorkspaceRouter(t), model, "", testLogger())

	_, err := handler.Handle(context.Background(), request(&models.Flowchart{}), &nodes.TaskConfig{TaskPrompt: "x"})
	require.ErrorIs(t, err, ErrNoModelConfigured)
	assert.Empty(t, model.requests)
}

func TestHandle_TemplatePromptUsedWhenNoInlinePrompt(t *testing.T) {
	model := &capturingLLM{response: &llm.Response{Stdout: "ok"}}
	handler := New(newCatalog(t), newWorkspaceRouter(t), model, "global", testLogger())

	output, err := handler.Handle(context.Background(), request(nil), &nodes.TaskConfig{TemplateID: "bare"})
	require.NoError(t, err)
	require.Len(t, model.requests, 1)
	assert.Equal(t, "Bare template prompt", model.requests[0].Prompt)
	assert.Equal(t, "bare", output.RunMetadata["template_id"])
}

func TestHandle_MissingTemplate(t *testing.T) {
	handler := New(newCatalog(t), newWorkspaceRouter(t), &capturingLLM{}, "global", testLogger())

	_, err := handler.Handle(context.Background(), request(nil), &nodes.TaskConfig{TemplateID: "missing"})
	require.ErrorIs(t, err, persistence.ErrTemplateNotFound)
}

func TestHandle_ModelExitCodeFailsNode(t *testing.T) {
	model := &capturingLLM{response: &llm.Response{Stdout: "partial", Stderr: "rate limited", ExitCode: 2}}
	handler := New(newCatalog(t), newWorkspaceRouter(t), model, "global", testLogger())

	output, err := handler.Handle(context.Background(), request(nil), &nodes.TaskConfig{TaskPrompt: "x"})
	require.ErrorIs(t, err, ErrTaskFailed)
	require.NotNil(t, output)

	assert.Equal(t, "partial", output.OutputState["stdout"])
	assert.Equal(t, "rate limited", output.OutputState["stderr"])
	assert.Equal(t, execution.CodeExecutionFailed, output.OutputState["error"].(map[string]any)["code"])
	assert.Equal(t, models.DispatchStatusConfirmed, output.Execution.DispatchStatus)
}

func TestHandle_InvalidJSONFailsNode(t *testing.T) {
	model := &capturingLLM{response: &llm.Response{Stdout: "not json"}}
	handler := New(newCatalog(t), newWorkspaceRouter(t), model, "global", testLogger())

	_, err := handler.Handle(context.Background(), request(nil), &nodes.TaskConfig{TaskPrompt: "x", OutputFormat: nodes.OutputFormatJSON})
	require.ErrorIs(t, err, ErrTaskFailed)
	assert.Contains(t, err.Error(), "not valid JSON")
}

// remoteRouter hands the callback a result as a remote executor would report it.
type remoteRouter struct {
	remote *models.ExecutionResult
}

func (r *remoteRouter) RouteRequest(req *models.ExecutionRequest, provider string) *models.ExecutionRequest {
	routed := *req
	routed.SelectedProvider = provider
	routed.FinalProvider = provider

	return &routed
}

func (r *remoteRouter) ExecuteRouted(ctx context.Context, req *models.ExecutionRequest, callback execution.Callback) *models.ExecutionResult {
	req.ProviderDispatchID = "flowpilot-abc"
	req.DispatchStatus = models.DispatchStatusConfirmed

	return execution.Invoke(ctx, callback, req, r.remote)
}

func TestHandle_RemoteResultMaterialized(t *testing.T) {
	model := &capturingLLM{}
	router := &remoteRouter{remote: &models.ExecutionResult{
		Status:           models.ExecutionStatusSucceeded,
		Stdout:           `{"items": 3}`,
		ProviderMetadata: map[string]any{"provider": "cluster"},
	}}
	handler := New(newCatalog(t), router, model, "global", testLogger())

	output, err := handler.Handle(context.Background(), request(nil), &nodes.TaskConfig{
		TaskPrompt:   "count",
		Provider:     models.ProviderCluster,
		OutputFormat: nodes.OutputFormatJSON,
	})
	require.NoError(t, err)

	assert.Empty(t, model.requests)
	assert.Equal(t, map[string]any{"items": 3.0}, output.OutputState["output"])
	assert.Equal(t, "flowpilot-abc", output.Execution.ProviderDispatchID)
	assert.Equal(t, models.ProviderCluster, output.Execution.SelectedProvider)

	raw := output.Execution.Payload
	payload, err := PayloadFrom(raw)
	require.NoError(t, err)
	assert.Equal(t, "count", payload.Prompt)
	assert.Equal(t, "global", payload.Model.ID)
}

func TestHandle_RemoteFailureReported(t *testing.T) {
	router := &remoteRouter{remote: models.FailedResult(CodeModelFailed, "model command exited with code 1", false)}
	handler := New(newCatalog(t), router, &capturingLLM{}, "global", testLogger())

	_, err := handler.Handle(context.Background(), request(nil), &nodes.TaskConfig{TaskPrompt: "x", Provider: models.ProviderCluster})
	require.ErrorIs(t, err, ErrTaskFailed)
}
