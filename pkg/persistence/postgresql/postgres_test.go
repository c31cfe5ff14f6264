package postgresql_test

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/dukex/flowpilot/pkg/models"
	"github.com/dukex/flowpilot/pkg/persistence"
	"github.com/dukex/flowpilot/pkg/persistence/postgresql"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

var postgresContainer *postgres.PostgresContainer

func dropDb(ctx context.Context, t *testing.T, databaseURL string) {
	t.Helper()

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	// Drop tables in reverse dependency order (children first, parents last)
	for _, table := range []string{
		"artifacts", "model_configs", "agents", "templates",
		"flowchart_run_nodes", "flowchart_runs",
		"flowchart_edges", "flowchart_nodes", "flowcharts",
		"schema_migrations",
	} {
		_, err = db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table+" CASCADE")
		require.NoError(t, err)
	}

	require.NoError(t, db.Close())
}

func setupTestDB(t *testing.T) (*postgresql.Persistence, context.Context) {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)

	if postgresContainer == nil || !postgresContainer.IsRunning() {
		var err error

		postgresContainer, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("flowpilot_test"),
			postgres.WithUsername("flowpilot"),
			postgres.WithPassword("flowpilot"),
			postgres.BasicWaitStrategies(),
		)
		require.NoError(t, err)
	}

	databaseURL, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	dropDb(ctx, t, databaseURL)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	p, err := postgresql.NewPersistence(ctx, logger, databaseURL)
	require.NoError(t, err)

	t.Cleanup(func() {
		dropDb(ctx, t, databaseURL)
		require.NoError(t, p.Close(ctx))
		cancel()
	})

	return p, ctx
}

func saveFlowchart(ctx context.Context, t *testing.T, p *postgresql.Persistence) *models.Flowchart {
	t.Helper()

	flowchart := &models.Flowchart{
		ID:                "flow-" + uuid.NewString()[:8],
		Name:              "Review",
		MaxParallelNodes:  2,
		MaxNodeExecutions: 10,
		Nodes: []*models.FlowchartNode{
			{ID: "start", Type: models.NodeTypeStart},
			{ID: "route", Type: models.NodeTypeDecision, Config: map[string]any{"route_field_path": "verdict"}},
			{ID: "end", Type: models.NodeTypeEnd},
		},
		Edges: []*models.FlowchartEdge{
			{SourceNodeID: "start", TargetNodeID: "route"},
			{SourceNodeID: "route", TargetNodeID: "end", Mode: models.EdgeModeSolid, ConditionKey: "done"},
		},
	}
	require.NoError(t, p.FlowchartRepository().Save(ctx, flowchart))

	return flowchart
}

func TestFlowchartRepository_RoundTrip(t *testing.T) {
	p, ctx := setupTestDB(t)
	flowchart := saveFlowchart(ctx, t, p)

	loaded, err := p.FlowchartRepository().Get(ctx, flowchart.ID)
	require.NoError(t, err)
	assert.Equal(t, "Review", loaded.Name)
	require.Len(t, loaded.Nodes, 3)
	assert.Equal(t, models.NodeTypeDecision, loaded.Nodes[1].Type)
	assert.Equal(t, "verdict", loaded.Nodes[1].Config["route_field_path"])
	require.Len(t, loaded.Edges, 2)
	assert.Equal(t, models.EdgeModeSolid, loaded.Edges[0].Mode)
	assert.Equal(t, "done", loaded.Edges[1].ConditionKey)

	require.NoError(t, p.FlowchartRepository().Delete(ctx, flowchart.ID))

	_, err = p.FlowchartRepository().Get(ctx, flowchart.ID)
	assert.True(t, persistence.IsFlowchartNotFound(err))
}

func TestRunRepository_ConcurrentClaim(t *testing.T) {
	p, ctx := setupTestDB(t)
	repo := p.RunRepository()

	run := &models.FlowchartRun{ID: uuid.NewString(), FlowchartID: "flow", Status: models.RunStatusQueued}
	require.NoError(t, repo.Create(ctx, run))

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		owners []string
	)

	now := time.Now().UTC()

	for i := range 8 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			owner := "worker-" + string(rune('a'+i))

			_, err := repo.Claim(ctx, run.ID, owner, now, time.Minute)
			if err == nil {
				mu.Lock()
				owners = append(owners, owner)
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	assert.Len(t, owners, 1)

	loaded, err := repo.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, loaded.Status)
	assert.Equal(t, owners[0], loaded.ClaimedBy)
}

func TestRunRepository_StatusTransitions(t *testing.T) {
	p, ctx := setupTestDB(t)
	repo := p.RunRepository()
	now := time.Now().UTC()

	run := &models.FlowchartRun{ID: uuid.NewString(), FlowchartID: "flow", Status: models.RunStatusQueued}
	require.NoError(t, repo.Create(ctx, run))
	assert.ErrorIs(t, repo.Create(ctx, run), persistence.ErrRunAlreadyExists)

	_, err := repo.Claim(ctx, run.ID, "worker", now, time.Minute)
	require.NoError(t, err)

	stopping, err := repo.UpdateStatus(ctx, run.ID, []models.RunStatus{models.RunStatusRunning}, models.RunStatusStopping, "", now)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusStopping, stopping.Status)

	stopped, err := repo.UpdateStatus(ctx, run.ID, []models.RunStatus{models.RunStatusStopping}, models.RunStatusStopped, "stopped", now)
	require.NoError(t, err)
	assert.NotNil(t, stopped.FinishedAt)
	assert.Nil(t, stopped.LeaseExpiresAt)

	_, err = repo.UpdateStatus(ctx, run.ID, []models.RunStatus{models.RunStatusRunning}, models.RunStatusFailed, "", now)
	assert.True(t, persistence.IsInvalidTransition(err))

	assert.ErrorIs(t, repo.RenewLease(ctx, run.ID, "worker", now.Add(time.Minute)), persistence.ErrLeaseLost)
}

func TestNodeRunRepository_Lifecycle(t *testing.T) {
	p, ctx := setupTestDB(t)
	now := time.Now().UTC()

	run := &models.FlowchartRun{ID: uuid.NewString(), FlowchartID: "flow", Status: models.RunStatusRunning}
	require.NoError(t, p.RunRepository().Create(ctx, run))

	repo := p.NodeRunRepository()
	nodeRun := &models.FlowchartRunNode{
		ID:             uuid.NewString(),
		RunID:          run.ID,
		NodeID:         "task",
		NodeType:       models.NodeTypeTask,
		ExecutionIndex: 1,
		Status:         models.NodeRunStatusQueued,
		InputContext:   &models.InputContext{TriggerSources: []models.SourceOutput{{NodeID: "start"}}},
	}
	require.NoError(t, repo.Create(ctx, nodeRun))

	nodeRun.Status = models.NodeRunStatusRunning
	nodeRun.StartedAt = &now
	require.NoError(t, repo.Update(ctx, nodeRun))

	nodeRun.Status = models.NodeRunStatusSucceeded
	nodeRun.OutputState = map[string]any{"text": "ok"}
	nodeRun.ProviderDispatchID = "dispatch-1"
	nodeRun.DispatchStatus = models.DispatchStatusConfirmed
	require.NoError(t, repo.Update(ctx, nodeRun))

	nodeRun.Status = models.NodeRunStatusFailed
	assert.ErrorIs(t, repo.Update(ctx, nodeRun), persistence.ErrInvalidTransition)

	loaded, err := repo.Get(ctx, nodeRun.ID)
	require.NoError(t, err)
	assert.Equal(t, models.NodeRunStatusSucceeded, loaded.Status)
	assert.Equal(t, "ok", loaded.OutputState["text"])
	require.NotNil(t, loaded.InputContext)
	assert.Equal(t, "start", loaded.InputContext.TriggerSources[0].NodeID)

	duplicate := &models.FlowchartRunNode{
		ID:                 uuid.NewString(),
		RunID:              run.ID,
		NodeID:             "task",
		NodeType:           models.NodeTypeTask,
		ExecutionIndex:     2,
		Status:             models.NodeRunStatusQueued,
		ProviderDispatchID: "dispatch-1",
		DispatchStatus:     models.DispatchStatusSubmitted,
	}
	assert.Error(t, repo.Create(ctx, duplicate), "submitted dispatch ids are unique")

	pending := &models.FlowchartRunNode{ID: uuid.NewString(), RunID: run.ID, NodeID: "other", NodeType: models.NodeTypeTask, Status: models.NodeRunStatusRunning}
	require.NoError(t, repo.Create(ctx, pending))

	canceled, err := repo.CancelNonTerminal(ctx, run.ID, "canceled", now)
	require.NoError(t, err)
	require.Len(t, canceled, 1)
	assert.Equal(t, pending.ID, canceled[0].ID)

	all, err := repo.ListByRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestArtifactRepository_Versions(t *testing.T) {
	p, ctx := setupTestDB(t)
	repo := p.ArtifactRepository()

	artifact := &models.Artifact{ID: "m-1", Kind: models.ArtifactKindMilestone, State: map[string]any{"progress": 10.0}}
	require.NoError(t, repo.Save(ctx, artifact, 0))
	assert.Equal(t, 1, artifact.Version)

	assert.ErrorIs(t, repo.Save(ctx, &models.Artifact{ID: "m-1", Kind: models.ArtifactKindMilestone}, 0), persistence.ErrVersionConflict)

	artifact.State["progress"] = 50.0
	artifact.AppliedPatches = []string{"digest"}
	require.NoError(t, repo.Save(ctx, artifact, 1))

	loaded, err := repo.Get(ctx, models.ArtifactKindMilestone, "m-1")
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.Version)
	assert.InDelta(t, 50.0, loaded.State["progress"], 0.001)
	assert.Equal(t, []string{"digest"}, loaded.AppliedPatches)
}

func TestCatalogRepository_RoundTrip(t *testing.T) {
	p, ctx := setupTestDB(t)
	repo := p.CatalogRepository()

	require.NoError(t, repo.SaveModel(ctx, &models.ModelConfig{ID: "m", Provider: "codex", Model: "gpt", Settings: map[string]any{"temperature": 0.2}}))
	require.NoError(t, repo.SaveAgent(ctx, &models.Agent{ID: "a", Name: "Agent", Tools: []models.ToolConfig{{Name: "git"}}}))
	require.NoError(t, repo.SaveTemplate(ctx, &models.Template{ID: "t", Prompt: "Do it", ModelID: "m"}))

	model, err := repo.Model(ctx, "m")
	require.NoError(t, err)
	assert.Equal(t, "gpt", model.Model)

	agent, err := repo.Agent(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "git", agent.Tools[0].Name)

	template, err := repo.Template(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, "m", template.ModelID)

	_, err = repo.Template(ctx, "missing")
	assert.ErrorIs(t, err, persistence.ErrTemplateNotFound)
}
