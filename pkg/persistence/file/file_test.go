package file

import (
	"context"
	"testing"
	"time"

	"github.com/dukex/flowpilot/pkg/models"
	"github.com/dukex/flowpilot/pkg/persistence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newQueuedRun(t *testing.T, p *Persistence, id string) *models.FlowchartRun {
	t.Helper()

	run := &models.FlowchartRun{
		ID:          id,
		FlowchartID: "flow-1",
		Status:      models.RunStatusQueued,
	}
	require.NoError(t, p.RunRepository().Create(context.Background(), run))

	return run
}

func TestPersistence_HealthCheck(t *testing.T) {
	ctx := context.Background()

	assert.NoError(t, NewPersistence("file://"+t.TempDir()).HealthCheck(ctx))
	assert.Error(t, NewPersistence(t.TempDir()+"/missing").HealthCheck(ctx))
}

func TestFlowchartRepository_SaveAndGet(t *testing.T) {
	ctx := context.Background()
	p := NewPersistence(t.TempDir())
	repo := p.FlowchartRepository()

	flowchart := &models.Flowchart{
		ID:   "flow-1",
		Name: "Flow",
		Nodes: []*models.FlowchartNode{
			{ID: "start", Type: models.NodeTypeStart},
			{ID: "task", Type: models.NodeTypeTask, Config: map[string]any{"task_prompt": "hi"}},
		},
		Edges: []*models.FlowchartEdge{
			{SourceNodeID: "start", TargetNodeID: "task", Mode: models.EdgeModeSolid},
		},
	}
	require.NoError(t, repo.Save(ctx, flowchart))

	loaded, err := repo.Get(ctx, "flow-1")
	require.NoError(t, err)
	assert.Equal(t, "Flow", loaded.Name)
	assert.Len(t, loaded.Nodes, 2)
	assert.Equal(t, "flow-1", loaded.Nodes[1].FlowchartID)
	assert.Equal(t, "hi", loaded.Nodes[1].Config["task_prompt"])
	assert.False(t, loaded.CreatedAt.IsZero())

	all, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, repo.Delete(ctx, "flow-1"))

	_, err = repo.Get(ctx, "flow-1")
	assert.True(t, persistence.IsFlowchartNotFound(err))
	assert.True(t, persistence.IsFlowchartNotFound(repo.Delete(ctx, "flow-1")))
}

func TestFlowchartRepository_RejectsPathTraversal(t *testing.T) {
	repo := NewPersistence(t.TempDir()).FlowchartRepository()

	_, err := repo.Get(context.Background(), "../etc")
	assert.Error(t, err)
	assert.False(t, persistence.IsFlowchartNotFound(err))
}

func TestRunRepository_Claim(t *testing.T) {
	ctx := context.Background()
	p := NewPersistence(t.TempDir())
	repo := p.RunRepository()
	now := time.Now().UTC()

	newQueuedRun(t, p, "run-1")

	run, err := repo.Claim(ctx, "run-1", "worker-a", now, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, run.Status)
	assert.Equal(t, "worker-a", run.ClaimedBy)
	require.NotNil(t, run.StartedAt)

	_, err = repo.Claim(ctx, "run-1", "worker-b", now.Add(30*time.Second), time.Minute)
	assert.True(t, persistence.IsRunNotClaimable(err))

	run, err = repo.Claim(ctx, "run-1", "worker-b", now.Add(2*time.Minute), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "worker-b", run.ClaimedBy)

	err = repo.RenewLease(ctx, "run-1", "worker-a", now.Add(5*time.Minute))
	assert.ErrorIs(t, err, persistence.ErrLeaseLost)

	require.NoError(t, repo.RenewLease(ctx, "run-1", "worker-b", now.Add(5*time.Minute)))
}

func TestRunRepository_UpdateStatus(t *testing.T) {
	ctx := context.Background()
	p := NewPersistence(t.TempDir())
	repo := p.RunRepository()
	now := time.Now().UTC()

	newQueuedRun(t, p, "run-1")

	_, err := repo.UpdateStatus(ctx, "run-1", []models.RunStatus{models.RunStatusRunning}, models.RunStatusStopping, "", now)
	assert.True(t, persistence.IsInvalidTransition(err))

	run, err := repo.UpdateStatus(ctx, "run-1",
		[]models.RunStatus{models.RunStatusQueued, models.RunStatusRunning}, models.RunStatusCanceled, "canceled by operator", now)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCanceled, run.Status)
	assert.Equal(t, "canceled by operator", run.Error)
	require.NotNil(t, run.FinishedAt)

	_, err = repo.Claim(ctx, "run-1", "worker", now, time.Minute)
	assert.True(t, persistence.IsRunNotClaimable(err))
}

func TestRunRepository_CreateDuplicate(t *testing.T) {
	p := NewPersistence(t.TempDir())
	newQueuedRun(t, p, "run-1")

	err := p.RunRepository().Create(context.Background(), &models.FlowchartRun{ID: "run-1", Status: models.RunStatusQueued})
	assert.ErrorIs(t, err, persistence.ErrRunAlreadyExists)
}

func TestRunRepository_List(t *testing.T) {
	ctx := context.Background()
	p := NewPersistence(t.TempDir())
	repo := p.RunRepository()
	now := time.Now().UTC()

	newQueuedRun(t, p, "run-1")
	newQueuedRun(t, p, "run-2")
	require.NoError(t, repo.Create(ctx, &models.FlowchartRun{ID: "run-3", FlowchartID: "flow-2", Status: models.RunStatusQueued}))

	_, err := repo.Claim(ctx, "run-2", "worker", now, time.Minute)
	require.NoError(t, err)

	queued, err := repo.List(ctx, persistence.ListRunsOptions{FlowchartID: "flow-1", Statuses: []models.RunStatus{models.RunStatusQueued}})
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, "run-1", queued[0].ID)

	later := now.Add(time.Hour)
	expired, err := repo.List(ctx, persistence.ListRunsOptions{LeaseExpiredBefore: &later})
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "run-2", expired[0].ID)

	limited, err := repo.List(ctx, persistence.ListRunsOptions{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestNodeRunRepository_Transitions(t *testing.T) {
	ctx := context.Background()
	p := NewPersistence(t.TempDir())
	repo := p.NodeRunRepository()

	nodeRun := &models.FlowchartRunNode{
		ID:     "nr-1",
		RunID:  "run-1",
		NodeID: "task",
		Status: models.NodeRunStatusQueued,
	}
	require.NoError(t, repo.Create(ctx, nodeRun))

	nodeRun.Status = models.NodeRunStatusRunning
	require.NoError(t, repo.Update(ctx, nodeRun))

	nodeRun.Status = models.NodeRunStatusSucceeded
	nodeRun.OutputState = map[string]any{"answer": "42"}
	require.NoError(t, repo.Update(ctx, nodeRun))

	nodeRun.Status = models.NodeRunStatusFailed
	assert.ErrorIs(t, repo.Update(ctx, nodeRun), persistence.ErrInvalidTransition)

	loaded, err := repo.Get(ctx, "nr-1")
	require.NoError(t, err)
	assert.Equal(t, models.NodeRunStatusSucceeded, loaded.Status)
	assert.Equal(t, "42", loaded.OutputState["answer"])

	_, err = repo.Get(ctx, "missing")
	assert.ErrorIs(t, err, persistence.ErrNodeRunNotFound)
}

func TestNodeRunRepository_CancelNonTerminal(t *testing.T) {
	ctx := context.Background()
	p := NewPersistence(t.TempDir())
	repo := p.NodeRunRepository()
	now := time.Now().UTC()

	require.NoError(t, repo.Create(ctx, &models.FlowchartRunNode{ID: "a", RunID: "run-1", Status: models.NodeRunStatusSucceeded, CreatedAt: now}))
	require.NoError(t, repo.Create(ctx, &models.FlowchartRunNode{ID: "b", RunID: "run-1", Status: models.NodeRunStatusRunning, CreatedAt: now.Add(time.Second)}))
	require.NoError(t, repo.Create(ctx, &models.FlowchartRunNode{ID: "c", RunID: "run-1", Status: models.NodeRunStatusQueued, CreatedAt: now.Add(2 * time.Second)}))

	canceled, err := repo.CancelNonTerminal(ctx, "run-1", "run canceled", now)
	require.NoError(t, err)
	assert.Len(t, canceled, 2)

	nodeRuns, err := repo.ListByRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, nodeRuns, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{nodeRuns[0].ID, nodeRuns[1].ID, nodeRuns[2].ID})
	assert.Equal(t, models.NodeRunStatusSucceeded, nodeRuns[0].Status)
	assert.Equal(t, models.NodeRunStatusCanceled, nodeRuns[1].Status)
	assert.Equal(t, models.NodeRunStatusCanceled, nodeRuns[2].Status)
}

func TestCatalogRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewPersistence(t.TempDir()).CatalogRepository()

	require.NoError(t, repo.SaveTemplate(ctx, &models.Template{ID: "tpl", Prompt: "Summarize", ModelID: "m1"}))
	require.NoError(t, repo.SaveAgent(ctx, &models.Agent{ID: "agent", Name: "Reviewer"}))
	require.NoError(t, repo.SaveModel(ctx, &models.ModelConfig{ID: "m1", Provider: "codex", Model: "gpt"}))

	template, err := repo.Template(ctx, "tpl")
	require.NoError(t, err)
	assert.Equal(t, "Summarize", template.Prompt)

	agent, err := repo.Agent(ctx, "agent")
	require.NoError(t, err)
	assert.Equal(t, "Reviewer", agent.Name)

	model, err := repo.Model(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "gpt", model.Model)

	_, err = repo.Model(ctx, "missing")
	assert.ErrorIs(t, err, persistence.ErrModelNotFound)
}

func TestArtifactRepository_OptimisticVersion(t *testing.T) {
	ctx := context.Background()
	repo := NewPersistence(t.TempDir()).ArtifactRepository()

	artifact := &models.Artifact{ID: "plan-1", Kind: models.ArtifactKindPlan, State: map[string]any{"title": "Launch"}}
	require.NoError(t, repo.Save(ctx, artifact, 0))
	assert.Equal(t, 1, artifact.Version)

	stale := &models.Artifact{ID: "plan-1", Kind: models.ArtifactKindPlan, State: map[string]any{}}
	assert.ErrorIs(t, repo.Save(ctx, stale, 0), persistence.ErrVersionConflict)

	loaded, err := repo.Get(ctx, models.ArtifactKindPlan, "plan-1")
	require.NoError(t, err)
	assert.Equal(t, "Launch", loaded.State["title"])

	_, err = repo.Get(ctx, models.ArtifactKindMemory, "plan-1")
	assert.ErrorIs(t, err, persistence.ErrArtifactNotFound)
}
