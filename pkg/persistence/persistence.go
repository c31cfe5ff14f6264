// Package persistence provides the storage abstraction for flowcharts, runs and node runs.
// The persisted run and node-run rows are the single source of truth for the scheduler.
package persistence

import (
	"context"
	"time"

	"github.com/dukex/flowpilot/pkg/models"
)

type Persistence interface {
	FlowchartRepository() FlowchartRepository
	RunRepository() RunRepository
	NodeRunRepository() NodeRunRepository
	CatalogRepository() CatalogRepository
	ArtifactRepository() ArtifactRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// FlowchartRepository stores flowchart definitions, nodes and edges included.
type FlowchartRepository interface {
	Get(ctx context.Context, id string) (*models.Flowchart, error)
	List(ctx context.Context) ([]*models.Flowchart, error)
	Save(ctx context.Context, flowchart *models.Flowchart) error
	Delete(ctx context.Context, id string) error
}

// ListRunsOptions filters run listings. Empty fields match everything.
type ListRunsOptions struct {
	FlowchartID string
	Statuses    []models.RunStatus
	// LeaseExpiredBefore only matches running runs whose lease expired before the given time.
	LeaseExpiredBefore *time.Time
	Limit              int
}

// RunRepository stores flowchart runs. Status changes are compare-and-swap so that
// concurrent schedulers and operators never overwrite each other.
type RunRepository interface {
	Create(ctx context.Context, run *models.FlowchartRun) error
	Get(ctx context.Context, id string) (*models.FlowchartRun, error)
	List(ctx context.Context, opts ListRunsOptions) ([]*models.FlowchartRun, error)

	// Claim moves a queued run to running, or takes over a running run whose lease
	// expired, recording owner and lease expiry. Returns ErrRunNotClaimable otherwise.
	Claim(ctx context.Context, id, owner string, now time.Time, lease time.Duration) (*models.FlowchartRun, error)

	// RenewLease extends the lease held by owner. Returns ErrLeaseLost if owner no longer holds the run.
	RenewLease(ctx context.Context, id, owner string, until time.Time) error

	// UpdateStatus moves the run to status `to` when its current status is one of `from`.
	// Returns ErrInvalidTransition when the current status does not match.
	UpdateStatus(ctx context.Context, id string, from []models.RunStatus, to models.RunStatus, message string, at time.Time) (*models.FlowchartRun, error)

	Delete(ctx context.Context, id string) error
}

// NodeRunRepository stores node executions.
type NodeRunRepository interface {
	Create(ctx context.Context, nodeRun *models.FlowchartRunNode) error
	Get(ctx context.Context, id string) (*models.FlowchartRunNode, error)

	// Update persists nodeRun. A stored node run that already reached a terminal
	// status is never overwritten; ErrInvalidTransition is returned instead.
	Update(ctx context.Context, nodeRun *models.FlowchartRunNode) error

	// ListByRun returns node runs ordered by creation.
	ListByRun(ctx context.Context, runID string) ([]*models.FlowchartRunNode, error)

	// CancelNonTerminal marks every queued or running node run of runID as canceled.
	CancelNonTerminal(ctx context.Context, runID, message string, at time.Time) ([]*models.FlowchartRunNode, error)
}

// CatalogRepository stores the templates, agents and model configurations task nodes resolve.
type CatalogRepository interface {
	Template(ctx context.Context, id string) (*models.Template, error)
	SaveTemplate(ctx context.Context, template *models.Template) error
	Agent(ctx context.Context, id string) (*models.Agent, error)
	SaveAgent(ctx context.Context, agent *models.Agent) error
	Model(ctx context.Context, id string) (*models.ModelConfig, error)
	SaveModel(ctx context.Context, model *models.ModelConfig) error
}

// ArtifactRepository stores plan, milestone and memory aggregates.
type ArtifactRepository interface {
	Get(ctx context.Context, kind models.ArtifactKind, id string) (*models.Artifact, error)

	// Save writes artifact when the stored version equals expectedVersion (0 for a new artifact)
	// and increments its version. Returns ErrVersionConflict otherwise.
	Save(ctx context.Context, artifact *models.Artifact, expectedVersion int) error
}
