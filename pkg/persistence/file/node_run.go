package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"time"

	"github.com/dukex/flowpilot/pkg/models"
	"github.com/dukex/flowpilot/pkg/persistence"
)

// NodeRunRepository stores node runs grouped by run: node_runs/<run_id>/<id>.json.
type NodeRunRepository struct {
	store *store
}

func (r *NodeRunRepository) filePath(runID, id string) string {
	return r.store.path("node_runs", runID, id+".json")
}

func (r *NodeRunRepository) find(id string) (string, *models.FlowchartRunNode, error) {
	err := validateID(id)
	if err != nil {
		return "", nil, err
	}

	matches, err := filepath.Glob(r.store.path("node_runs", "*", id+".json"))
	if err != nil {
		return "", nil, fmt.Errorf("failed to look up node run %s: %w", id, err)
	}

	if len(matches) == 0 {
		return "", nil, persistence.ErrNodeRunNotFound
	}

	var nodeRun models.FlowchartRunNode

	err = r.store.read(matches[0], &nodeRun)
	if err != nil {
		return "", nil, err
	}

	return matches[0], &nodeRun, nil
}

func (r *NodeRunRepository) Create(_ context.Context, nodeRun *models.FlowchartRunNode) error {
	err := validateID(nodeRun.ID)
	if err != nil {
		return err
	}

	err = validateID(nodeRun.RunID)
	if err != nil {
		return err
	}

	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	if nodeRun.CreatedAt.IsZero() {
		nodeRun.CreatedAt = time.Now().UTC()
	}

	return r.store.write(r.filePath(nodeRun.RunID, nodeRun.ID), nodeRun)
}

func (r *NodeRunRepository) Get(_ context.Context, id string) (*models.FlowchartRunNode, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	_, nodeRun, err := r.find(id)
	if err != nil {
		return nil, fmt.Errorf("failed to get node run %s: %w", id, err)
	}

	return nodeRun, nil
}

func (r *NodeRunRepository) Update(_ context.Context, nodeRun *models.FlowchartRunNode) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	path := r.filePath(nodeRun.RunID, nodeRun.ID)

	var stored models.FlowchartRunNode

	err := r.store.read(path, &stored)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to update node run %s: %w", nodeRun.ID, persistence.ErrNodeRunNotFound)
		}

		return err
	}

	if stored.Status != nodeRun.Status && !stored.Status.CanTransition(nodeRun.Status) {
		return fmt.Errorf("failed to update node run %s: %w: %s -> %s",
			nodeRun.ID, persistence.ErrInvalidTransition, stored.Status, nodeRun.Status)
	}

	if stored.Status.IsTerminal() {
		return fmt.Errorf("failed to update node run %s: %w: already %s",
			nodeRun.ID, persistence.ErrInvalidTransition, stored.Status)
	}

	return r.store.write(path, nodeRun)
}

func (r *NodeRunRepository) ListByRun(_ context.Context, runID string) ([]*models.FlowchartRunNode, error) {
	err := validateID(runID)
	if err != nil {
		return nil, err
	}

	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	return r.listByRun(runID)
}

func (r *NodeRunRepository) listByRun(runID string) ([]*models.FlowchartRunNode, error) {
	paths, err := r.store.list(r.store.path("node_runs", runID))
	if err != nil {
		return nil, err
	}

	nodeRuns := make([]*models.FlowchartRunNode, 0, len(paths))

	for _, path := range paths {
		var nodeRun models.FlowchartRunNode

		err := r.store.read(path, &nodeRun)
		if err != nil {
			return nil, fmt.Errorf("failed to load node run: %w", err)
		}

		nodeRuns = append(nodeRuns, &nodeRun)
	}

	sort.SliceStable(nodeRuns, func(i, j int) bool {
		if nodeRuns[i].CreatedAt.Equal(nodeRuns[j].CreatedAt) {
			return nodeRuns[i].ExecutionIndex < nodeRuns[j].ExecutionIndex
		}

		return nodeRuns[i].CreatedAt.Before(nodeRuns[j].CreatedAt)
	})

	return nodeRuns, nil
}

func (r *NodeRunRepository) CancelNonTerminal(_ context.Context, runID, message string, at time.Time) ([]*models.FlowchartRunNode, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	nodeRuns, err := r.listByRun(runID)
	if err != nil {
		return nil, err
	}

	canceled := make([]*models.FlowchartRunNode, 0)

	for _, nodeRun := range nodeRuns {
		if nodeRun.Status.IsTerminal() {
			continue
		}

		nodeRun.Status = models.NodeRunStatusCanceled
		nodeRun.Error = message
		nodeRun.FinishedAt = &at

		err := r.store.write(r.filePath(runID, nodeRun.ID), nodeRun)
		if err != nil {
			return canceled, err
		}

		canceled = append(canceled, nodeRun)
	}

	return canceled, nil
}
