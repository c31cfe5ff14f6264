package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"sort"
	"time"

	"github.com/dukex/flowpilot/pkg/models"
	"github.com/dukex/flowpilot/pkg/persistence"
)

// RunRepository stores one JSON document per run.
type RunRepository struct {
	store *store
}

func (r *RunRepository) filePath(id string) string {
	return r.store.path("runs", id+".json")
}

func (r *RunRepository) load(id string) (*models.FlowchartRun, error) {
	err := validateID(id)
	if err != nil {
		return nil, err
	}

	var run models.FlowchartRun

	err = r.store.read(r.filePath(id), &run)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, persistence.ErrRunNotFound
		}

		return nil, err
	}

	return &run, nil
}

func (r *RunRepository) Create(_ context.Context, run *models.FlowchartRun) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	_, err := r.load(run.ID)
	if err == nil {
		return persistence.NewRunError("Create", run.ID, persistence.ErrRunAlreadyExists)
	}

	if !errors.Is(err, persistence.ErrRunNotFound) {
		return persistence.NewRunError("Create", run.ID, err)
	}

	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}

	return r.store.write(r.filePath(run.ID), run)
}

func (r *RunRepository) Get(_ context.Context, id string) (*models.FlowchartRun, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	run, err := r.load(id)
	if err != nil {
		return nil, persistence.NewRunError("Get", id, err)
	}

	return run, nil
}

func (r *RunRepository) List(_ context.Context, opts persistence.ListRunsOptions) ([]*models.FlowchartRun, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	paths, err := r.store.list(r.store.path("runs"))
	if err != nil {
		return nil, err
	}

	runs := make([]*models.FlowchartRun, 0, len(paths))

	for _, path := range paths {
		var run models.FlowchartRun

		err := r.store.read(path, &run)
		if err != nil {
			return nil, fmt.Errorf("failed to load run: %w", err)
		}

		if opts.FlowchartID != "" && run.FlowchartID != opts.FlowchartID {
			continue
		}

		if len(opts.Statuses) > 0 && !slices.Contains(opts.Statuses, run.Status) {
			continue
		}

		if opts.LeaseExpiredBefore != nil && !leaseExpired(&run, *opts.LeaseExpiredBefore) {
			continue
		}

		runs = append(runs, &run)
	}

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.Before(runs[j].CreatedAt)
	})

	if opts.Limit > 0 && len(runs) > opts.Limit {
		runs = runs[:opts.Limit]
	}

	return runs, nil
}

func leaseExpired(run *models.FlowchartRun, now time.Time) bool {
	return run.Status == models.RunStatusRunning && (run.LeaseExpiresAt == nil || run.LeaseExpiresAt.Before(now))
}

func (r *RunRepository) Claim(_ context.Context, id, owner string, now time.Time, lease time.Duration) (*models.FlowchartRun, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	run, err := r.load(id)
	if err != nil {
		return nil, persistence.NewRunError("Claim", id, err)
	}

	switch {
	case run.Status == models.RunStatusQueued:
		run.Status = models.RunStatusRunning
		run.StartedAt = &now
	case leaseExpired(run, now):
	default:
		return nil, persistence.NewRunError("Claim", id, persistence.ErrRunNotClaimable)
	}

	expires := now.Add(lease)
	run.ClaimedBy = owner
	run.LeaseExpiresAt = &expires

	err = r.store.write(r.filePath(id), run)
	if err != nil {
		return nil, persistence.NewRunError("Claim", id, err)
	}

	return run, nil
}

func (r *RunRepository) RenewLease(_ context.Context, id, owner string, until time.Time) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	run, err := r.load(id)
	if err != nil {
		return persistence.NewRunError("RenewLease", id, err)
	}

	if run.ClaimedBy != owner || run.Status.IsTerminal() {
		return persistence.NewRunError("RenewLease", id, persistence.ErrLeaseLost)
	}

	run.LeaseExpiresAt = &until

	return r.store.write(r.filePath(id), run)
}

func (r *RunRepository) UpdateStatus(
	_ context.Context,
	id string,
	from []models.RunStatus,
	to models.RunStatus,
	message string,
	at time.Time,
) (*models.FlowchartRun, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	run, err := r.load(id)
	if err != nil {
		return nil, persistence.NewRunError("UpdateStatus", id, err)
	}

	if !slices.Contains(from, run.Status) {
		return run, persistence.NewRunError("UpdateStatus", id,
			fmt.Errorf("%w: %s -> %s", persistence.ErrInvalidTransition, run.Status, to))
	}

	run.Status = to
	if message != "" {
		run.Error = message
	}

	if to == models.RunStatusRunning && run.StartedAt == nil {
		run.StartedAt = &at
	}

	if to.IsTerminal() {
		run.FinishedAt = &at
		run.LeaseExpiresAt = nil
	}

	err = r.store.write(r.filePath(id), run)
	if err != nil {
		return nil, persistence.NewRunError("UpdateStatus", id, err)
	}

	return run, nil
}

func (r *RunRepository) Delete(_ context.Context, id string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	err := validateID(id)
	if err != nil {
		return persistence.NewRunError("Delete", id, err)
	}

	err = r.store.remove(r.filePath(id))
	if errors.Is(err, fs.ErrNotExist) {
		return persistence.NewRunError("Delete", id, persistence.ErrRunNotFound)
	}

	if err != nil {
		return err
	}

	return r.store.removeAll(r.store.path("node_runs", id))
}
