package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/dukex/flowpilot/pkg/models"
	"github.com/dukex/flowpilot/pkg/persistence"
	"github.com/lib/pq"
)

// RunRepository handles run-related database operations.
type RunRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

const runColumns = `
	id
  , flowchart_id
  , status
  , triggered_by
  , parent_run_id
  , parent_node_id
  , claimed_by
  , lease_expires_at
  , error
  , created_at
  , started_at
  , finished_at
`

func scanRun(row scanner) (*models.FlowchartRun, error) {
	var (
		run                             models.FlowchartRun
		leaseExpiresAt, started, finish sql.NullTime
	)

	err := row.Scan(
		&run.ID,
		&run.FlowchartID,
		&run.Status,
		&run.TriggeredBy,
		&run.ParentRunID,
		&run.ParentNodeID,
		&run.ClaimedBy,
		&leaseExpiresAt,
		&run.Error,
		&run.CreatedAt,
		&started,
		&finish,
	)
	if err != nil {
		return nil, err
	}

	run.LeaseExpiresAt = timePtr(leaseExpiresAt)
	run.StartedAt = timePtr(started)
	run.FinishedAt = timePtr(finish)

	return &run, nil
}

func (r *RunRepository) Create(ctx context.Context, run *models.FlowchartRun) error {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO flowchart_runs (
			id, flowchart_id, status, triggered_by, parent_run_id, parent_node_id,
			claimed_by, lease_expires_at, error, created_at, started_at, finished_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		run.ID,
		run.FlowchartID,
		run.Status,
		run.TriggeredBy,
		run.ParentRunID,
		run.ParentNodeID,
		run.ClaimedBy,
		nullTime(run.LeaseExpiresAt),
		run.Error,
		run.CreatedAt,
		nullTime(run.StartedAt),
		nullTime(run.FinishedAt),
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return persistence.NewRunError("Create", run.ID, persistence.ErrRunAlreadyExists)
		}

		return persistence.NewRunError("Create", run.ID, err)
	}

	return nil
}

func (r *RunRepository) Get(ctx context.Context, id string) (*models.FlowchartRun, error) {
	run, err := scanRun(r.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM flowchart_runs WHERE id = $1", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewRunError("Get", id, persistence.ErrRunNotFound)
		}

		return nil, persistence.NewRunError("Get", id, err)
	}

	return run, nil
}

func (r *RunRepository) List(ctx context.Context, opts persistence.ListRunsOptions) ([]*models.FlowchartRun, error) {
	var (
		conditions []string
		args       []any
	)

	if opts.FlowchartID != "" {
		args = append(args, opts.FlowchartID)
		conditions = append(conditions, "flowchart_id = $"+strconv.Itoa(len(args)))
	}

	if len(opts.Statuses) > 0 {
		statuses := make([]string, len(opts.Statuses))
		for i, status := range opts.Statuses {
			statuses[i] = string(status)
		}

		args = append(args, pq.Array(statuses))
		conditions = append(conditions, "status = ANY($"+strconv.Itoa(len(args))+")")
	}

	if opts.LeaseExpiredBefore != nil {
		args = append(args, *opts.LeaseExpiredBefore)
		conditions = append(conditions,
			"status = 'running' AND (lease_expires_at IS NULL OR lease_expires_at < $"+strconv.Itoa(len(args))+")")
	}

	query := "SELECT " + runColumns + " FROM flowchart_runs"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	query += " ORDER BY created_at"

	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += " LIMIT $" + strconv.Itoa(len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	runs := make([]*models.FlowchartRun, 0)

	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}

		runs = append(runs, run)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// Claim is a single compare-and-swap UPDATE: it only matches queued runs or running runs with an expired lease.
func (r *RunRepository) Claim(ctx context.Context, id, owner string, now time.Time, lease time.Duration) (*models.FlowchartRun, error) {
	run, err := scanRun(r.db.QueryRowContext(ctx, `
		UPDATE flowchart_runs
		SET
			status = 'running'
		  , claimed_by = $2
		  , lease_expires_at = $3
		  , started_at = COALESCE(started_at, $4)
		WHERE id = $1
		  AND (
			status = 'queued'
			OR (status = 'running' AND (lease_expires_at IS NULL OR lease_expires_at < $4))
		  )
		RETURNING `+runColumns,
		id, owner, now.Add(lease), now,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, r.missingOr(ctx, "Claim", id, persistence.ErrRunNotClaimable)
		}

		return nil, persistence.NewRunError("Claim", id, err)
	}

	return run, nil
}

func (r *RunRepository) RenewLease(ctx context.Context, id, owner string, until time.Time) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE flowchart_runs
		SET lease_expires_at = $3
		WHERE id = $1 AND claimed_by = $2 AND status IN ('running', 'stopping')
	`, id, owner, until)
	if err != nil {
		return persistence.NewRunError("RenewLease", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}

	if affected == 0 {
		return r.missingOr(ctx, "RenewLease", id, persistence.ErrLeaseLost)
	}

	return nil
}

func (r *RunRepository) UpdateStatus(
	ctx context.Context,
	id string,
	from []models.RunStatus,
	to models.RunStatus,
	message string,
	at time.Time,
) (*models.FlowchartRun, error) {
	statuses := make([]string, len(from))
	for i, status := range from {
		statuses[i] = string(status)
	}

	var finishedAt sql.NullTime
	if to.IsTerminal() {
		finishedAt = sql.NullTime{Time: at, Valid: true}
	}

	run, err := scanRun(r.db.QueryRowContext(ctx, `
		UPDATE flowchart_runs
		SET
			status = $3
		  , error = CASE WHEN $4 = '' THEN error ELSE $4 END
		  , started_at = CASE WHEN $3 = 'running' THEN COALESCE(started_at, $5) ELSE started_at END
		  , finished_at = COALESCE($6, finished_at)
		  , lease_expires_at = CASE WHEN $6 IS NULL THEN lease_expires_at ELSE NULL END
		WHERE id = $1 AND status = ANY($2)
		RETURNING `+runColumns,
		id, pq.Array(statuses), to, message, at, finishedAt,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			current, getErr := r.Get(ctx, id)
			if getErr != nil {
				return nil, getErr
			}

			return current, persistence.NewRunError("UpdateStatus", id,
				fmt.Errorf("%w: %s -> %s", persistence.ErrInvalidTransition, current.Status, to))
		}

		return nil, persistence.NewRunError("UpdateStatus", id, err)
	}

	return run, nil
}

func (r *RunRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM flowchart_runs WHERE id = $1", id)
	if err != nil {
		return persistence.NewRunError("Delete", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}

	if affected == 0 {
		return persistence.NewRunError("Delete", id, persistence.ErrRunNotFound)
	}

	return nil
}

// missingOr distinguishes a missing run from a run that did not match a conditional update.
func (r *RunRepository) missingOr(ctx context.Context, op, id string, err error) error {
	_, getErr := r.Get(ctx, id)
	if persistence.IsRunNotFound(getErr) {
		return persistence.NewRunError(op, id, persistence.ErrRunNotFound)
	}

	return persistence.NewRunError(op, id, err)
}
