package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/flowpilot/pkg/models"
	"github.com/dukex/flowpilot/pkg/persistence"
	"github.com/lib/pq"
)

// NodeRunRepository handles node-run database operations.
type NodeRunRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

const nodeRunColumns = `
	id
  , run_id
  , node_id
  , node_type
  , execution_index
  , status
  , input_context
  , output_state
  , routing_state
  , error
  , execution_id
  , provider
  , provider_dispatch_id
  , dispatch_status
  , fallback_attempted
  , fallback_reason
  , dispatch_uncertain
  , api_failure_category
  , run_metadata
  , created_at
  , started_at
  , finished_at
`

func scanNodeRun(row scanner) (*models.FlowchartRunNode, error) {
	var (
		nodeRun                                             models.FlowchartRunNode
		inputJSON, outputJSON, routingJSON, runMetadataJSON []byte
		started, finished                                   sql.NullTime
	)

	err := row.Scan(
		&nodeRun.ID,
		&nodeRun.RunID,
		&nodeRun.NodeID,
		&nodeRun.NodeType,
		&nodeRun.ExecutionIndex,
		&nodeRun.Status,
		&inputJSON,
		&outputJSON,
		&routingJSON,
		&nodeRun.Error,
		&nodeRun.ExecutionID,
		&nodeRun.Provider,
		&nodeRun.ProviderDispatchID,
		&nodeRun.DispatchStatus,
		&nodeRun.FallbackAttempted,
		&nodeRun.FallbackReason,
		&nodeRun.DispatchUncertain,
		&nodeRun.APIFailureCategory,
		&runMetadataJSON,
		&nodeRun.CreatedAt,
		&started,
		&finished,
	)
	if err != nil {
		return nil, err
	}

	if len(inputJSON) > 0 {
		nodeRun.InputContext = &models.InputContext{}

		err = unmarshalJSON(inputJSON, nodeRun.InputContext)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal input context: %w", err)
		}
	}

	for _, field := range []struct {
		data []byte
		dest *map[string]any
	}{
		{outputJSON, &nodeRun.OutputState},
		{routingJSON, &nodeRun.RoutingState},
		{runMetadataJSON, &nodeRun.RunMetadata},
	} {
		err = unmarshalJSON(field.data, field.dest)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal node run state: %w", err)
		}
	}

	nodeRun.StartedAt = timePtr(started)
	nodeRun.FinishedAt = timePtr(finished)

	return &nodeRun, nil
}

type nodeRunJSON struct {
	input, output, routing, runMetadata any
}

func encodeNodeRun(nodeRun *models.FlowchartRunNode) (*nodeRunJSON, error) {
	var (
		encoded nodeRunJSON
		err     error
	)

	if nodeRun.InputContext != nil {
		encoded.input, err = marshalJSON(nodeRun.InputContext)
		if err != nil {
			return nil, err
		}
	}

	encoded.output, err = marshalJSON(nodeRun.OutputState)
	if err != nil {
		return nil, err
	}

	encoded.routing, err = marshalJSON(nodeRun.RoutingState)
	if err != nil {
		return nil, err
	}

	encoded.runMetadata, err = marshalJSON(nodeRun.RunMetadata)
	if err != nil {
		return nil, err
	}

	return &encoded, nil
}

func (r *NodeRunRepository) Create(ctx context.Context, nodeRun *models.FlowchartRunNode) error {
	if nodeRun.CreatedAt.IsZero() {
		nodeRun.CreatedAt = time.Now().UTC()
	}

	encoded, err := encodeNodeRun(nodeRun)
	if err != nil {
		return fmt.Errorf("failed to encode node run %s: %w", nodeRun.ID, err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO flowchart_run_nodes (`+nodeRunColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
	`,
		nodeRun.ID,
		nodeRun.RunID,
		nodeRun.NodeID,
		nodeRun.NodeType,
		nodeRun.ExecutionIndex,
		nodeRun.Status,
		encoded.input,
		encoded.output,
		encoded.routing,
		nodeRun.Error,
		nodeRun.ExecutionID,
		nodeRun.Provider,
		nodeRun.ProviderDispatchID,
		nodeRun.DispatchStatus,
		nodeRun.FallbackAttempted,
		nodeRun.FallbackReason,
		nodeRun.DispatchUncertain,
		nodeRun.APIFailureCategory,
		encoded.runMetadata,
		nodeRun.CreatedAt,
		nullTime(nodeRun.StartedAt),
		nullTime(nodeRun.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert node run %s: %w", nodeRun.ID, err)
	}

	return nil
}

func (r *NodeRunRepository) Get(ctx context.Context, id string) (*models.FlowchartRunNode, error) {
	nodeRun, err := scanNodeRun(r.db.QueryRowContext(ctx, "SELECT "+nodeRunColumns+" FROM flowchart_run_nodes WHERE id = $1", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("failed to get node run %s: %w", id, persistence.ErrNodeRunNotFound)
		}

		return nil, fmt.Errorf("failed to get node run %s: %w", id, err)
	}

	return nodeRun, nil
}

// allowedPrevious lists the stored statuses from which a node run may be updated to status.
func allowedPrevious(status models.NodeRunStatus) []string {
	switch status {
	case models.NodeRunStatusQueued:
		return []string{string(models.NodeRunStatusQueued)}
	case models.NodeRunStatusRunning:
		return []string{string(models.NodeRunStatusQueued), string(models.NodeRunStatusRunning)}
	case models.NodeRunStatusFailed, models.NodeRunStatusCanceled:
		return []string{string(models.NodeRunStatusQueued), string(models.NodeRunStatusRunning)}
	default:
		return []string{string(models.NodeRunStatusRunning)}
	}
}

func (r *NodeRunRepository) Update(ctx context.Context, nodeRun *models.FlowchartRunNode) error {
	encoded, err := encodeNodeRun(nodeRun)
	if err != nil {
		return fmt.Errorf("failed to encode node run %s: %w", nodeRun.ID, err)
	}

	previous := allowedPrevious(nodeRun.Status)
	result, err := r.db.ExecContext(ctx, `
		UPDATE flowchart_run_nodes
		SET
			status = $2
		  , input_context = $3
		  , output_state = $4
		  , routing_state = $5
		  , error = $6
		  , execution_id = $7
		  , provider = $8
		  , provider_dispatch_id = $9
		  , dispatch_status = $10
		  , fallback_attempted = $11
		  , fallback_reason = $12
		  , dispatch_uncertain = $13
		  , api_failure_category = $14
		  , run_metadata = $15
		  , started_at = $16
		  , finished_at = $17
		WHERE id = $1 AND status = ANY($18)
	`,
		nodeRun.ID,
		nodeRun.Status,
		encoded.input,
		encoded.output,
		encoded.routing,
		nodeRun.Error,
		nodeRun.ExecutionID,
		nodeRun.Provider,
		nodeRun.ProviderDispatchID,
		nodeRun.DispatchStatus,
		nodeRun.FallbackAttempted,
		nodeRun.FallbackReason,
		nodeRun.DispatchUncertain,
		nodeRun.APIFailureCategory,
		encoded.runMetadata,
		nullTime(nodeRun.StartedAt),
		nullTime(nodeRun.FinishedAt),
		pq.Array(previous),
	)
	if err != nil {
		return fmt.Errorf("failed to update node run %s: %w", nodeRun.ID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}

	if affected == 0 {
		_, getErr := r.Get(ctx, nodeRun.ID)
		if getErr != nil {
			return getErr
		}

		return fmt.Errorf("failed to update node run %s: %w", nodeRun.ID, persistence.ErrInvalidTransition)
	}

	return nil
}

func (r *NodeRunRepository) ListByRun(ctx context.Context, runID string) ([]*models.FlowchartRunNode, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+nodeRunColumns+" FROM flowchart_run_nodes WHERE run_id = $1 ORDER BY created_at, execution_index", runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query node runs: %w", err)
	}

	return r.collect(ctx, rows)
}

func (r *NodeRunRepository) CancelNonTerminal(ctx context.Context, runID, message string, at time.Time) ([]*models.FlowchartRunNode, error) {
	rows, err := r.db.QueryContext(ctx, `
		UPDATE flowchart_run_nodes
		SET status = 'canceled', error = $2, finished_at = $3
		WHERE run_id = $1 AND status IN ('queued', 'running')
		RETURNING `+nodeRunColumns,
		runID, message, at,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel node runs of %s: %w", runID, err)
	}

	return r.collect(ctx, rows)
}

func (r *NodeRunRepository) collect(ctx context.Context, rows *sql.Rows) ([]*models.FlowchartRunNode, error) {
	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	nodeRuns := make([]*models.FlowchartRunNode, 0)

	for rows.Next() {
		nodeRun, err := scanNodeRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node run: %w", err)
		}

		nodeRuns = append(nodeRuns, nodeRun)
	}

	err := rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating node runs: %w", err)
	}

	return nodeRuns, nil
}
