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
)

// FlowchartRepository handles flowchart-related database operations.
type FlowchartRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

const selectFlowchart = `
	SELECT
		id
	  , name
	  , description
	  , default_model_id
	  , max_parallel_nodes
	  , max_node_executions
	  , max_runtime_minutes
	  , created_at
	  , updated_at
	FROM flowcharts
`

func (r *FlowchartRepository) scanFlowchart(row scanner) (*models.Flowchart, error) {
	var flowchart models.Flowchart

	err := row.Scan(
		&flowchart.ID,
		&flowchart.Name,
		&flowchart.Description,
		&flowchart.DefaultModelID,
		&flowchart.MaxParallelNodes,
		&flowchart.MaxNodeExecutions,
		&flowchart.MaxRuntimeMinutes,
		&flowchart.CreatedAt,
		&flowchart.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	return &flowchart, nil
}

func (r *FlowchartRepository) Get(ctx context.Context, id string) (*models.Flowchart, error) {
	flowchart, err := r.scanFlowchart(r.db.QueryRowContext(ctx, selectFlowchart+" WHERE id = $1", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewFlowchartError("Get", id, persistence.ErrFlowchartNotFound)
		}

		return nil, persistence.NewFlowchartError("Get", id, err)
	}

	err = r.loadGraph(ctx, flowchart)
	if err != nil {
		return nil, persistence.NewFlowchartError("Get", id, err)
	}

	return flowchart, nil
}

func (r *FlowchartRepository) List(ctx context.Context) ([]*models.Flowchart, error) {
	rows, err := r.db.QueryContext(ctx, selectFlowchart+" ORDER BY created_at")
	if err != nil {
		return nil, fmt.Errorf("failed to query flowcharts: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	flowcharts := make([]*models.Flowchart, 0)

	for rows.Next() {
		flowchart, err := r.scanFlowchart(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan flowchart: %w", err)
		}

		flowcharts = append(flowcharts, flowchart)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating flowcharts: %w", err)
	}

	for _, flowchart := range flowcharts {
		err := r.loadGraph(ctx, flowchart)
		if err != nil {
			return nil, err
		}
	}

	return flowcharts, nil
}

func (r *FlowchartRepository) loadGraph(ctx context.Context, flowchart *models.Flowchart) error {
	nodeRows, err := r.db.QueryContext(ctx, `
		SELECT id, node_type, name, ref_id, config, model_binding, position_x, position_y
		FROM flowchart_nodes
		WHERE flowchart_id = $1
		ORDER BY ordinal
	`, flowchart.ID)
	if err != nil {
		return fmt.Errorf("failed to query flowchart nodes: %w", err)
	}

	defer func() {
		_ = nodeRows.Close()
	}()

	flowchart.Nodes = make([]*models.FlowchartNode, 0)

	for nodeRows.Next() {
		var (
			node       models.FlowchartNode
			configJSON []byte
		)

		err := nodeRows.Scan(&node.ID, &node.Type, &node.Name, &node.RefID, &configJSON, &node.ModelBinding, &node.PositionX, &node.PositionY)
		if err != nil {
			return fmt.Errorf("failed to scan flowchart node: %w", err)
		}

		err = unmarshalJSON(configJSON, &node.Config)
		if err != nil {
			return fmt.Errorf("failed to unmarshal node config: %w", err)
		}

		node.FlowchartID = flowchart.ID
		flowchart.Nodes = append(flowchart.Nodes, &node)
	}

	err = nodeRows.Err()
	if err != nil {
		return fmt.Errorf("error iterating flowchart nodes: %w", err)
	}

	edgeRows, err := r.db.QueryContext(ctx, `
		SELECT source_node_id, target_node_id, edge_mode, condition_key, label
		FROM flowchart_edges
		WHERE flowchart_id = $1
		ORDER BY ordinal
	`, flowchart.ID)
	if err != nil {
		return fmt.Errorf("failed to query flowchart edges: %w", err)
	}

	defer func() {
		_ = edgeRows.Close()
	}()

	flowchart.Edges = make([]*models.FlowchartEdge, 0)

	for edgeRows.Next() {
		var edge models.FlowchartEdge

		err := edgeRows.Scan(&edge.SourceNodeID, &edge.TargetNodeID, &edge.Mode, &edge.ConditionKey, &edge.Label)
		if err != nil {
			return fmt.Errorf("failed to scan flowchart edge: %w", err)
		}

		flowchart.Edges = append(flowchart.Edges, &edge)
	}

	return edgeRows.Err()
}

// Save upserts the flowchart and replaces its nodes and edges in one transaction.
func (r *FlowchartRepository) Save(ctx context.Context, flowchart *models.Flowchart) error {
	now := time.Now().UTC()
	if flowchart.CreatedAt.IsZero() {
		flowchart.CreatedAt = now
	}

	flowchart.UpdatedAt = now

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO flowcharts (
			id, name, description, default_model_id, max_parallel_nodes,
			max_node_executions, max_runtime_minutes, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			default_model_id = EXCLUDED.default_model_id,
			max_parallel_nodes = EXCLUDED.max_parallel_nodes,
			max_node_executions = EXCLUDED.max_node_executions,
			max_runtime_minutes = EXCLUDED.max_runtime_minutes,
			updated_at = EXCLUDED.updated_at
	`,
		flowchart.ID,
		flowchart.Name,
		flowchart.Description,
		flowchart.DefaultModelID,
		flowchart.MaxParallelNodes,
		flowchart.MaxNodeExecutions,
		flowchart.MaxRuntimeMinutes,
		flowchart.CreatedAt,
		flowchart.UpdatedAt,
	)
	if err != nil {
		return persistence.NewFlowchartError("Save", flowchart.ID, err)
	}

	_, err = tx.ExecContext(ctx, "DELETE FROM flowchart_edges WHERE flowchart_id = $1", flowchart.ID)
	if err != nil {
		return fmt.Errorf("failed to delete existing edges: %w", err)
	}

	_, err = tx.ExecContext(ctx, "DELETE FROM flowchart_nodes WHERE flowchart_id = $1", flowchart.ID)
	if err != nil {
		return fmt.Errorf("failed to delete existing nodes: %w", err)
	}

	for ordinal, node := range flowchart.Nodes {
		configJSON, err := marshalJSON(node.Config)
		if err != nil {
			return fmt.Errorf("failed to marshal node configuration: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO flowchart_nodes (
				flowchart_id, id, node_type, name, ref_id, config, model_binding, position_x, position_y, ordinal
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, flowchart.ID, node.ID, node.Type, node.Name, node.RefID, configJSON, node.ModelBinding, node.PositionX, node.PositionY, ordinal)
		if err != nil {
			return fmt.Errorf("failed to insert node %s: %w", node.ID, err)
		}

		node.FlowchartID = flowchart.ID
	}

	for ordinal, edge := range flowchart.Edges {
		mode := edge.Mode
		if mode == "" {
			mode = models.EdgeModeSolid
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO flowchart_edges (
				flowchart_id, ordinal, source_node_id, target_node_id, edge_mode, condition_key, label
			) VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, flowchart.ID, ordinal, edge.SourceNodeID, edge.TargetNodeID, mode, edge.ConditionKey, edge.Label)
		if err != nil {
			return fmt.Errorf("failed to insert edge %s->%s: %w", edge.SourceNodeID, edge.TargetNodeID, err)
		}
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("failed to commit flowchart %s: %w", flowchart.ID, err)
	}

	return nil
}

func (r *FlowchartRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM flowcharts WHERE id = $1", id)
	if err != nil {
		return persistence.NewFlowchartError("Delete", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}

	if affected == 0 {
		return persistence.NewFlowchartError("Delete", id, persistence.ErrFlowchartNotFound)
	}

	return nil
}
