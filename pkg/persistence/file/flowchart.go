package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/dukex/flowpilot/pkg/models"
	"github.com/dukex/flowpilot/pkg/persistence"
)

// FlowchartRepository stores one JSON document per flowchart.
type FlowchartRepository struct {
	store *store
}

func (r *FlowchartRepository) filePath(id string) string {
	return r.store.path("flowcharts", id+".json")
}

func (r *FlowchartRepository) Get(_ context.Context, id string) (*models.Flowchart, error) {
	err := validateID(id)
	if err != nil {
		return nil, persistence.NewFlowchartError("Get", id, err)
	}

	var flowchart models.Flowchart

	err = r.store.read(r.filePath(id), &flowchart)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, persistence.NewFlowchartError("Get", id, persistence.ErrFlowchartNotFound)
		}

		return nil, persistence.NewFlowchartError("Get", id, err)
	}

	return &flowchart, nil
}

func (r *FlowchartRepository) List(ctx context.Context) ([]*models.Flowchart, error) {
	paths, err := r.store.list(r.store.path("flowcharts"))
	if err != nil {
		return nil, err
	}

	flowcharts := make([]*models.Flowchart, 0, len(paths))

	for _, path := range paths {
		var flowchart models.Flowchart

		err := r.store.read(path, &flowchart)
		if err != nil {
			return nil, fmt.Errorf("failed to load flowchart: %w", err)
		}

		flowcharts = append(flowcharts, &flowchart)
	}

	sort.Slice(flowcharts, func(i, j int) bool {
		return flowcharts[i].CreatedAt.Before(flowcharts[j].CreatedAt)
	})

	return flowcharts, nil
}

func (r *FlowchartRepository) Save(_ context.Context, flowchart *models.Flowchart) error {
	err := validateID(flowchart.ID)
	if err != nil {
		return persistence.NewFlowchartError("Save", flowchart.ID, err)
	}

	now := time.Now().UTC()
	if flowchart.CreatedAt.IsZero() {
		flowchart.CreatedAt = now
	}

	flowchart.UpdatedAt = now

	for _, node := range flowchart.Nodes {
		node.FlowchartID = flowchart.ID
	}

	return r.store.write(r.filePath(flowchart.ID), flowchart)
}

func (r *FlowchartRepository) Delete(_ context.Context, id string) error {
	err := validateID(id)
	if err != nil {
		return persistence.NewFlowchartError("Delete", id, err)
	}

	err = r.store.remove(r.filePath(id))
	if errors.Is(err, fs.ErrNotExist) {
		return persistence.NewFlowchartError("Delete", id, persistence.ErrFlowchartNotFound)
	}

	return err
}
