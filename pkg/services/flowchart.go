package services

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/dukex/flowpilot/pkg/models"
	"github.com/dukex/flowpilot/pkg/persistence"
	"github.com/dukex/flowpilot/pkg/scheduler"
)

type Flowchart struct {
	persistence persistence.Persistence
	validate    *validator.Validate
}

// NewFlowchart creates a new flowchart service.
func NewFlowchart(persistence persistence.Persistence) *Flowchart {
	return &Flowchart{
		persistence: persistence,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

// HealthCheck checks the health of the persistence layer.
func (f *Flowchart) HealthCheck(ctx context.Context) (string, bool) {
	if f.persistence == nil {
		return "Persistence layer not initialized", false
	}

	err := f.persistence.HealthCheck(ctx)
	if err != nil {
		return "Persistence layer is unhealthy: " + err.Error(), false
	}

	return "Persistence layer is healthy", true
}

// ValidationResult reports whether a flowchart can be executed.
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Problems []string `json:"problems,omitempty"`
}

// ParseDefinition decodes a YAML or JSON flowchart definition.
func ParseDefinition(data []byte) (*models.Flowchart, error) {
	var flowchart models.Flowchart

	err := yaml.Unmarshal(data, &flowchart)
	if err != nil {
		return nil, NewValidationError("ParseDefinition", "invalid_definition", err.Error(), ErrInvalidDefinition)
	}

	return &flowchart, nil
}

// Check validates the definition and the graph of flowchart without storing it.
func (f *Flowchart) Check(flowchart *models.Flowchart) (*ValidationResult, error) {
	if flowchart == nil {
		return nil, ErrFlowchartNil
	}

	if err := f.validate.Struct(flowchart); err != nil {
		return &ValidationResult{Problems: []string{err.Error()}}, nil
	}

	err := scheduler.ValidateGraph(flowchart)
	if err != nil {
		problems := scheduler.GraphProblems(err)
		if problems == nil {
			return nil, err
		}

		return &ValidationResult{Problems: problems}, nil
	}

	return &ValidationResult{Valid: true}, nil
}

// Import stores flowchart, replacing any flowchart with the same id. A flowchart without an
// id gets a generated one. Invalid flowcharts are rejected.
func (f *Flowchart) Import(ctx context.Context, flowchart *models.Flowchart) (*models.Flowchart, error) {
	if flowchart == nil {
		return nil, ErrFlowchartNil
	}

	if flowchart.ID == "" {
		flowchart.ID = uuid.New().String()
	}

	result, err := f.Check(flowchart)
	if err != nil {
		return nil, err
	}

	if !result.Valid {
		return nil, &ServiceError{
			Op:      "Import",
			Code:    "invalid_flowchart",
			Message: fmt.Sprintf("flowchart %s is invalid: %v", flowchart.ID, result.Problems),
			Err:     scheduler.ErrInvalidGraph,
		}
	}

	existing, err := f.persistence.FlowchartRepository().Get(ctx, flowchart.ID)

	switch {
	case err == nil:
		flowchart.CreatedAt = existing.CreatedAt
	case !persistence.IsFlowchartNotFound(err):
		return nil, err
	}

	err = f.persistence.FlowchartRepository().Save(ctx, flowchart)
	if err != nil {
		return nil, fmt.Errorf("failed to import flowchart: %w", err)
	}

	return flowchart, nil
}

// FetchByID retrieves a flowchart by its ID.
func (f *Flowchart) FetchByID(ctx context.Context, id string) (*models.Flowchart, error) {
	return f.persistence.FlowchartRepository().Get(ctx, id)
}

// List returns every stored flowchart.
func (f *Flowchart) List(ctx context.Context) ([]*models.Flowchart, error) {
	return f.persistence.FlowchartRepository().List(ctx)
}

// Validate checks the stored flowchart id.
func (f *Flowchart) Validate(ctx context.Context, id string) (*ValidationResult, error) {
	flowchart, err := f.FetchByID(ctx, id)
	if err != nil {
		return nil, err
	}

	return f.Check(flowchart)
}
