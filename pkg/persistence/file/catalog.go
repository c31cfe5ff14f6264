package file

import (
	"context"
	"errors"
	"io/fs"

	"github.com/dukex/flowpilot/pkg/models"
	"github.com/dukex/flowpilot/pkg/persistence"
)

// CatalogRepository stores templates, agents and models under catalog/<kind>/<id>.json.
type CatalogRepository struct {
	store *store
}

func (r *CatalogRepository) get(kind, id string, v any, notFound error) error {
	err := validateID(id)
	if err != nil {
		return err
	}

	err = r.store.read(r.store.path("catalog", kind, id+".json"), v)
	if errors.Is(err, fs.ErrNotExist) {
		return notFound
	}

	return err
}

func (r *CatalogRepository) save(kind, id string, v any) error {
	err := validateID(id)
	if err != nil {
		return err
	}

	return r.store.write(r.store.path("catalog", kind, id+".json"), v)
}

func (r *CatalogRepository) Template(_ context.Context, id string) (*models.Template, error) {
	var template models.Template

	err := r.get("templates", id, &template, persistence.ErrTemplateNotFound)
	if err != nil {
		return nil, err
	}

	return &template, nil
}

func (r *CatalogRepository) SaveTemplate(_ context.Context, template *models.Template) error {
	return r.save("templates", template.ID, template)
}

func (r *CatalogRepository) Agent(_ context.Context, id string) (*models.Agent, error) {
	var agent models.Agent

	err := r.get("agents", id, &agent, persistence.ErrAgentNotFound)
	if err != nil {
		return nil, err
	}

	return &agent, nil
}

func (r *CatalogRepository) SaveAgent(_ context.Context, agent *models.Agent) error {
	return r.save("agents", agent.ID, agent)
}

func (r *CatalogRepository) Model(_ context.Context, id string) (*models.ModelConfig, error) {
	var model models.ModelConfig

	err := r.get("models", id, &model, persistence.ErrModelNotFound)
	if err != nil {
		return nil, err
	}

	return &model, nil
}

func (r *CatalogRepository) SaveModel(_ context.Context, model *models.ModelConfig) error {
	return r.save("models", model.ID, model)
}
