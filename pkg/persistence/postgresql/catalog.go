package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dukex/flowpilot/pkg/models"
	"github.com/dukex/flowpilot/pkg/persistence"
)

// CatalogRepository handles templates, agents and model configurations.
type CatalogRepository struct {
	db *sql.DB
}

func (r *CatalogRepository) Template(ctx context.Context, id string) (*models.Template, error) {
	var template models.Template

	err := r.db.QueryRowContext(ctx,
		"SELECT id, name, prompt, model_id, agent_id FROM templates WHERE id = $1", id,
	).Scan(&template.ID, &template.Name, &template.Prompt, &template.ModelID, &template.AgentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("template %s: %w", id, persistence.ErrTemplateNotFound)
		}

		return nil, fmt.Errorf("failed to get template %s: %w", id, err)
	}

	return &template, nil
}

func (r *CatalogRepository) SaveTemplate(ctx context.Context, template *models.Template) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO templates (id, name, prompt, model_id, agent_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			prompt = EXCLUDED.prompt,
			model_id = EXCLUDED.model_id,
			agent_id = EXCLUDED.agent_id
	`, template.ID, template.Name, template.Prompt, template.ModelID, template.AgentID)
	if err != nil {
		return fmt.Errorf("failed to save template %s: %w", template.ID, err)
	}

	return nil
}

func (r *CatalogRepository) Agent(ctx context.Context, id string) (*models.Agent, error) {
	var (
		agent     models.Agent
		toolsJSON []byte
	)

	err := r.db.QueryRowContext(ctx,
		"SELECT id, name, role, system_prompt, model_id, tools FROM agents WHERE id = $1", id,
	).Scan(&agent.ID, &agent.Name, &agent.Role, &agent.SystemPrompt, &agent.ModelID, &toolsJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("agent %s: %w", id, persistence.ErrAgentNotFound)
		}

		return nil, fmt.Errorf("failed to get agent %s: %w", id, err)
	}

	err = unmarshalJSON(toolsJSON, &agent.Tools)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal agent tools: %w", err)
	}

	return &agent, nil
}

func (r *CatalogRepository) SaveAgent(ctx context.Context, agent *models.Agent) error {
	toolsJSON, err := marshalJSON(agent.Tools)
	if err != nil {
		return fmt.Errorf("failed to marshal agent tools: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO agents (id, name, role, system_prompt, model_id, tools)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			role = EXCLUDED.role,
			system_prompt = EXCLUDED.system_prompt,
			model_id = EXCLUDED.model_id,
			tools = EXCLUDED.tools
	`, agent.ID, agent.Name, agent.Role, agent.SystemPrompt, agent.ModelID, toolsJSON)
	if err != nil {
		return fmt.Errorf("failed to save agent %s: %w", agent.ID, err)
	}

	return nil
}

func (r *CatalogRepository) Model(ctx context.Context, id string) (*models.ModelConfig, error) {
	var (
		model        models.ModelConfig
		settingsJSON []byte
	)

	err := r.db.QueryRowContext(ctx,
		"SELECT id, provider, model, settings FROM model_configs WHERE id = $1", id,
	).Scan(&model.ID, &model.Provider, &model.Model, &settingsJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("model %s: %w", id, persistence.ErrModelNotFound)
		}

		return nil, fmt.Errorf("failed to get model %s: %w", id, err)
	}

	err = unmarshalJSON(settingsJSON, &model.Settings)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal model settings: %w", err)
	}

	return &model, nil
}

func (r *CatalogRepository) SaveModel(ctx context.Context, model *models.ModelConfig) error {
	settingsJSON, err := marshalJSON(model.Settings)
	if err != nil {
		return fmt.Errorf("failed to marshal model settings: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO model_configs (id, provider, model, settings)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			provider = EXCLUDED.provider,
			model = EXCLUDED.model,
			settings = EXCLUDED.settings
	`, model.ID, model.Provider, model.Model, settingsJSON)
	if err != nil {
		return fmt.Errorf("failed to save model %s: %w", model.ID, err)
	}

	return nil
}
