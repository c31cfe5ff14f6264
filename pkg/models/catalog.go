package models

// Template is a reusable task prompt referenced by task nodes through ref_id.
type Template struct {
	ID      string `json:"id"                 validate:"required" yaml:"id"`
	Name    string `json:"name"               yaml:"name"`
	Prompt  string `json:"prompt"             validate:"required" yaml:"prompt"`
	ModelID string `json:"model_id,omitempty" yaml:"model_id,omitempty"`
	AgentID string `json:"agent_id,omitempty" yaml:"agent_id,omitempty"`
}

// Agent binds a role and system prompt to task executions.
type Agent struct {
	ID           string       `json:"id"                      validate:"required" yaml:"id"`
	Name         string       `json:"name"                    yaml:"name"`
	Role         string       `json:"role,omitempty"          yaml:"role,omitempty"`
	SystemPrompt string       `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
	ModelID      string       `json:"model_id,omitempty"      yaml:"model_id,omitempty"`
	Tools        []ToolConfig `json:"tools,omitempty"         yaml:"tools,omitempty"`
}

// ModelConfig describes an LLM model the task handler can invoke.
type ModelConfig struct {
	ID       string         `json:"id"                 validate:"required" yaml:"id"`
	Provider string         `json:"provider"           validate:"required" yaml:"provider"`
	Model    string         `json:"model"              validate:"required" yaml:"model"`
	Settings map[string]any `json:"settings,omitempty" yaml:"settings,omitempty"`
}

// ToolConfig is a tool made available to the LLM for a task.
type ToolConfig struct {
	Name   string         `json:"name"             validate:"required" yaml:"name"`
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}
