// Package llm invokes the language model backing task nodes.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/dukex/flowpilot/pkg/models"
)

var ErrEmptyCommand = errors.New("llm command must not be empty")

// Environment variables passed to the LLM command.
const (
	EnvSystemPrompt  = "FLOWPILOT_SYSTEM_PROMPT"
	EnvModelProvider = "FLOWPILOT_MODEL_PROVIDER"
	EnvModel         = "FLOWPILOT_MODEL"
	EnvModelSettings = "FLOWPILOT_MODEL_SETTINGS"
	EnvTools         = "FLOWPILOT_TOOLS"
)

type Request struct {
	Prompt       string              `json:"prompt"`
	SystemPrompt string              `json:"system_prompt,omitempty"`
	Model        *models.ModelConfig `json:"model"`
	Tools        []models.ToolConfig `json:"tools,omitempty"`
}

type Response struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Invoker runs a prompt against a model. A non-zero exit code is reported through the
// response; errors are reserved for failures to run the model at all.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (*Response, error)
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, req Request) (*Response, error)

func (f InvokerFunc) Invoke(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// CommandInvoker runs an external CLI with the prompt on stdin and the model and tool
// configuration in the environment.
type CommandInvoker struct {
	command []string
	logger  *slog.Logger
}

func NewCommandInvoker(command string, logger *slog.Logger) (*CommandInvoker, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return nil, ErrEmptyCommand
	}

	return &CommandInvoker{
		command: fields,
		logger:  logger.With("module", "llm_command"),
	}, nil
}

func (c *CommandInvoker) Invoke(ctx context.Context, req Request) (*Response, error) {
	env, err := commandEnv(req)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, c.command[0], c.command[1:]...) //nolint:gosec // operator-configured command
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdin = strings.NewReader(req.Prompt)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	c.logger.DebugContext(ctx, "Running LLM command", "command", c.command[0], "model", modelName(req.Model))

	err = cmd.Run()

	response := &Response{Stdout: stdout.String(), Stderr: stderr.String()}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		response.ExitCode = exitErr.ExitCode()

		return response, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to run llm command: %w", err)
	}

	return response, nil
}

func commandEnv(req Request) ([]string, error) {
	env := []string{EnvSystemPrompt + "=" + req.SystemPrompt}

	if req.Model != nil {
		settings, err := json.Marshal(req.Model.Settings)
		if err != nil {
			return nil, fmt.Errorf("failed to encode model settings: %w", err)
		}

		env = append(env,
			EnvModelProvider+"="+req.Model.Provider,
			EnvModel+"="+req.Model.Model,
			EnvModelSettings+"="+string(settings),
		)
	}

	tools, err := json.Marshal(req.Tools)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tools: %w", err)
	}

	return append(env, EnvTools+"="+string(tools)), nil
}

func modelName(model *models.ModelConfig) string {
	if model == nil {
		return ""
	}

	return model.Model
}
