package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dukex/flowpilot/pkg/llm"
	"github.com/dukex/flowpilot/pkg/models"
	"github.com/dukex/flowpilot/pkg/nodes"
)

var (
	ErrModelFailed       = errors.New("model invocation failed")
	ErrInvalidJSONOutput = errors.New("model output is not valid JSON")
)

// Result codes.
const (
	CodeModelFailed   = "model_failed"
	CodeInvalidOutput = "invalid_output"
)

// Payload is everything needed to run a task body, locally or inside a remote executor.
type Payload struct {
	Prompt       string              `json:"prompt"`
	SystemPrompt string              `json:"system_prompt,omitempty"`
	Model        *models.ModelConfig `json:"model"`
	Tools        []models.ToolConfig `json:"tools,omitempty"`
	OutputFormat string              `json:"output_format"`
}

// Map encodes the payload for an execution request.
func (p *Payload) Map() (map[string]any, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode task payload: %w", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to encode task payload: %w", err)
	}

	return raw, nil
}

// PayloadFrom decodes the payload carried by an execution request.
func PayloadFrom(raw map[string]any) (*Payload, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode task payload: %w", err)
	}

	var payload Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode task payload: %w", err)
	}

	if payload.Model == nil {
		return nil, fmt.Errorf("failed to decode task payload: %w", ErrNoModelConfigured)
	}

	return &payload, nil
}

// Run invokes the model with payload and captures its output.
func Run(ctx context.Context, invoker llm.Invoker, payload *Payload) (*models.ExecutionResult, error) {
	response, err := invoker.Invoke(ctx, llm.Request{
		Prompt:       payload.Prompt,
		SystemPrompt: payload.SystemPrompt,
		Model:        payload.Model,
		Tools:        payload.Tools,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelFailed, err)
	}

	result := &models.ExecutionResult{
		Status:   models.ExecutionStatusSucceeded,
		ExitCode: response.ExitCode,
		Stdout:   response.Stdout,
		Stderr:   response.Stderr,
	}

	if response.ExitCode != 0 {
		result.Status = models.ExecutionStatusFailed
		result.Error = &models.ExecutionError{
			Code:    CodeModelFailed,
			Message: fmt.Sprintf("model command exited with code %d", response.ExitCode),
		}

		return result, fmt.Errorf("%w: exit code %d", ErrModelFailed, response.ExitCode)
	}

	return Materialize(result, payload.OutputFormat)
}

// Materialize fills the output state of a successful result from its stdout.
func Materialize(result *models.ExecutionResult, format string) (*models.ExecutionResult, error) {
	if format == "" {
		format = nodes.OutputFormatText
	}

	output, err := parseOutput(result.Stdout, format)
	if err != nil {
		result.Status = models.ExecutionStatusFailed
		result.Error = &models.ExecutionError{Code: CodeInvalidOutput, Message: err.Error()}

		return result, err
	}

	result.OutputState = map[string]any{
		"output":        output,
		"raw_output":    result.Stdout,
		"output_format": format,
	}

	if result.RoutingState == nil {
		result.RoutingState = map[string]any{}
	}

	return result, nil
}

func parseOutput(stdout, format string) (any, error) {
	text := strings.TrimSpace(stdout)

	if format != nodes.OutputFormatJSON {
		return text, nil
	}

	text = stripFence(text)

	var output any
	if err := json.Unmarshal([]byte(text), &output); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSONOutput, err)
	}

	return output, nil
}

// stripFence removes a surrounding markdown code fence.
func stripFence(text string) string {
	if !strings.HasPrefix(text, "```") || !strings.HasSuffix(text, "```") || len(text) < 6 {
		return text
	}

	body := strings.TrimSuffix(strings.TrimPrefix(text, "```"), "```")
	if newline := strings.IndexByte(body, '\n'); newline >= 0 {
		body = body[newline+1:]
	}

	return strings.TrimSpace(body)
}
