package task

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/flowpilot/pkg/llm"
	"github.com/dukex/flowpilot/pkg/models"
	"github.com/dukex/flowpilot/pkg/nodes"
)

func TestPayload_RoundTrip(t *testing.T) {
	payload := &Payload{
		Prompt:       "hello",
		SystemPrompt: "be kind",
		Model:        &models.ModelConfig{ID: "m", Provider: "anthropic", Model: "large", Settings: map[string]any{"temperature": 0.2}},
		Tools:        []models.ToolConfig{{Name: "search"}},
		OutputFormat: nodes.OutputFormatText,
	}

	raw, err := payload.Map()
	require.NoError(t, err)

	decoded, err := PayloadFrom(raw)
	require.NoError(t, err)
	assert.Equal(t, payload, decoded)
}

func TestPayloadFrom_RequiresModel(t *testing.T) {
	_, err := PayloadFrom(map[string]any{"prompt": "x"})
	require.ErrorIs(t, err, ErrNoModelConfigured)
}

func TestRun(t *testing.T) {
	invoker := llm.InvokerFunc(func(_ context.Context, req llm.Request) (*llm.Response, error) {
		return &llm.Response{Stdout: "  echo: " + req.Prompt + "\n"}, nil
	})

	result, err := Run(context.Background(), invoker, &Payload{Prompt: "hi", Model: &models.ModelConfig{ID: "m"}})
	require.NoError(t, err)
	assert.True(t, result.Succeeded())
	assert.Equal(t, "echo: hi", result.OutputState["output"])
	assert.Equal(t, nodes.OutputFormatText, result.OutputState["output_format"])
}

func TestStripFence(t *testing.T) {
	assert.Equal(t, `{"a":1}`, stripFence("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripFence("```\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripFence(`{"a":1}`))
}
