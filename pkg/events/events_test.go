package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunQueued_Decode(t *testing.T) {
	original := NewRunQueued("flow-1", "run-1")
	assert.Equal(t, RunQueuedEvent, original.GetType())
	assert.NotEmpty(t, original.ID)

	payload, err := json.Marshal(original)
	require.NoError(t, err)
	assert.Contains(t, string(payload), `"type":"run.queued"`)

	decoded, err := Decode(RunQueuedEvent, payload)
	require.NoError(t, err)

	event, ok := decoded.(*RunQueued)
	require.True(t, ok)
	assert.Equal(t, "flow-1", event.FlowchartID)
	assert.Equal(t, "run-1", event.RunID)
	assert.Equal(t, original.ID, event.ID)
}

func TestDecode_Errors(t *testing.T) {
	_, err := Decode("run.unknown", []byte(`{}`))
	assert.ErrorIs(t, err, ErrUnknownEventType)

	_, err = Decode(RunQueuedEvent, []byte(`{not json`))
	assert.Error(t, err)
}
