package execution

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/flowpilot/pkg/models"
)

func TestStartupLines(t *testing.T) {
	lines := StartupLines()

	require.Len(t, lines, 2)
	assert.Equal(t, StartupMarker, lines[0])
	assert.JSONEq(t, `{"event":"executor_started","contract_version":"v1"}`, lines[1])
}

func TestParseStdout(t *testing.T) {
	line, err := FormatResult(&models.ExecutionResult{
		Status:      models.ExecutionStatusSucceeded,
		Stdout:      "hello",
		OutputState: map[string]any{"answer": "42"},
	})
	require.NoError(t, err)

	tests := []struct {
		name        string
		stdout      string
		wantStarted bool
		wantResult  bool
		wantOutput  string
		wantErr     error
	}{
		{
			name:        "marker and result",
			stdout:      strings.Join([]string{StartupMarker, "working", line}, "\n"),
			wantStarted: true,
			wantResult:  true,
			wantOutput:  "working",
		},
		{
			name:        "structured startup event only",
			stdout:      `{"event":"executor_started","contract_version":"v1"}` + "\nworking\n",
			wantStarted: true,
			wantOutput:  "working",
		},
		{
			name:       "unknown contract version is not a startup",
			stdout:     `{"event":"executor_started","contract_version":"v9"}`,
			wantOutput: `{"event":"executor_started","contract_version":"v9"}`,
		},
		{
			name:        "windows line endings",
			stdout:      StartupMarker + "\r\n" + line + "\r\n",
			wantStarted: true,
			wantResult:  true,
		},
		{
			name:       "no contract lines",
			stdout:     "plain output",
			wantOutput: "plain output",
		},
		{
			name:        "malformed result",
			stdout:      StartupMarker + "\n" + ResultPrefix + "{not json",
			wantStarted: true,
			wantErr:     ErrMalformedResult,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report, err := ParseStdout(tt.stdout)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, tt.wantStarted, report.Started)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.wantStarted, report.Started)
			assert.Equal(t, tt.wantResult, report.Result != nil)

			if tt.wantOutput != "" {
				assert.Equal(t, tt.wantOutput, report.Output)
			}
		})
	}
}

func TestParseStdout_LastResultWins(t *testing.T) {
	first, err := FormatResult(&models.ExecutionResult{Status: models.ExecutionStatusFailed})
	require.NoError(t, err)

	second, err := FormatResult(&models.ExecutionResult{Status: models.ExecutionStatusSucceeded})
	require.NoError(t, err)

	report, err := ParseStdout(first + "\n" + second)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusSucceeded, report.Result.Status)
}

func TestPayload(t *testing.T) {
	req := &models.ExecutionRequest{
		NodeID:           "node-1",
		ExecutionID:      "exec-1",
		SelectedProvider: models.ProviderCluster,
		DispatchStatus:   models.DispatchStatusPending,
		Payload:          map[string]any{"prompt": "hi"},
	}

	encoded, err := EncodePayload(req)
	require.NoError(t, err)

	decoded, err := DecodePayload(encoded)
	require.NoError(t, err)
	assert.Equal(t, req, decoded)

	_, err = DecodePayload("{")
	require.Error(t, err)
}
