package execution

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dukex/flowpilot/pkg/models"
)

// Remote stdout contract shared by the worker and flowpilot-executor.
const (
	StartupMarker    = "FLOWPILOT_EXECUTOR_STARTED"
	ResultPrefix     = "RESULT_PREFIX="
	PayloadEnv       = "FLOWPILOT_EXECUTION_PAYLOAD"
	ContractVersion  = "v1"
	startedEventName = "executor_started"
)

// StartedEvent is the structured startup line.
type StartedEvent struct {
	Event           string `json:"event"`
	ContractVersion string `json:"contract_version"`
}

// StdoutReport is what a remote executor reported on stdout.
type StdoutReport struct {
	Started bool
	Result  *models.ExecutionResult
	// Output holds every line that is not part of the contract.
	Output string
}

// StartupLines returns the lines an executor prints before running the node body.
func StartupLines() []string {
	event, _ := json.Marshal(StartedEvent{Event: startedEventName, ContractVersion: ContractVersion})

	return []string{StartupMarker, string(event)}
}

// FormatResult renders the result line.
func FormatResult(result *models.ExecutionResult) (string, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("failed to encode result: %w", err)
	}

	return ResultPrefix + string(data), nil
}

// ParseStdout scans executor output. The last result line wins.
func ParseStdout(stdout string) (*StdoutReport, error) {
	report := &StdoutReport{}

	var output []string

	scanner := bufio.NewScanner(strings.NewReader(stdout))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		trimmed := strings.TrimSpace(line)

		switch {
		case trimmed == StartupMarker:
			report.Started = true
		case isStartedEvent(trimmed):
			report.Started = true
		case strings.HasPrefix(trimmed, ResultPrefix):
			var result models.ExecutionResult
			if err := json.Unmarshal([]byte(strings.TrimPrefix(trimmed, ResultPrefix)), &result); err != nil {
				return report, fmt.Errorf("%w: %v", ErrMalformedResult, err)
			}

			report.Result = &result
		default:
			output = append(output, line)
		}
	}

	if err := scanner.Err(); err != nil {
		return report, fmt.Errorf("failed to read executor output: %w", err)
	}

	report.Output = strings.Join(output, "\n")

	return report, nil
}

func isStartedEvent(line string) bool {
	if !strings.HasPrefix(line, "{") {
		return false
	}

	var event StartedEvent
	if err := json.Unmarshal([]byte(line), &event); err != nil {
		return false
	}

	return event.Event == startedEventName && event.ContractVersion == ContractVersion
}

// EncodePayload renders req as the payload env var value.
func EncodePayload(req *models.ExecutionRequest) (string, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to encode execution payload: %w", err)
	}

	return string(data), nil
}

// DecodePayload parses the payload env var value.
func DecodePayload(payload string) (*models.ExecutionRequest, error) {
	var req models.ExecutionRequest
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		return nil, fmt.Errorf("failed to decode execution payload: %w", err)
	}

	return &req, nil
}
