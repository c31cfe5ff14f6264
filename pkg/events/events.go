// Package events defines the messages flowpilot processes exchange over the event bus.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type EventType string

// RunsTopic carries run work items from submitters to workers.
const RunsTopic = "flowpilot.runs"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	RunQueuedEvent EventType = "run.queued"
)

var ErrUnknownEventType = errors.New("unknown event type")

type BaseEvent struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

func NewBaseEvent(eventType EventType) BaseEvent {
	return BaseEvent{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
	}
}

// RunQueued asks a worker to drive a run.
type RunQueued struct {
	BaseEvent

	FlowchartID string `json:"flowchart_id"`
	RunID       string `json:"run_id"`
}

func NewRunQueued(flowchartID, runID string) *RunQueued {
	return &RunQueued{
		BaseEvent:   NewBaseEvent(RunQueuedEvent),
		FlowchartID: flowchartID,
		RunID:       runID,
	}
}

func (r RunQueued) GetType() EventType {
	return RunQueuedEvent
}

// Decode unmarshals payload into the event struct registered for eventType.
func Decode(eventType EventType, payload []byte) (any, error) {
	var event any

	switch eventType {
	case RunQueuedEvent:
		event = &RunQueued{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, eventType)
	}

	if err := json.Unmarshal(payload, event); err != nil {
		return nil, fmt.Errorf("failed to decode %s event: %w", eventType, err)
	}

	return event, nil
}
