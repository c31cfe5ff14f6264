// Package eventbus carries typed events between flowpilot processes over watermill.
package eventbus

import (
	"context"

	"github.com/dukex/flowpilot/pkg/events"
)

// Event is anything that can travel on the bus. Its type selects the handler on the
// receiving side.
type Event interface {
	GetType() events.EventType
}

// EventHandler receives the decoded event. A returned error nacks the message.
type EventHandler func(ctx context.Context, event any) error

// EventBus publishes run work items and dispatches them to one handler per event type.
type EventBus interface {
	Publish(ctx context.Context, key string, event Event) error
	Handle(eventType events.EventType, handler EventHandler) error
	Subscribe(ctx context.Context) error
	Close() error
}
