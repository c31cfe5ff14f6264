// Package queue hands queued runs from submitters to workers over the event bus.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/dukex/flowpilot/pkg/channels/gochannel"
	"github.com/dukex/flowpilot/pkg/channels/kafka"
	"github.com/dukex/flowpilot/pkg/eventbus"
	"github.com/dukex/flowpilot/pkg/events"
)

const (
	TypeGoChannel = "gochannel"
	TypeKafka     = "kafka"
)

var ErrUnsupportedQueue = errors.New("unsupported queue type")

// Handler drives one queued run. Returning an error redelivers the run.
type Handler func(ctx context.Context, flowchartID, runID string) error

type Queue struct {
	bus    eventbus.EventBus
	logger *slog.Logger
}

func New(bus eventbus.EventBus, logger *slog.Logger) *Queue {
	return &Queue{
		bus:    bus,
		logger: logger.With("module", "queue"),
	}
}

// Options selects and configures the transport.
type Options struct {
	Type          string
	KafkaBrokers  []string
	ConsumerGroup string
}

// Open builds a queue over the configured transport. The gochannel transport only reaches
// consumers in the same process.
func Open(opts Options, logger *slog.Logger) (*Queue, error) {
	wmLogger := watermill.NewSlogLogger(logger)

	switch opts.Type {
	case TypeGoChannel, "":
		pub, sub, err := gochannel.CreateChannel(wmLogger)
		if err != nil {
			return nil, err
		}

		return New(eventbus.NewWatermillEventBus(pub, sub, events.RunsTopic, logger), logger), nil
	case TypeKafka:
		group := opts.ConsumerGroup
		if group == "" {
			group = "flowpilot-workers"
		}

		pub, sub, err := kafka.CreateChannel(wmLogger, opts.KafkaBrokers, group)
		if err != nil {
			return nil, fmt.Errorf("failed to create Kafka queue: %w", err)
		}

		return New(eventbus.NewWatermillEventBus(pub, sub, events.RunsTopic, logger), logger), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedQueue, opts.Type)
	}
}

// Enqueue publishes a work item for runID, keyed by run so redeliveries stay ordered.
func (q *Queue) Enqueue(ctx context.Context, flowchartID, runID string) error {
	err := q.bus.Publish(ctx, runID, events.NewRunQueued(flowchartID, runID))
	if err != nil {
		return fmt.Errorf("failed to publish run %s: %w", runID, err)
	}

	q.logger.DebugContext(ctx, "Run enqueued", "flowchart_id", flowchartID, "run_id", runID)

	return nil
}

// Consume delivers queued runs to handler until ctx is canceled.
func (q *Queue) Consume(ctx context.Context, handler Handler) error {
	err := q.bus.Handle(events.RunQueuedEvent, func(ctx context.Context, event any) error {
		queued, ok := event.(*events.RunQueued)
		if !ok {
			return fmt.Errorf("unexpected event %T", event)
		}

		q.logger.DebugContext(ctx, "Run received", "flowchart_id", queued.FlowchartID, "run_id", queued.RunID)

		return handler(ctx, queued.FlowchartID, queued.RunID)
	})
	if err != nil {
		return err
	}

	return q.bus.Subscribe(ctx)
}

func (q *Queue) Close() error {
	return q.bus.Close()
}
