package cmd

import (
	"fmt"
	"log/slog"

	"github.com/dukex/flowpilot/pkg/channels/kafka"
	"github.com/dukex/flowpilot/pkg/queue"
)

// NewQueue opens the run queue. It panics on an unsupported type or unreachable brokers.
func NewQueue(queueType, kafkaBrokers, consumerGroup string, logger *slog.Logger) *queue.Queue {
	q, err := queue.Open(queue.Options{
		Type:          queueType,
		KafkaBrokers:  kafka.ParseBrokers(kafkaBrokers),
		ConsumerGroup: consumerGroup,
	}, logger)
	if err != nil {
		panic(fmt.Errorf("failed to open %s queue: %w", queueType, err))
	}

	return q
}
