package scheduler

import (
	"time"

	"github.com/dukex/flowpilot/pkg/models"
)

type Config struct {
	WorkerID string `validate:"required"`

	// Worker defaults, overridden per flowchart when the flowchart sets a positive value.
	MaxParallelNodes  int           `validate:"gte=1"`
	MaxNodeExecutions int           `validate:"gte=1"`
	MaxRuntime        time.Duration `validate:"gt=0"`

	LeaseDuration     time.Duration `validate:"gt=0"`
	HeartbeatInterval time.Duration `validate:"gt=0,ltfield=LeaseDuration"`

	// StatusPollInterval bounds how long a stop or cancel goes unnoticed while nodes are running.
	StatusPollInterval time.Duration `validate:"gt=0"`

	// RevokeTimeout bounds best-effort revocation of outstanding dispatches on cancel.
	RevokeTimeout time.Duration `validate:"gt=0"`
}

func DefaultConfig(workerID string) Config {
	return Config{
		WorkerID:           workerID,
		MaxParallelNodes:   4,
		MaxNodeExecutions:  200,
		MaxRuntime:         60 * time.Minute,
		LeaseDuration:      2 * time.Minute,
		HeartbeatInterval:  30 * time.Second,
		StatusPollInterval: time.Second,
		RevokeTimeout:      time.Minute,
	}
}

// limits are the guardrails that apply to one run.
type limits struct {
	maxParallel   int
	maxExecutions int
	maxRuntime    time.Duration
}

func (c Config) limitsFor(flowchart *models.Flowchart) limits {
	l := limits{
		maxParallel:   c.MaxParallelNodes,
		maxExecutions: c.MaxNodeExecutions,
		maxRuntime:    c.MaxRuntime,
	}

	if flowchart.MaxParallelNodes > 0 {
		l.maxParallel = flowchart.MaxParallelNodes
	}

	if flowchart.MaxNodeExecutions > 0 {
		l.maxExecutions = flowchart.MaxNodeExecutions
	}

	if flowchart.MaxRuntimeMinutes > 0 {
		l.maxRuntime = time.Duration(flowchart.MaxRuntimeMinutes) * time.Minute
	}

	return l
}
