package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Record(t *testing.T) {
	m := New()

	m.RunFinished("completed")
	m.RunFinished("completed")
	m.NodeExecuted("task", "succeeded", time.Second)
	m.Dispatched("cluster", "workspace", "fallback")
	m.GuardrailTripped("max_node_executions")
	m.ToolInvoked("plan", "success_with_warning")

	assert.InDelta(t, 2, testutil.ToFloat64(m.runsFinished.WithLabelValues("completed")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.nodeExecutions.WithLabelValues("task", "succeeded")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.dispatches.WithLabelValues("cluster", "workspace", "fallback")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.guardrailTrips.WithLabelValues("max_node_executions")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.toolInvocations.WithLabelValues("plan", "success_with_warning")), 0)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.RunFinished("failed")
		m.NodeExecuted("task", "failed", time.Second)
		m.Dispatched("cluster", "cluster", "uncertain")
		m.GuardrailTripped("max_runtime_minutes")
		m.ToolInvoked("memory", "success")
	})
}
