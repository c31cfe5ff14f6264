// Package metrics exposes Prometheus collectors for runs, node executions and provider dispatches.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the collectors recorded by the scheduler and the execution router.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	runsFinished    *prometheus.CounterVec
	nodeExecutions  *prometheus.CounterVec
	nodeDuration    *prometheus.HistogramVec
	dispatches      *prometheus.CounterVec
	guardrailTrips  *prometheus.CounterVec
	toolInvocations *prometheus.CounterVec
}

// New registers the collectors on a dedicated registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowpilot",
			Name:      "runs_finished_total",
			Help:      "Flowchart runs that reached a terminal status.",
		}, []string{"status"}),
		nodeExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowpilot",
			Name:      "node_executions_total",
			Help:      "Node executions by node type and final status.",
		}, []string{"node_type", "status"}),
		nodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "flowpilot",
			Name:      "node_execution_duration_seconds",
			Help:      "Wall-clock duration of node executions.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"node_type"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowpilot",
			Name:      "dispatches_total",
			Help:      "Provider dispatches by selected provider, final provider and outcome.",
		}, []string{"selected_provider", "final_provider", "outcome"}),
		guardrailTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowpilot",
			Name:      "guardrail_trips_total",
			Help:      "Runs failed by a guardrail.",
		}, []string{"guardrail"}),
		toolInvocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowpilot",
			Name:      "tool_invocations_total",
			Help:      "Deterministic tool invocations by execution status.",
		}, []string{"tool", "status"}),
	}

	registry.MustRegister(
		m.runsFinished,
		m.nodeExecutions,
		m.nodeDuration,
		m.dispatches,
		m.guardrailTrips,
		m.toolInvocations,
		prometheus.NewGoCollector(),
	)

	return m
}

// Registry returns the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the collected metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RunFinished(status string) {
	if m == nil {
		return
	}

	m.runsFinished.WithLabelValues(status).Inc()
}

func (m *Metrics) NodeExecuted(nodeType, status string, duration time.Duration) {
	if m == nil {
		return
	}

	m.nodeExecutions.WithLabelValues(nodeType, status).Inc()
	m.nodeDuration.WithLabelValues(nodeType).Observe(duration.Seconds())
}

func (m *Metrics) Dispatched(selectedProvider, finalProvider, outcome string) {
	if m == nil {
		return
	}

	m.dispatches.WithLabelValues(selectedProvider, finalProvider, outcome).Inc()
}

func (m *Metrics) GuardrailTripped(guardrail string) {
	if m == nil {
		return
	}

	m.guardrailTrips.WithLabelValues(guardrail).Inc()
}

func (m *Metrics) ToolInvoked(tool, status string) {
	if m == nil {
		return
	}

	m.toolInvocations.WithLabelValues(tool, status).Inc()
}
