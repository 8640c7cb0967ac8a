// Package metrics defines the Prometheus collectors exported by the
// platform. The supervisor and the flow engine record into these;
// the API layer serves them on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups all platform collectors. Create instances with New —
// the zero value registers nothing and panics on use.
type Metrics struct {
	// AgentsRegistered tracks the current number of registered agents.
	AgentsRegistered prometheus.Gauge

	// ProbeFailures counts failed liveness probes, labelled by agent.
	ProbeFailures *prometheus.CounterVec

	// AgentsEvicted counts agents removed after consecutive probe failures.
	AgentsEvicted prometheus.Counter

	// FlowExecutions counts finished flow executions by terminal status.
	FlowExecutions *prometheus.CounterVec

	// ExecutionDuration observes wall-clock flow execution time in seconds.
	ExecutionDuration prometheus.Histogram

	// InvocationAttempts counts individual agent invocation attempts made
	// by the flow engine, including retries.
	InvocationAttempts prometheus.Counter
}

// New creates and registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		AgentsRegistered: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mesh_agents_registered",
			Help: "Current number of agents in the registry.",
		}),
		ProbeFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mesh_probe_failures_total",
			Help: "Total failed agent liveness probes.",
		}, []string{"agent"}),
		AgentsEvicted: factory.NewCounter(prometheus.CounterOpts{
			Name: "mesh_agents_evicted_total",
			Help: "Total agents evicted after consecutive probe failures.",
		}),
		FlowExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mesh_flow_executions_total",
			Help: "Total finished flow executions by status.",
		}, []string{"status"}),
		ExecutionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "mesh_flow_execution_duration_seconds",
			Help:    "Wall-clock duration of flow executions.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		InvocationAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "mesh_agent_invocation_attempts_total",
			Help: "Total agent invocation attempts made by the flow engine.",
		}),
	}
}
