// Package metrics defines the Prometheus collectors shared by daemon
// components. Each daemon owns one Metrics instance backed by its own
// registry, so tests can construct instances freely without global
// registration conflicts.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "butlerd"

// Metrics holds every collector the daemon exports.
type Metrics struct {
	registry *prometheus.Registry

	// Durable buffer (switchboard).
	BufferEnqueueHot   prometheus.Counter
	BufferEnqueueCold  prometheus.Counter
	BufferBackpressure prometheus.Counter
	BufferRecovered    prometheus.Counter
	BufferQueueDepth   prometheus.Gauge

	// Admission control (messenger).
	AdmissionTotal    *prometheus.CounterVec
	AdmissionRejected *prometheus.CounterVec

	// Delivery lifecycle (messenger).
	DeliveryAttempts prometheus.Counter
	DeliveryOutcomes *prometheus.CounterVec

	// Route inbox.
	InboxTransitions *prometheus.CounterVec

	// Triage classifier (switchboard).
	TriageDecisions *prometheus.CounterVec

	// Approval queue.
	ApprovalTransitions *prometheus.CounterVec

	// Session spawner.
	Sessions *prometheus.CounterVec

	// RPC tool surface.
	ToolInvocations *prometheus.CounterVec

	// Retention sweeper.
	RetentionPruned *prometheus.CounterVec
}

// New builds a Metrics instance on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		BufferEnqueueHot: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "buffer_enqueue_hot_total",
			Help:      "Messages enqueued directly on the hot path.",
		}),
		BufferEnqueueCold: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "buffer_enqueue_cold_total",
			Help:      "Messages re-enqueued by the recovery scanner.",
		}),
		BufferBackpressure: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "buffer_backpressure_total",
			Help:      "Enqueue attempts rejected because the queue was full.",
		}),
		BufferRecovered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "buffer_scanner_recovered_total",
			Help:      "Rows recovered from the database by the scanner.",
		}),
		BufferQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buffer_queue_depth",
			Help:      "Current number of refs waiting in the buffer.",
		}),

		AdmissionTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_total",
			Help:      "Admission decisions by outcome.",
		}, []string{"decision"}),
		AdmissionRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_rejected_total",
			Help:      "Admission rejections by limit type.",
		}, []string{"limit_type"}),

		DeliveryAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_attempts_total",
			Help:      "Provider send attempts.",
		}),
		DeliveryOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_outcomes_total",
			Help:      "Terminal delivery outcomes by status.",
		}, []string{"status"}),

		InboxTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_inbox_transitions_total",
			Help:      "Route inbox lifecycle transitions by target state.",
		}, []string{"state"}),

		TriageDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "triage_decisions_total",
			Help:      "Classifier decisions by action.",
		}, []string{"action"}),

		ApprovalTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approval_transitions_total",
			Help:      "Pending-action state transitions by target status.",
		}, []string{"status"}),

		Sessions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Spawned sessions by trigger source and outcome.",
		}, []string{"trigger_source", "outcome"}),

		ToolInvocations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_invocations_total",
			Help:      "Tool invocations by tool name and result.",
		}, []string{"tool", "result"}),

		RetentionPruned: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retention_pruned_total",
			Help:      "Rows removed by the retention sweeper, per table.",
		}, []string{"table"}),
	}
}

// Gatherer exposes the underlying registry for scrape handlers.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// Handler returns the /metrics scrape handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
