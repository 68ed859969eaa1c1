// Package telemetry exposes local Prometheus metrics for the sync
// engine. Metrics are served on the localhost HTTP listener only and
// never leave the machine.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	OpsEnqueued     prometheus.Counter
	OpsCoalesced    prometheus.Counter
	OpsCompleted    prometheus.Counter
	OpsRequeued     prometheus.Counter
	OpsDeadLettered prometheus.Counter
	Drains          prometheus.Counter
	QueueDepth      prometheus.Gauge
	Online          prometheus.Gauge
}

// New creates and registers the metric set on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		OpsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "practicesync_operations_enqueued_total",
			Help: "Mutations accepted into the queue.",
		}),
		OpsCoalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "practicesync_operations_coalesced_total",
			Help: "Mutations merged into an existing pending entry.",
		}),
		OpsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "practicesync_operations_completed_total",
			Help: "Mutations confirmed by the backend.",
		}),
		OpsRequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "practicesync_operations_requeued_total",
			Help: "Delivery attempts that failed and were scheduled for retry.",
		}),
		OpsDeadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "practicesync_operations_dead_lettered_total",
			Help: "Mutations parked after exhausting retries or a terminal rejection.",
		}),
		Drains: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "practicesync_drains_total",
			Help: "Queue drain passes started.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "practicesync_queue_depth",
			Help: "Operations waiting for delivery.",
		}),
		Online: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "practicesync_backend_online",
			Help: "1 when the backend is reachable.",
		}),
	}
	registry.MustRegister(m.OpsEnqueued, m.OpsCoalesced, m.OpsCompleted,
		m.OpsRequeued, m.OpsDeadLettered, m.Drains, m.QueueDepth, m.Online)
	return m
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
