// Package metrics holds the Prometheus collectors for the sync server. A
// Metrics value owns its own registry so tests and multiple servers in one
// process never collide on registration.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	Registry *prometheus.Registry

	ReconcileAttempts  prometheus.Counter
	ReconcileRetries   prometheus.Counter
	ReconcileExhausted prometheus.Counter
	ReconcileDuration  prometheus.Histogram
	OwnerGuardSkips    prometheus.Counter

	BroadcastDeliveries *prometheus.CounterVec
	ActiveConnections   prometheus.Gauge

	HTTPRequests *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		ReconcileAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tasksync",
			Name:      "reconcile_attempts_total",
			Help:      "Batch reconciliation attempts, including retries.",
		}),
		ReconcileRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tasksync",
			Name:      "reconcile_retries_total",
			Help:      "Batch reconciliations retried after a serialization conflict.",
		}),
		ReconcileExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tasksync",
			Name:      "reconcile_retry_exhausted_total",
			Help:      "Batch reconciliations that failed after the attempt ceiling.",
		}),
		ReconcileDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tasksync",
			Name:      "reconcile_duration_seconds",
			Help:      "Wall time of a batch reconciliation including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		OwnerGuardSkips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tasksync",
			Name:      "owner_guard_skips_total",
			Help:      "Snapshots ignored because the id belongs to another owner.",
		}),
		BroadcastDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tasksync",
			Name:      "broadcast_deliveries_total",
			Help:      "Per-connection event deliveries by result.",
		}, []string{"result"}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tasksync",
			Name:      "active_connections",
			Help:      "Registered persistent connections across all owners.",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tasksync",
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
	}
	reg.MustRegister(
		m.ReconcileAttempts,
		m.ReconcileRetries,
		m.ReconcileExhausted,
		m.ReconcileDuration,
		m.OwnerGuardSkips,
		m.BroadcastDeliveries,
		m.ActiveConnections,
		m.HTTPRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
