// Package metrics exposes Prometheus metrics for the federation core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NodeMetrics tracks the federation node's core activity.
type NodeMetrics struct {
	registry *prometheus.Registry

	// Admission
	AdmissionsTotal  *prometheus.CounterVec
	QueueDepth       prometheus.Gauge
	RateLimitedTotal prometheus.Counter

	// Authentication
	SignatureChecks *prometheus.CounterVec

	// Delivery
	DeliveriesTotal *prometheus.CounterVec
	SlotEvictions   prometheus.Counter
	ActiveWorkers   prometheus.Gauge
	DeliveryLatency prometheus.Histogram

	// Caches
	BlocklistSize      prometheus.Gauge
	BlocklistRefreshes prometheus.Counter
	ActorCacheSize     prometheus.Gauge
	CrawlerRecords     prometheus.Gauge

	// Supervision
	ConsumerRestarts prometheus.Counter
	ReapedWorkers    prometheus.Counter
}

// New creates and registers the node metrics. A nil registry registers
// into a fresh private one.
func New(registry *prometheus.Registry) *NodeMetrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	return &NodeMetrics{
		registry: registry,

		AdmissionsTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "warren_inbox_admissions_total",
			Help: "Inbound activity admissions by result",
		}, []string{"result"}),
		QueueDepth: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Name: "warren_inbox_queue_depth",
			Help: "Current inbox queue depth",
		}),
		RateLimitedTotal: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "warren_inbox_rate_limited_total",
			Help: "Requests rejected by the admission rate limiter",
		}),

		SignatureChecks: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "warren_signature_checks_total",
			Help: "HTTP signature verifications by outcome",
		}, []string{"outcome"}),

		DeliveriesTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "warren_deliveries_total",
			Help: "Outbound activity deliveries by result",
		}, []string{"result"}),
		SlotEvictions: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "warren_delivery_slot_evictions_total",
			Help: "Delivery workers forcibly replaced by a newer task",
		}),
		ActiveWorkers: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Name: "warren_delivery_active_workers",
			Help: "Delivery workers currently in flight",
		}),
		DeliveryLatency: promauto.With(registry).NewHistogram(prometheus.HistogramOpts{
			Name:    "warren_delivery_latency_seconds",
			Help:    "Outbound delivery latency",
			Buckets: prometheus.DefBuckets,
		}),

		BlocklistSize: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Name: "warren_blocklist_domains",
			Help: "Domains in the current blocklist snapshot",
		}),
		BlocklistRefreshes: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "warren_blocklist_refreshes_total",
			Help: "Blocklist snapshot refreshes",
		}),
		ActorCacheSize: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Name: "warren_actor_key_cache_entries",
			Help: "Cached actor public keys",
		}),
		CrawlerRecords: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Name: "warren_crawler_records",
			Help: "Tracked crawler user agents",
		}),

		ConsumerRestarts: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "warren_inbox_consumer_restarts_total",
			Help: "Inbox queue consumer restarts by the watchdog",
		}),
		ReapedWorkers: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "warren_reaped_workers_total",
			Help: "Delivery workers terminated for exceeding the age limit",
		}),
	}
}

// Handler returns the HTTP handler exposing this registry.
func (m *NodeMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
