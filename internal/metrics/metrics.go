// Package metrics holds the Prometheus collectors for the offline engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the engine
type Metrics struct {
	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec
	Evictions   *prometheus.CounterVec

	OutboxDepth  *prometheus.GaugeVec
	OpsDrained   *prometheus.CounterVec
	SyncPasses   *prometheus.CounterVec
	SyncDuration prometheus.Histogram

	RecordsMerged  prometheus.Counter
	RecordsPulled  prometheus.Counter
	Notifications  prometheus.Counter
	ListenerPanics prometheus.Counter
}

// New creates and registers all engine metrics on the given registerer.
// Passing nil registers on a private registry, which keeps tests from
// colliding on the default one.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		CacheHits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "xear_engine_cache_hits_total",
			Help: "Cache reads served from a live local record",
		}, []string{"kind"}),
		CacheMisses: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "xear_engine_cache_misses_total",
			Help: "Cache reads that found nothing usable locally",
		}, []string{"kind"}),
		Evictions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "xear_engine_cache_evictions_total",
			Help: "Shadow records evicted to honor the per-kind cap",
		}, []string{"kind"}),
		OutboxDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "xear_engine_outbox_depth",
			Help: "Outbox operations by status",
		}, []string{"status"}),
		OpsDrained: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "xear_engine_ops_drained_total",
			Help: "Drain attempts by result",
		}, []string{"result"}),
		SyncPasses: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "xear_engine_sync_passes_total",
			Help: "Sync passes by outcome",
		}, []string{"outcome"}),
		SyncDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "xear_engine_sync_duration_seconds",
			Help:    "Wall time of completed sync passes",
			Buckets: prometheus.DefBuckets,
		}),
		RecordsMerged: factory.NewCounter(prometheus.CounterOpts{
			Name: "xear_engine_records_merged_total",
			Help: "Remote records that won the merge and replaced local state",
		}),
		RecordsPulled: factory.NewCounter(prometheus.CounterOpts{
			Name: "xear_engine_records_pulled_total",
			Help: "Records received from the clinic API during pulls",
		}),
		Notifications: factory.NewCounter(prometheus.CounterOpts{
			Name: "xear_engine_notifications_total",
			Help: "Change notifications delivered to listeners",
		}),
		ListenerPanics: factory.NewCounter(prometheus.CounterOpts{
			Name: "xear_engine_listener_panics_total",
			Help: "Listener callbacks recovered after panicking",
		}),
	}
}
