package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "taskbridge"

var (
	once sync.Once

	syncOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_operations_total",
			Help:      "Completed sync cycles by direction.",
		},
		[]string{"direction"},
	)

	syncDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_duration_seconds",
			Help:      "Duration of completed sync cycles.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		},
	)

	conflictsResolved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_resolved_total",
			Help:      "Resolved conflicts by winning side.",
		},
		[]string{"winner"},
	)

	webhooksProcessed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhooks_processed_total",
			Help:      "Webhook events accepted for processing.",
		},
	)

	errorsEncountered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Errors by origin.",
		},
		[]string{"origin"},
	)

	cacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_cache_hits_total",
			Help:      "Remote reads served from cache.",
		},
	)

	cacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_cache_misses_total",
			Help:      "Remote reads that missed the cache.",
		},
	)

	queueItems = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "offline_queue_items",
			Help:      "Items currently in the offline queue.",
		},
	)

	online = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connectivity_online",
			Help:      "1 when the remote service is reachable.",
		},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			syncOperations,
			syncDuration,
			conflictsResolved,
			webhooksProcessed,
			errorsEncountered,
			cacheHits,
			cacheMisses,
			queueItems,
			online,
		)
	})
}

// SetQueueSize reports the offline queue length.
func SetQueueSize(n int) {
	queueItems.Set(float64(n))
}

// SetOnline reports the connectivity state.
func SetOnline(isOnline bool) {
	if isOnline {
		online.Set(1)
		return
	}
	online.Set(0)
}
