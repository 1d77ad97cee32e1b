// Package metrics defines the prometheus collectors surfaced at /metrics:
// per-database hit/miss/eviction/expiry counters and snapshot duration.
//
// Grounded on the teacher's internal/engine/core/metrics/metrics.go: the
// same package-level CounterVec/GaugeVec/Histogram-plus-MustRegister
// shape, relabeled for DbSlice's own counters.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	Hits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dbslice_hits_total",
		Help: "Total number of find operations that located a live key",
	}, []string{"db"})

	Misses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dbslice_misses_total",
		Help: "Total number of find operations that found no key",
	}, []string{"db"})

	Evictions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dbslice_evictions_total",
		Help: "Total number of entries evicted under memory pressure",
	}, []string{"db"})

	InsertionRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dbslice_insertion_rejections_total",
		Help: "Total number of insertions rejected with out-of-memory",
	}, []string{"db"})

	ExpiredKeys = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dbslice_expired_keys_total",
		Help: "Total number of keys removed by lazy or sweep expiration",
	}, []string{"db"})

	HeapBytes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dbslice_heap_bytes",
		Help: "Estimated heap bytes held by a database's live values",
	}, []string{"db"})

	SnapshotDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "snapshot_duration_seconds",
		Help:    "Wall-clock duration of a full snapshot traversal",
		Buckets: prometheus.ExponentialBuckets(0.01, 2.0, 16),
	})
)

func init() {
	prometheus.MustRegister(Hits)
	prometheus.MustRegister(Misses)
	prometheus.MustRegister(Evictions)
	prometheus.MustRegister(InsertionRejections)
	prometheus.MustRegister(ExpiredKeys)
	prometheus.MustRegister(HeapBytes)
	prometheus.MustRegister(SnapshotDuration)
}

// ObserveSnapshotDuration records one completed snapshot's wall-clock
// duration in seconds.
func ObserveSnapshotDuration(seconds float64) {
	SnapshotDuration.Observe(seconds)
}
