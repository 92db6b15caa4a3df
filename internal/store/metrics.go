package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	writesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "habitcore_store_writes_total",
		Help: "Snapshot writes by result (ok, unchanged, invalid, verify_failed, io_error)",
	}, []string{"result"})

	loadSourceTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "habitcore_store_load_source_total",
		Help: "Snapshot loads by the source that satisfied them",
	}, []string{"source"})

	writeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "habitcore_store_write_duration_seconds",
		Help:    "Duration of the full write protocol including verification and rotation",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	})
)
