// Package metrics registers the loader's Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "frostview"

var (
	CyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ingestion_cycles_total",
		Help:      "Completed ingestion cycles, including failed ones.",
	})

	CycleErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ingestion_cycle_errors_total",
		Help:      "Ingestion cycles aborted by an error.",
	})

	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "ingestion_cycle_duration_seconds",
		Help:      "Wall-clock duration of one full ingestion cycle.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	})

	PointsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "points_ingested_total",
		Help:      "Raw observation points folded into hourly buckets.",
	})

	PointsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "points_skipped_total",
		Help:      "Raw points dropped because no location interval matched.",
	})

	BatchesCommitted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "batches_committed_total",
		Help:      "Atomic batch commits (hourly merges plus watermark).",
	})
)
