// Package metrics registers the pipeline-wide Prometheus collectors
// exposed by the dashboard's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TicksCollected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tickflow_ticks_collected_total",
		Help: "Raw records drained from source queues.",
	}, []string{"source"})

	NormalizationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tickflow_normalization_failures_total",
		Help: "Raw records the parser could not decode.",
	}, []string{"source"})

	DuplicatesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tickflow_duplicates_dropped_total",
		Help: "Ticks removed by the cleaner's dedup pass.",
	})

	RegressionsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tickflow_regressions_dropped_total",
		Help: "Ticks dropped for regressing past the watermark tolerance.",
	})

	AnomaliesDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tickflow_anomalies_detected_total",
		Help: "Anomaly records emitted by detectors.",
	}, []string{"detector"})

	BatchesSaved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tickflow_batches_saved_total",
		Help: "Tick batches handed to the storage sink.",
	})

	QueueDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tickflow_queue_drops_total",
		Help: "Raw records lost to per-source queue overflow.",
	}, []string{"source"})

	SourceUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tickflow_source_up",
		Help: "1 while the source lifecycle is in the subscribed state.",
	}, []string{"source"})
)
