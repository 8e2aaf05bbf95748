package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsSubmittedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "transcriber_jobs_submitted_total",
			Help: "Total number of jobs accepted by the pipeline engine",
		},
	)

	JobsFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transcriber_jobs_finished_total",
			Help: "Total number of jobs reaching a terminal status",
		},
		[]string{"status"}, // completed, failed, cancelled
	)

	JobsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "transcriber_jobs_active",
			Help: "Number of jobs with a live execution context",
		},
	)

	StageDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "transcriber_stage_duration_seconds",
			Help:    "Wall-clock duration of stage executions, per attempt",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		},
		[]string{"stage"},
	)

	StageRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transcriber_stage_retries_total",
			Help: "Total number of stage attempts beyond the first",
		},
		[]string{"stage"},
	)

	StoreWriteRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "transcriber_store_write_retries_total",
			Help: "Total number of retried job store writes",
		},
	)
)
