package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vidreview_tasks_processed_total",
		Help: "Pipeline task executions by kind and outcome.",
	}, []string{"kind", "outcome"})

	tasksInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vidreview_tasks_in_flight",
		Help: "Tasks currently executing.",
	})

	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vidreview_stage_duration_seconds",
		Help:    "Stage execution duration by task kind.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	}, []string{"kind"})
)
