package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	storiesGenerated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "storybranch_stories_generated_total",
		Help: "Total number of successfully generated stories.",
	})

	storyFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storybranch_story_failures_total",
		Help: "Total number of failed story generations by phase.",
	}, []string{"phase"})

	generationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "storybranch_story_generation_duration_seconds",
		Help:    "End-to-end duration of the two-phase story generation.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})

	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "storybranch_active_sessions",
		Help: "Number of reader sessions currently held in memory.",
	})
)
