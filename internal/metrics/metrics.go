// Package metrics registers the Prometheus collectors shared across the
// pipeline, retriever, and notification manager. Counters here complement
// the per-component atomic statistics structs: the atomics power in-process
// stats APIs, the collectors power the /metrics scrape endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PipelineEvents counts events leaving the pipeline by outcome:
	// deterministic, analyzed, failed, dropped.
	PipelineEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "castellan_pipeline_events_total",
		Help: "Events processed by the analysis pipeline, by outcome.",
	}, []string{"outcome"})

	// PipelineDuration observes the end-to-end wall clock of one event's
	// embed, search, analyze pass.
	PipelineDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "castellan_pipeline_event_duration_seconds",
		Help:    "End-to-end analysis duration per event.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	// RetrievalSearches counts retriever searches by mode: hybrid or
	// fallback. Pass-through searches are counted as fallback.
	RetrievalSearches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "castellan_retrieval_searches_total",
		Help: "Vector store searches by re-ranking mode.",
	}, []string{"mode"})

	// Notifications counts dispatch decisions per channel by outcome:
	// delivered, failed, throttled, rate_limited.
	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "castellan_notifications_total",
		Help: "Notification dispatch outcomes per channel.",
	}, []string{"channel", "outcome"})
)
