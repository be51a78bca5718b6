// Package services – pipeline instrumentation
//
// Prometheus collectors for the processing pipeline. Label cardinality is
// kept bounded: outcome is one of sent|failed, stage is one of
// extract|normalize|dispatch, op is one of extract|notify.
package services

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// pipelineOutcomes counts finished pipeline runs by terminal outcome.
	pipelineOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_requests_total",
			Help: "Total number of processed requests by terminal outcome.",
		},
		[]string{"outcome"},
	)

	// pipelineFailures counts failures by the stage that produced them.
	pipelineFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_failures_total",
			Help: "Total number of pipeline failures by stage.",
		},
		[]string{"stage"},
	)

	// upstreamRetries counts retried upstream calls by operation.
	upstreamRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_upstream_retries_total",
			Help: "Total number of retried upstream calls.",
		},
		[]string{"op"},
	)

	// pipelineDuration records end-to-end processing time per request.
	// Buckets are wide; a run includes at least one multi-second AI call.
	pipelineDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pipeline_process_duration_seconds",
			Help:    "End-to-end duration of request processing in seconds.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 3, 5, 8, 13, 21, 34},
		},
	)

	// pipelineInflight gauges how many requests are being processed right now.
	pipelineInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pipeline_requests_inflight",
			Help: "Current number of requests being processed.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		pipelineOutcomes,
		pipelineFailures,
		upstreamRetries,
		pipelineDuration,
		pipelineInflight,
	)
}

func observeOutcome(outcome string, start time.Time) {
	pipelineOutcomes.WithLabelValues(outcome).Inc()
	pipelineDuration.Observe(time.Since(start).Seconds())
}
