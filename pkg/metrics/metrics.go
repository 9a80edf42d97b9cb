// Package metrics provides Prometheus metrics for the tap: extraction
// throughput, remote call outcomes, retry behavior, and async report job
// timing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RecordsExtracted tracks records produced per stream.
	// Labels: stream
	RecordsExtracted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adstap_records_extracted_total",
			Help: "Total number of records extracted",
		},
		[]string{"stream"},
	)

	// APICalls tracks remote Marketing API calls.
	// Labels: endpoint, status (success/error)
	APICalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adstap_api_calls_total",
			Help: "Total number of Marketing API calls",
		},
		[]string{"endpoint", "status"},
	)

	// Retries tracks retry attempts by classification.
	// Labels: reason (transient/rate_limit)
	Retries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adstap_retries_total",
			Help: "Total number of retried remote calls",
		},
		[]string{"reason"},
	)

	// RateLimitWaitSeconds accumulates time spent honoring vendor wait hints.
	RateLimitWaitSeconds = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "adstap_rate_limit_wait_seconds_total",
			Help: "Total seconds slept on vendor rate-limit hints",
		},
	)

	// InsightsJobDuration tracks submit-to-completion time of async report
	// jobs. Labels: stream, outcome (completed/start_timeout/finish_timeout/failed)
	InsightsJobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "adstap_insights_job_duration_seconds",
			Help:    "Async insights job duration in seconds",
			Buckets: []float64{1, 5, 15, 60, 120, 300, 900, 1800},
		},
		[]string{"stream", "outcome"},
	)

	// BookmarkAdvances tracks bookmark writes per stream.
	// Labels: stream
	BookmarkAdvances = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adstap_bookmark_advances_total",
			Help: "Total number of bookmark advances",
		},
		[]string{"stream"},
	)
)

// Timer measures the duration of an operation.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveJob records the elapsed time into InsightsJobDuration.
func (t *Timer) ObserveJob(stream, outcome string) time.Duration {
	elapsed := time.Since(t.start)
	InsightsJobDuration.WithLabelValues(stream, outcome).Observe(elapsed.Seconds())
	return elapsed
}
