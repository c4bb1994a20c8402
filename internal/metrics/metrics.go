// Package metrics exposes Prometheus collectors for the job pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels for JobsProcessed
const (
	OutcomeCompleted = "completed"
	OutcomeRetried   = "retried"
	OutcomeFailed    = "failed"
)

var (
	JobsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "launchpad_jobs_submitted_total",
		Help: "The total number of jobs handed to the broker",
	}, []string{"queue", "type"})

	JobSubmitErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "launchpad_job_submit_errors_total",
		Help: "Submissions refused by the broker",
	}, []string{"queue", "type"})

	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "launchpad_jobs_processed_total",
		Help: "The total number of processed job attempts",
	}, []string{"queue", "type", "outcome"})

	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "launchpad_job_duration_seconds",
		Help:    "Duration of a single job attempt.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
	}, []string{"queue", "type"})

	JobsInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "launchpad_jobs_in_flight",
		Help: "Job attempts currently running",
	}, []string{"queue"})

	ProviderRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "launchpad_provider_requests_total",
		Help: "Calls to the remote provider by operation and result",
	}, []string{"op", "result"}) // result: ok, transient, permanent

	ProviderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "launchpad_provider_request_duration_seconds",
		Help:    "Latency of remote provider calls.",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	SandboxesExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "launchpad_sandboxes_expired_total",
		Help: "Live sandboxes closed by the sweeper after their window lapsed",
	})

	JobsAbandoned = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "launchpad_jobs_abandoned_total",
		Help: "Pending jobs failed by the worker after their broker message was lost",
	}, []string{"queue", "job_type"})
)

// ObserveJob records the outcome and duration of one attempt
func ObserveJob(queueName, jobType, outcome string, started time.Time) {
	JobsProcessed.WithLabelValues(queueName, jobType, outcome).Inc()
	JobDuration.WithLabelValues(queueName, jobType).Observe(time.Since(started).Seconds())
}

// Handler serves the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}
