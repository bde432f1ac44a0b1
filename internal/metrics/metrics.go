// Package metrics holds the Prometheus collectors shared by the worker and
// the API. Collectors are registered with the default registry on import.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome label values.
const (
	OutcomeSuccess  = "success"
	OutcomeFailure  = "failure"
	OutcomeNotFound = "not_found"
	OutcomeHit      = "hit"
	OutcomeMiss     = "miss"
)

var (
	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enhance_jobs_total",
			Help: "Total number of finished enhancement jobs by status and failing stage.",
		},
		[]string{"status", "stage"},
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "enhance_job_duration_seconds",
			Help:    "End-to-end job duration in seconds.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 900, 1800},
		},
		[]string{"status"},
	)

	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "enhance_stage_duration_seconds",
			Help:    "Time spent in each pipeline stage, in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		},
		[]string{"stage"},
	)

	StorageAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enhance_storage_attempts_total",
			Help: "Object storage call attempts by operation, client profile and outcome.",
		},
		[]string{"op", "profile", "outcome"},
	)

	CacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enhance_cache_lookups_total",
			Help: "Local cache lookups by result.",
		},
		[]string{"result"},
	)

	UploadResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enhance_upload_results_total",
			Help: "Per-artifact upload outcomes.",
		},
		[]string{"outcome"},
	)

	DeviceReleasePasses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "enhance_device_release_passes_total",
			Help: "Device memory release passes executed.",
		},
	)

	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enhance_api_http_requests_total",
			Help: "HTTP requests served by the API by method, route and status code.",
		},
		[]string{"method", "route", "code"},
	)

	JobsSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enhance_api_jobs_submitted_total",
			Help: "Job submissions by result (accepted, duplicate, invalid, enqueue_failed).",
		},
		[]string{"result"},
	)

	ActiveJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "enhance_active_jobs",
			Help: "Number of jobs currently inside the orchestrator.",
		},
	)
)

func init() {
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(StageDuration)
	prometheus.MustRegister(StorageAttempts)
	prometheus.MustRegister(CacheLookups)
	prometheus.MustRegister(UploadResults)
	prometheus.MustRegister(DeviceReleasePasses)
	prometheus.MustRegister(HTTPRequests)
	prometheus.MustRegister(JobsSubmitted)
	prometheus.MustRegister(ActiveJobs)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
