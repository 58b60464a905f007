// Package metrics exposes Prometheus collectors for the lookup service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	lookupJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "regiscan_jobs_total",
			Help: "Total number of lookup jobs finished, labeled by status and error kind.",
		},
		[]string{"status", "error_kind"},
	)

	lookupJobDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "regiscan_job_duration_seconds",
			Help:    "Histogram of strategy execution time, labeled by execution mode.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 90, 120},
		},
		[]string{"mode"},
	)

	lookupCacheHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "regiscan_cache_hits_total",
			Help: "Submissions answered from the same-day cache.",
		},
	)

	lookupQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "regiscan_queue_depth",
			Help: "Number of jobs waiting in the FIFO queue.",
		},
	)

	lookupActiveWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "regiscan_active_workers",
			Help: "Number of workers currently processing a job (0 or 1).",
		},
	)

	lookupAdmissionRejectedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "regiscan_admission_rejected_total",
			Help: "Submissions rejected by the hourly rate limits.",
		},
	)

	lookupRateWindowHits = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "regiscan_rate_window_hits",
			Help: "Hits in the global sliding window at the time of the last dispatch.",
		},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)
)

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveJob increments the job counter for a terminal status.
func ObserveJob(status, errorKind string) {
	lookupJobsTotal.WithLabelValues(status, errorKind).Inc()
}

// ObserveJobDuration records how long a strategy ran.
func ObserveJobDuration(mode string, d time.Duration) {
	lookupJobDurationSeconds.WithLabelValues(mode).Observe(d.Seconds())
}

// ObserveCacheHit counts a same-day cache answer.
func ObserveCacheHit() {
	lookupCacheHitsTotal.Inc()
}

// SetQueueDepth publishes the current queue length.
func SetQueueDepth(n int) {
	lookupQueueDepth.Set(float64(n))
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	lookupActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	lookupActiveWorkers.Dec()
}

// ObserveAdmissionRejected counts a RATE_LIMIT rejection.
func ObserveAdmissionRejected() {
	lookupAdmissionRejectedTotal.Inc()
}

// SetRateWindow publishes the global window size.
func SetRateWindow(n int) {
	lookupRateWindowHits.Set(float64(n))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
