// Package telemetry unifies OpenTelemetry tracing and Prometheus metrics.
package telemetry

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// --- CUSTOM METRIC DEFINITIONS ---

var (
	solverTasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "solver_tasks_total",
			Help: "Total number of solve tasks finished, labeled by site and status.",
		},
		[]string{"site", "status"},
	)

	solverTaskDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "solver_task_duration_seconds",
			Help:    "Histogram of solve durations from slot acquisition to result, labeled by status.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"status"},
	)

	solverTaskAttempts = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "solver_task_attempts",
			Help:    "Histogram of interaction attempts used per task.",
			Buckets: []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10},
		},
	)

	solverBusyWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "solver_busy_workers",
			Help: "Number of browser workers currently held by a task.",
		},
	)

	solverAcquireWaitSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "solver_slot_acquire_wait_seconds",
			Help:    "Histogram of time spent waiting for a free browser worker.",
			Buckets: []float64{0.001, 0.1, 0.5, 1, 5, 15, 30, 60},
		},
	)

	solverStoreErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "solver_store_errors_total",
			Help: "Total number of result store failures, labeled by operation.",
		},
		[]string{"op"},
	)

	solverRateLimitedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "solver_rate_limited_total",
			Help: "Total number of submissions refused by the per-site rate limiter.",
		},
		[]string{"site"},
	)

	solverProgressDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "solver_progress_events_dropped_total",
			Help: "Total number of lifecycle events shed by the progress hub, labeled by stage.",
		},
		[]string{"stage"},
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

// --- HTTP HANDLER & MIDDLEWARE ---

// Handler returns the standard Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			routePattern = rctx.RoutePattern()
		}

		ObserveHTTPRequest(r.Method, routePattern, ww.statusCode, time.Since(start))
	})
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

// --- HELPER FUNCTIONS ---

// SanitizeSite extracts the hostname from a URL.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// ObserveTask records a finished task.
func ObserveTask(site, status string, attempts int, duration time.Duration) {
	solverTasksTotal.WithLabelValues(SanitizeSite(site), status).Inc()
	solverTaskDurationSeconds.WithLabelValues(status).Observe(duration.Seconds())
	if attempts > 0 {
		solverTaskAttempts.Observe(float64(attempts))
	}
}

// ObserveStoreError counts a failed result store operation.
func ObserveStoreError(op string) {
	solverStoreErrorsTotal.WithLabelValues(op).Inc()
}

// ObserveHTTPRequest records metrics for an HTTP request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncBusyWorkers increments the busy worker count.
func IncBusyWorkers() {
	solverBusyWorkers.Inc()
}

// DecBusyWorkers decrements the busy worker count.
func DecBusyWorkers() {
	solverBusyWorkers.Dec()
}

// ObserveAcquireWait records how long a task waited for a worker.
func ObserveAcquireWait(d time.Duration) {
	solverAcquireWaitSeconds.Observe(d.Seconds())
}

// ObserveRateLimited counts a submission refused by the per-site limiter.
func ObserveRateLimited(site string) {
	solverRateLimitedTotal.WithLabelValues(site).Inc()
}

// ObserveProgressDrop counts a lifecycle event the progress hub could not buffer.
func ObserveProgressDrop(stage string) {
	solverProgressDroppedTotal.WithLabelValues(stage).Inc()
}
