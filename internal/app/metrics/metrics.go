package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "proof_layer",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "proof_layer",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "proof_layer",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	anchorAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "proof_layer",
			Subsystem: "anchoring",
			Name:      "attempts_total",
			Help:      "Total number of per-chain anchor attempts.",
		},
		[]string{"chain", "outcome"},
	)

	anchorDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "proof_layer",
			Subsystem: "anchoring",
			Name:      "attempt_duration_seconds",
			Help:      "Duration of per-chain anchor attempts.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		},
		[]string{"chain"},
	)

	creditDeductions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "proof_layer",
			Subsystem: "billing",
			Name:      "deductions_total",
			Help:      "Total number of ledger deductions by outcome.",
		},
		[]string{"outcome"},
	)

	breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "proof_layer",
			Subsystem: "resilience",
			Name:      "breaker_state",
			Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open).",
		},
		[]string{"name"},
	)

	usageQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "proof_layer",
			Subsystem: "metering",
			Name:      "usage_queue_depth",
			Help:      "Usage records waiting for asynchronous persistence.",
		},
	)

	usageQueueDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "proof_layer",
			Subsystem: "metering",
			Name:      "usage_queue_dropped_total",
			Help:      "Usage records discarded by queue overflow.",
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		anchorAttempts,
		anchorDuration,
		creditDeductions,
		breakerState,
		usageQueueDepth,
		usageQueueDropped,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordAnchorAttempt records one chain's anchor outcome.
func RecordAnchorAttempt(chain string, duration time.Duration, anchored bool) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	outcome := "failed"
	if anchored {
		outcome = "anchored"
	}
	anchorAttempts.WithLabelValues(chain, outcome).Inc()
	anchorDuration.WithLabelValues(chain).Observe(duration.Seconds())
}

// RecordDeduction records a settlement deduction outcome
// ("charged", "rejected" or "error").
func RecordDeduction(outcome string) {
	creditDeductions.WithLabelValues(outcome).Inc()
}

// SetBreakerState exports a breaker's current state.
func SetBreakerState(name string, state int) {
	breakerState.WithLabelValues(name).Set(float64(state))
}

// SetUsageQueueDepth exports the usage queue backlog.
func SetUsageQueueDepth(depth int) {
	usageQueueDepth.Set(float64(depth))
}

// AddUsageQueueDropped counts records lost to overflow.
func AddUsageQueueDropped(n int) {
	usageQueueDropped.Add(float64(n))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if parts[0] != "api" || len(parts) < 3 {
		return "/" + parts[0]
	}
	// /api/v1/<resource>[/...] -> /api/v1/<resource>
	prefix := "/" + parts[0] + "/" + parts[1] + "/" + parts[2]
	if len(parts) == 3 {
		return prefix
	}
	// Collapse identifiers: /api/v1/anchors/<hash> -> /api/v1/anchors/:id
	return prefix + "/:id"
}
