package metrics

import (
	"bufio"
	"fmt"
	"net"
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

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coinshop",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "coinshop",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	checkouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coinshop",
			Subsystem: "settlement",
			Name:      "checkouts_total",
			Help:      "Checkouts by outcome (completed, replayed, pending, rejected, failed).",
		},
		[]string{"outcome"},
	)

	checkoutDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "coinshop",
			Subsystem: "settlement",
			Name:      "checkout_duration_seconds",
			Help:      "End-to-end checkout latency.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
	)

	stepFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coinshop",
			Subsystem: "settlement",
			Name:      "step_failures_total",
			Help:      "Saga step failures by step.",
		},
		[]string{"step"},
	)

	retries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coinshop",
			Subsystem: "settlement",
			Name:      "retries_total",
			Help:      "Asynchronous step retries by step and result.",
		},
		[]string{"step", "result"},
	)

	reconciled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coinshop",
			Subsystem: "settlement",
			Name:      "reconciled_orders_total",
			Help:      "Orders touched by the reconciler by action.",
		},
		[]string{"action"},
	)

	droppedEvents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "coinshop",
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Events dropped on full subscriber buffers.",
		},
	)
)

func init() {
	Registry.MustRegister(
		httpRequests,
		httpDuration,
		checkouts,
		checkoutDuration,
		stepFailures,
		retries,
		reconciled,
		droppedEvents,
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
		next.ServeHTTP(rec, r)

		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)
		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	})
}

func RecordCheckout(outcome string, d time.Duration) {
	checkouts.WithLabelValues(outcome).Inc()
	checkoutDuration.Observe(d.Seconds())
}

func RecordStepFailure(step string) {
	stepFailures.WithLabelValues(step).Inc()
}

func RecordRetry(step string, ok bool) {
	result := "failed"
	if ok {
		result = "ok"
	}
	retries.WithLabelValues(step, result).Inc()
}

func RecordReconciled(action string) {
	reconciled.WithLabelValues(action).Inc()
}

func RecordDroppedEvent() {
	droppedEvents.Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack keeps websocket upgrades working through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// canonicalPath collapses ids so label cardinality stays bounded.
func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	for i, p := range parts {
		if i > 0 && (parts[i-1] == "orders" || parts[i-1] == "users" || parts[i-1] == "discounts") {
			if p != "validate" {
				parts[i] = ":id"
			}
		}
	}
	return "/" + strings.Join(parts, "/")
}
