// Package metrics exposes Prometheus metrics for agents, response handlers,
// tool calls and the HTTP control surface.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeErrored   = "errored"
	OutcomeCancelled = "cancelled"
	OutcomeDisposed  = "disposed"
)

var (
	// ActiveAgents tracks agents bound to a conversation
	ActiveAgents = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "aiwriter_active_agents",
			Help: "Number of agents currently bound to a conversation",
		},
	)

	// ActiveHandlers tracks response handlers with a live stream
	ActiveHandlers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "aiwriter_active_handlers",
			Help: "Number of response handlers currently streaming",
		},
	)

	RunsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aiwriter_runs_started_total",
			Help: "Total number of provider runs started",
		},
	)

	RunStartFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aiwriter_run_start_failures_total",
			Help: "Total number of runs that failed before streaming",
		},
	)

	// HandlerOutcomes counts how response handlers ended
	HandlerOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aiwriter_handler_outcomes_total",
			Help: "Total number of response handlers by terminal outcome",
		},
		[]string{"outcome"},
	)

	// HandlerDuration tracks how long a reply took from run start to dispose
	HandlerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aiwriter_handler_duration_seconds",
			Help:    "Response handler lifetime in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"outcome"},
	)

	PartialUpdates = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aiwriter_partial_updates_total",
			Help: "Total number of throttled partial message updates pushed",
		},
	)

	CancelFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aiwriter_cancel_failures_total",
			Help: "Total number of provider run cancellations that failed",
		},
	)

	// ToolCalls tracks assistant tool invocations
	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aiwriter_tool_calls_total",
			Help: "Total number of assistant tool calls",
		},
		[]string{"tool", "status"},
	)

	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aiwriter_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aiwriter_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// ObserveHandler records a finished response handler.
func ObserveHandler(outcome string, started time.Time) {
	HandlerOutcomes.WithLabelValues(outcome).Inc()
	HandlerDuration.WithLabelValues(outcome).Observe(time.Since(started).Seconds())
}

// Handler serves the default registry in Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through the middleware.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware records request count and latency.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		path := normalizePath(r.URL.Path)
		RequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		RequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// normalizePath keeps label cardinality bounded.
func normalizePath(path string) string {
	switch path {
	case "/", "/start-ai-agent", "/stop-ai-agent", "/agents", "/ws", "/metrics", "/healthz":
		return path
	}
	if strings.HasPrefix(path, "/agents/") {
		return "/agents/:id"
	}
	return "other"
}
