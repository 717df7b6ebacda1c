// Package metrics exposes the Prometheus counters and HTTP middleware used across CareCall.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carecall_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "carecall_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	httpRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "carecall_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	// Scheduling
	schedulerTicks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "carecall_scheduler_ticks_total",
			Help: "Total number of scheduler firings",
		},
	)

	duePatients = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "carecall_due_patients_total",
			Help: "Total number of patients selected as due",
		},
	)

	callAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carecall_call_attempts_total",
			Help: "Total number of outbound call attempts",
		},
		[]string{"attempt", "result"},
	)

	dispatchErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "carecall_dispatch_errors_total",
			Help: "Total number of per-patient dispatch errors",
		},
	)

	// Reconciliation
	webhookEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carecall_webhook_events_total",
			Help: "Total number of call-ended webhooks by processing result",
		},
		[]string{"result"},
	)

	toolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carecall_tool_calls_total",
			Help: "Total number of routed tool calls",
		},
		[]string{"tool", "success"},
	)

	fanOutErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carecall_fanout_errors_total",
			Help: "Total number of failed best-effort analytics writes",
		},
		[]string{"table"},
	)

	anomalyChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carecall_anomaly_checks_total",
			Help: "Total number of voice anomaly checks by alert type",
		},
		[]string{"alert"},
	)

	notificationsQueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carecall_notifications_queued_total",
			Help: "Total number of caregiver notifications queued",
		},
		[]string{"priority"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request counts and latency by route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		httpRequestsInFlight.Inc()
		defer httpRequestsInFlight.Dec()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		path := routePattern(r)
		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
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

// routePattern prefers the chi route template so patient ids do not explode label cardinality.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	if len(r.URL.Path) > 100 {
		return "/..."
	}
	return r.URL.Path
}

// RecordSchedulerTick records one scheduler firing and the number of due patients it found.
func RecordSchedulerTick(due int) {
	schedulerTicks.Inc()
	duePatients.Add(float64(due))
}

// RecordCallAttempt records the result ("success", "failed", "error") of attempt 1 or 2.
func RecordCallAttempt(attempt int, result string) {
	callAttempts.WithLabelValues(strconv.Itoa(attempt), result).Inc()
}

// RecordDispatchError records a per-patient dispatch error swallowed by the scheduler.
func RecordDispatchError() {
	dispatchErrors.Inc()
}

// RecordWebhookEvent records a call-ended webhook ("processed", "ignored", "error").
func RecordWebhookEvent(result string) {
	webhookEvents.WithLabelValues(result).Inc()
}

// RecordToolCall records one routed tool call.
func RecordToolCall(tool string, success bool) {
	toolCalls.WithLabelValues(tool, strconv.FormatBool(success)).Inc()
}

// RecordFanOutError records a failed analytics write for table.
func RecordFanOutError(table string) {
	fanOutErrors.WithLabelValues(table).Inc()
}

// RecordAnomalyCheck records an anomaly check by alert type; an empty alert is recorded as "none".
func RecordAnomalyCheck(alert string) {
	if alert == "" {
		alert = "none"
	}
	anomalyChecks.WithLabelValues(alert).Inc()
}

// RecordNotificationQueued records a caregiver notification entering the outbox.
func RecordNotificationQueued(priority string) {
	notificationsQueued.WithLabelValues(priority).Inc()
}
