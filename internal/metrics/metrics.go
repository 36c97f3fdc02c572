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
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medreminder_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "medreminder_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 5},
		},
		[]string{"method", "route"},
	)

	dispatchResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medreminder_dispatch_results_total",
			Help: "Queue entries dispatched by result and notification type",
		},
		[]string{"result", "type"},
	)

	pushDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medreminder_push_deliveries_total",
			Help: "Per-subscription push attempts by outcome",
		},
		[]string{"outcome"},
	)

	pushDeliveryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "medreminder_push_delivery_duration_seconds",
			Help:    "Time spent in a single push delivery",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10},
		},
	)

	subscriptionsPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "medreminder_subscriptions_pruned_total",
			Help: "Subscriptions deleted after the push service reported them gone",
		},
	)

	queueAdvanced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medreminder_queue_advanced_total",
			Help: "Queue advancement attempts by outcome",
		},
		[]string{"outcome"},
	)

	queueExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "medreminder_queue_expired_total",
			Help: "Pending entries closed after their send window passed",
		},
	)

	schedulerRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medreminder_scheduler_runs_total",
			Help: "Scheduler invocations by outcome",
		},
		[]string{"outcome"},
	)

	schedulerRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "medreminder_scheduler_run_duration_seconds",
			Help:    "Wall time of a scheduler invocation",
			Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60},
		},
	)

	stockAdjustments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medreminder_stock_adjustments_total",
			Help: "Stock ledger rows written by source",
		},
		[]string{"source"},
	)

	circuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "medreminder_circuit_breaker_state",
			Help: "Push host circuit state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"host"},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "medreminder_idempotency_hits_total",
			Help: "Requests served from idempotency cache",
		},
	)

	rateLimitRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "medreminder_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordDispatch counts one dispatched queue entry.
func RecordDispatch(result, notificationType string) {
	dispatchResults.WithLabelValues(result, notificationType).Inc()
}

// RecordPushDelivery counts one per-subscription attempt.
func RecordPushDelivery(outcome string, duration time.Duration) {
	pushDeliveries.WithLabelValues(outcome).Inc()
	pushDeliveryDuration.Observe(duration.Seconds())
}

func RecordSubscriptionPruned() {
	subscriptionsPruned.Inc()
}

// RecordAdvance counts an advancement attempt: "enqueued", "duplicate",
// "terminal" or "failed".
func RecordAdvance(outcome string) {
	queueAdvanced.WithLabelValues(outcome).Inc()
}

func RecordExpired(n int) {
	queueExpired.Add(float64(n))
}

// RecordSchedulerRun records one invocation.
func RecordSchedulerRun(outcome string, duration time.Duration) {
	schedulerRuns.WithLabelValues(outcome).Inc()
	schedulerRunDuration.Observe(duration.Seconds())
}

func RecordStockAdjustment(source string) {
	stockAdjustments.WithLabelValues(source).Inc()
}

func SetCircuitBreakerState(host string, state int) {
	circuitBreakerState.WithLabelValues(host).Set(float64(state))
}

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection() {
	rateLimitRejections.Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware records request metrics labelled by the matched chi route
// pattern, so path parameters do not explode label cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		RecordRequest(r.Method, route, wrapped.status, time.Since(start))
	})
}
