package breakwater

import (
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"
)

// MetricsCollector provides Prometheus metrics for the request lifecycle and
// every resilience layer. It is safe for concurrent use, and all Record
// methods are nil-receiver safe so instrumentation can stay unconditional at
// call sites.
type MetricsCollector struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	requestsInFlight *prometheus.GaugeVec

	retriesTotal        *prometheus.CounterVec
	retryBudgetExceeded *prometheus.CounterVec

	rateLimitedTotal     *prometheus.CounterVec
	rateLimiterRemaining *prometheus.GaugeVec

	queueRunning  *prometheus.GaugeVec
	queueDepth    *prometheus.GaugeVec
	queueOutcomes *prometheus.CounterVec

	deduplicationHits *prometheus.CounterVec

	idempotencyHits    *prometheus.CounterVec
	idempotencyReplays *prometheus.CounterVec

	circuitBreakerState *prometheus.GaugeVec

	errorsTotal *prometheus.CounterVec

	registry prometheus.Registerer
}

// NewMetricsCollector creates a metrics collector on the default registerer.
func NewMetricsCollector() *MetricsCollector {
	return NewMetricsCollectorWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsCollectorWithRegistry creates a collector using the supplied
// registerer, so callers can isolate metrics per client or per test.
func NewMetricsCollectorWithRegistry(registry prometheus.Registerer) *MetricsCollector {
	return &MetricsCollector{
		requestsTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "breakwater_requests_total",
				Help: "Total number of requests executed through the pipeline",
			},
			[]string{"method", "status_code", "endpoint"},
		),
		requestDuration: promauto.With(registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "breakwater_request_duration_seconds",
				Help:    "Duration of requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "status_code", "endpoint"},
		),
		requestsInFlight: promauto.With(registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "breakwater_requests_in_flight",
				Help: "Number of requests currently in flight",
			},
			[]string{"method", "endpoint"},
		),
		retriesTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "breakwater_retries_total",
				Help: "Total number of retry attempts",
			},
			[]string{"method", "endpoint", "attempt"},
		),
		retryBudgetExceeded: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "breakwater_retry_budget_exceeded_total",
				Help: "Total number of times the retry budget was exceeded",
			},
			[]string{"host"},
		),
		rateLimitedTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "breakwater_rate_limited_total",
				Help: "Total number of requests rejected by a rate limiter",
			},
			[]string{"limiter"},
		),
		rateLimiterRemaining: promauto.With(registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "breakwater_rate_limiter_remaining",
				Help: "Remaining capacity in the rate limiter window",
			},
			[]string{"limiter"},
		),
		queueRunning: promauto.With(registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "breakwater_queue_running",
				Help: "Number of operations currently running through the queue",
			},
			[]string{"queue"},
		),
		queueDepth: promauto.With(registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "breakwater_queue_depth",
				Help: "Number of operations waiting in the queue",
			},
			[]string{"queue"},
		),
		queueOutcomes: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "breakwater_queue_outcomes_total",
				Help: "Total queued operations by final outcome",
			},
			[]string{"queue", "outcome"},
		),
		deduplicationHits: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "breakwater_deduplication_hits_total",
				Help: "Total number of requests coalesced onto an in-flight call",
			},
			[]string{"method", "endpoint"},
		),
		idempotencyHits: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "breakwater_idempotency_hits_total",
				Help: "Total number of idempotency key lookups that found a live entry",
			},
			[]string{"operation"},
		),
		idempotencyReplays: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "breakwater_idempotency_replays_total",
				Help: "Total number of completed results served from the idempotency tracker",
			},
			[]string{"operation"},
		),
		circuitBreakerState: promauto.With(registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "breakwater_circuit_breaker_state",
				Help: "Current state of circuit breaker (0=closed, 1=open, 2=half-open)",
			},
			[]string{"name"},
		),
		errorsTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "breakwater_errors_total",
				Help: "Total number of errors encountered",
			},
			[]string{"type", "method", "endpoint"},
		),
		registry: registry,
	}
}

// RecordRequest records request count and duration.
func (mc *MetricsCollector) RecordRequest(method, endpoint string, statusCode int, duration time.Duration) {
	if mc == nil {
		return
	}

	statusCodeStr := strconv.Itoa(statusCode)
	mc.requestsTotal.WithLabelValues(method, statusCodeStr, endpoint).Inc()
	mc.requestDuration.WithLabelValues(method, statusCodeStr, endpoint).Observe(duration.Seconds())
}

// RecordRequestStart increments the in-flight gauge.
func (mc *MetricsCollector) RecordRequestStart(method, endpoint string) {
	if mc == nil {
		return
	}

	mc.requestsInFlight.WithLabelValues(method, endpoint).Inc()
}

// RecordRequestEnd decrements the in-flight gauge.
func (mc *MetricsCollector) RecordRequestEnd(method, endpoint string) {
	if mc == nil {
		return
	}

	mc.requestsInFlight.WithLabelValues(method, endpoint).Dec()
}

// RecordRetry increments the retry counter for an attempt.
func (mc *MetricsCollector) RecordRetry(method, endpoint string, attempt int) {
	if mc == nil {
		return
	}

	mc.retriesTotal.WithLabelValues(method, endpoint, strconv.Itoa(attempt)).Inc()
}

// RecordRetryBudgetExceeded increments the retry budget exceeded counter.
func (mc *MetricsCollector) RecordRetryBudgetExceeded(endpoint string) {
	if mc == nil {
		return
	}

	// The label carries only the host portion to bound cardinality.
	host := endpoint
	if idx := strings.Index(endpoint, "/"); idx != -1 {
		host = endpoint[:idx]
	}

	mc.retryBudgetExceeded.WithLabelValues(host).Inc()
}

// RecordRateLimited increments the rate limited rejection counter.
func (mc *MetricsCollector) RecordRateLimited(limiter string) {
	if mc == nil {
		return
	}

	mc.rateLimitedTotal.WithLabelValues(limiter).Inc()
}

// RecordRateLimiterRemaining sets the remaining window capacity gauge.
func (mc *MetricsCollector) RecordRateLimiterRemaining(limiter string, remaining int) {
	if mc == nil {
		return
	}

	mc.rateLimiterRemaining.WithLabelValues(limiter).Set(float64(remaining))
}

// RecordQueueDepth sets the running and waiting gauges for a queue.
func (mc *MetricsCollector) RecordQueueDepth(queue string, running, queued int) {
	if mc == nil {
		return
	}

	mc.queueRunning.WithLabelValues(queue).Set(float64(running))
	mc.queueDepth.WithLabelValues(queue).Set(float64(queued))
}

// RecordQueueOutcome increments the outcome counter for a queued operation.
// Outcome is one of "completed", "rejected", or "timed_out".
func (mc *MetricsCollector) RecordQueueOutcome(queue, outcome string) {
	if mc == nil {
		return
	}

	mc.queueOutcomes.WithLabelValues(queue, outcome).Inc()
}

// RecordDeduplicationHit increments the dedup hit counter.
func (mc *MetricsCollector) RecordDeduplicationHit(method, endpoint string) {
	if mc == nil {
		return
	}

	mc.deduplicationHits.WithLabelValues(method, endpoint).Inc()
}

// RecordIdempotencyHit increments the idempotency hit counter.
func (mc *MetricsCollector) RecordIdempotencyHit(operation string) {
	if mc == nil {
		return
	}

	mc.idempotencyHits.WithLabelValues(operation).Inc()
}

// RecordIdempotencyReplay increments the idempotency replay counter.
func (mc *MetricsCollector) RecordIdempotencyReplay(operation string) {
	if mc == nil {
		return
	}

	mc.idempotencyReplays.WithLabelValues(operation).Inc()
}

// RecordCircuitBreakerState sets the gauge for a breaker's current state.
func (mc *MetricsCollector) RecordCircuitBreakerState(name string, state gobreaker.State) {
	if mc == nil {
		return
	}

	var stateValue float64
	switch state {
	case gobreaker.StateClosed:
		stateValue = 0
	case gobreaker.StateOpen:
		stateValue = 1
	case gobreaker.StateHalfOpen:
		stateValue = 2
	}

	mc.circuitBreakerState.WithLabelValues(name).Set(stateValue)
}

// RecordError increments the error counter by type.
func (mc *MetricsCollector) RecordError(errorType, method, endpoint string) {
	if mc == nil {
		return
	}

	mc.errorsTotal.WithLabelValues(errorType, method, endpoint).Inc()
}

// GetRegistry exposes the underlying prometheus registry when the collector
// was built on one, for serving via promhttp.HandlerFor. Returns nil when the
// registerer is not a *prometheus.Registry.
func (mc *MetricsCollector) GetRegistry() *prometheus.Registry {
	if mc == nil {
		return nil
	}

	if reg, ok := mc.registry.(*prometheus.Registry); ok {
		return reg
	}
	return nil
}
