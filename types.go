package breakwater

import (
	"context"
	"net/http"
	"time"
)

// Operation is a unit of work executed under the resilience pipeline. The
// context carries per-attempt cancellation; implementations must honor it.
type Operation func(ctx context.Context) (interface{}, error)

// RetryCondition determines whether a response/error pair should be retried
type RetryCondition func(resp *http.Response, err error) bool

// Middleware represents a middleware function
type Middleware func(req *http.Request, next RoundTripper) (*http.Response, error)

// RoundTripper represents the HTTP transport interface
type RoundTripper interface {
	RoundTrip(*http.Request) (*http.Response, error)
}

// RoundTripperFunc is a helper type for middleware
type RoundTripperFunc func(*http.Request) (*http.Response, error)

func (f RoundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// Option represents a configuration option
type Option func(*Client)

// RateLimitConfig holds sliding-window rate limiter configuration.
type RateLimitConfig struct {
	// Limit is the maximum number of events per key inside Window.
	Limit int
	// Window is the sliding window length.
	Window time.Duration
}

// DefaultCallerRateLimit is the generic per-caller policy: 60 calls per minute.
func DefaultCallerRateLimit() RateLimitConfig {
	return RateLimitConfig{Limit: 60, Window: time.Minute}
}

// DefaultGlobalRateLimit matches a typical downstream budget of 5 calls per second.
func DefaultGlobalRateLimit() RateLimitConfig {
	return RateLimitConfig{Limit: 5, Window: time.Second}
}

// QueueConfig holds concurrency queue configuration.
type QueueConfig struct {
	// MaxConcurrency bounds the number of tasks running at once.
	MaxConcurrency int
	// MaxQueueSize bounds the number of tasks waiting for a slot.
	MaxQueueSize int
	// QueueTimeout bounds how long a task may wait before it is rejected.
	QueueTimeout time.Duration
}

// DefaultQueueConfig returns the queue defaults.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		MaxConcurrency: 5,
		MaxQueueSize:   100,
		QueueTimeout:   30 * time.Second,
	}
}

// RetryConfig holds retry engine configuration.
type RetryConfig struct {
	// MaxRetries is the number of retries after the initial attempt.
	MaxRetries int
	// InitialDelay seeds the exponential backoff schedule.
	InitialDelay time.Duration
	// MaxDelay caps each computed delay, including Retry-After hints.
	MaxDelay time.Duration
	// Multiplier is the exponential growth factor, 2 when zero.
	Multiplier float64
	// Jitter scales each delay by a factor in [1-Jitter, 1+Jitter].
	Jitter float64
	// Timeout is the per-attempt timeout; 0 disables it.
	Timeout time.Duration
	// RetryableStatuses overrides the retryable HTTP status set when non-nil.
	RetryableStatuses []int
	// RetryableErrors overrides the transport error substrings when non-nil.
	RetryableErrors []string
}

// DefaultRetryConfig returns the retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
		Timeout:      30 * time.Second,
	}
}

// DeduplicationConfig holds in-flight coalescing configuration.
type DeduplicationConfig struct {
	// TTL bounds how long an unsettled entry stays live.
	TTL time.Duration
	// MaxPending caps live entries; the oldest is evicted beyond it.
	MaxPending int
}

// DefaultDeduplicationConfig returns the coalescer defaults.
func DefaultDeduplicationConfig() DeduplicationConfig {
	return DeduplicationConfig{
		TTL:        30 * time.Second,
		MaxPending: 1000,
	}
}

// IdempotencyConfig holds idempotency tracker configuration.
type IdempotencyConfig struct {
	// TTL bounds how long completed and failed entries are remembered.
	TTL time.Duration
	// MaxKeys caps tracked entries; the oldest 10% are evicted beyond it.
	MaxKeys int
}

// DefaultIdempotencyConfig returns the tracker defaults.
func DefaultIdempotencyConfig() IdempotencyConfig {
	return IdempotencyConfig{
		TTL:     5 * time.Minute,
		MaxKeys: 10000,
	}
}

// BreakerConfig holds circuit breaker configuration.
type BreakerConfig struct {
	// FailureThreshold is the consecutive failure count that opens the circuit.
	FailureThreshold int
	// ResetTimeout is how long the circuit stays open before a trial call.
	ResetTimeout time.Duration
}

// DefaultBreakerConfig returns the breaker defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
	}
}

// Context keys for per-request controls
type contextKey string

const (
	idempotencyKeyContextKey contextKey = "breakwater_idempotency_key"
	dedupDisabledContextKey  contextKey = "breakwater_dedup_disabled"
	callerIDContextKey       contextKey = "breakwater_caller_id"
)

// WithCallerID returns a context identifying the logical caller for
// per-caller rate limiting.
func WithCallerID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, callerIDContextKey, id)
}

// CallerIDFromContext returns the caller ID set by WithCallerID, if any.
func CallerIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(callerIDContextKey).(string)
	return id, ok && id != ""
}

// WithIdempotencyKey returns a context carrying a caller-chosen idempotency
// key for the next request issued with it.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKeyContextKey, key)
}

// IdempotencyKeyFromContext returns the caller-chosen idempotency key, if any.
func IdempotencyKeyFromContext(ctx context.Context) (string, bool) {
	key, ok := ctx.Value(idempotencyKeyContextKey).(string)
	return key, ok && key != ""
}

// WithoutDeduplication returns a context that exempts the request from
// in-flight coalescing.
func WithoutDeduplication(ctx context.Context) context.Context {
	return context.WithValue(ctx, dedupDisabledContextKey, true)
}

func deduplicationDisabled(ctx context.Context) bool {
	disabled, ok := ctx.Value(dedupDisabledContextKey).(bool)
	return ok && disabled
}
