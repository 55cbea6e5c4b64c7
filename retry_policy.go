package breakwater

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	internalbackoff "github.com/breakwater-go/breakwater/internal/backoff"
)

// RetryPolicy decides whether a response/error pair should be retried and
// how long to wait before the next attempt.
type RetryPolicy interface {
	// ShouldRetry returns the delay before the next attempt and whether to
	// retry at all. attempt is zero-based.
	ShouldRetry(resp *http.Response, err error, attempt int) (time.Duration, bool)
}

// BackoffStrategy selects the delay distribution used between retries.
type BackoffStrategy int

const (
	// ExponentialJitter is capped exponential growth with symmetric jitter.
	ExponentialJitter BackoffStrategy = iota
	// DecorrelatedJitter is AWS-style decorrelated jitter.
	DecorrelatedJitter
)

// DefaultRetryableStatuses is the HTTP status set retried by default.
func DefaultRetryableStatuses() []int {
	return []int{429, 500, 502, 503, 504}
}

// DefaultRetryableErrors is the transport error substring set retried by
// default. Matching is case-insensitive.
func DefaultRetryableErrors() []string {
	return []string{
		"connection reset",
		"connection refused",
		"broken pipe",
		"timed out",
		"timeout",
		"temporary failure in name resolution",
		"unexpected EOF",
	}
}

// DefaultRetryPolicy implements RetryPolicy with a configurable status set,
// transport error matching, and pluggable backoff strategy. It retries every
// HTTP method by default; unsafe operations are expected to be guarded by
// the idempotency tracker rather than suppressed here.
type DefaultRetryPolicy struct {
	maxRetries   int
	initialDelay time.Duration
	maxDelay     time.Duration
	multiplier   float64
	jitter       float64

	retryableStatuses map[int]bool
	retryableErrors   []string

	calculator *internalbackoff.Calculator

	// isIdempotent, when set, suppresses response-based retries for methods
	// it reports as non-idempotent.
	isIdempotent func(method string) bool
}

// NewDefaultRetryPolicy creates a policy from config with the exponential
// jitter strategy. Nil status/error sets fall back to the defaults; a zero
// Multiplier becomes 2.
func NewDefaultRetryPolicy(config RetryConfig) *DefaultRetryPolicy {
	return NewDefaultRetryPolicyWithStrategy(config, ExponentialJitter)
}

// NewDefaultRetryPolicyWithStrategy creates a policy with a specific backoff
// strategy.
func NewDefaultRetryPolicyWithStrategy(config RetryConfig, strategy BackoffStrategy) *DefaultRetryPolicy {
	statuses := config.RetryableStatuses
	if statuses == nil {
		statuses = DefaultRetryableStatuses()
	}
	statusSet := make(map[int]bool, len(statuses))
	for _, code := range statuses {
		statusSet[code] = true
	}

	substrings := config.RetryableErrors
	if substrings == nil {
		substrings = DefaultRetryableErrors()
	}

	multiplier := config.Multiplier
	if multiplier == 0 {
		multiplier = 2.0
	}

	policy := &DefaultRetryPolicy{
		maxRetries:        config.MaxRetries,
		initialDelay:      config.InitialDelay,
		maxDelay:          config.MaxDelay,
		multiplier:        multiplier,
		jitter:            config.Jitter,
		retryableStatuses: statusSet,
		retryableErrors:   substrings,
	}

	switch strategy {
	case DecorrelatedJitter:
		policy.calculator = internalbackoff.GetDecorrelatedJitterCalculator()
	default:
		policy.calculator = internalbackoff.GetExponentialJitterCalculator()
	}
	return policy
}

// SetIdempotencyCheck restricts response-based retries to methods fn reports
// as idempotent. Passing nil removes the restriction.
func (p *DefaultRetryPolicy) SetIdempotencyCheck(fn func(method string) bool) {
	p.isIdempotent = fn
}

// ShouldRetry implements the RetryPolicy interface.
func (p *DefaultRetryPolicy) ShouldRetry(resp *http.Response, err error, attempt int) (time.Duration, bool) {
	if attempt >= p.maxRetries {
		return 0, false
	}

	shouldRetry := false
	var delay time.Duration

	switch {
	case err != nil:
		// Parent-level cancellation is never retried; per-attempt timeouts
		// arrive as *TimeoutError and always are.
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return 0, false
		}
		if errors.Is(err, ErrAttemptTimeout) {
			shouldRetry = true
			break
		}

		var statusErr *HTTPStatusError
		if errors.As(err, &statusErr) {
			shouldRetry = p.retryableStatuses[statusErr.StatusCode]
			if shouldRetry && statusErr.Response != nil {
				delay = parseRetryAfter(statusErr.Response.Header.Get("Retry-After"))
			}
			break
		}

		shouldRetry = isRetryableTransportError(err, p.retryableErrors)

	case resp != nil:
		if p.isIdempotent != nil && resp.Request != nil && !p.isIdempotent(resp.Request.Method) {
			return 0, false
		}
		if p.retryableStatuses[resp.StatusCode] {
			shouldRetry = true
			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
				delay = parseRetryAfter(resp.Header.Get("Retry-After"))
			}
		}
	}

	if !shouldRetry {
		return 0, false
	}

	// Retry-After wins over computed backoff; both are capped at maxDelay.
	if delay <= 0 {
		delay = p.calculator.Calculate(attempt, p.initialDelay, p.maxDelay, p.multiplier, p.jitter)
	}
	if delay > p.maxDelay {
		delay = p.maxDelay
	}
	return delay, true
}

// DefaultIsIdempotent returns true for idempotent HTTP methods.
func DefaultIsIdempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete, http.MethodOptions:
		return true
	default:
		return false
	}
}

// parseRetryAfter parses a Retry-After header value as delay-seconds or an
// HTTP-date. Negative, zero, and unparsable values yield 0, meaning the hint
// is ignored.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
		if seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
		return 0
	}

	if t, err := http.ParseTime(value); err == nil {
		if delay := time.Until(t); delay > 0 {
			return delay
		}
	}

	return 0
}

// isRetryableTransportError classifies transport failures: network timeouts,
// connection-level syscall errors, and configured message substrings.
func isRetryableTransportError(err error, substrings []string) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ETIMEDOUT) ||
		errors.Is(err, syscall.ENETUNREACH) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, substr := range substrings {
		if strings.Contains(msg, strings.ToLower(substr)) {
			return true
		}
	}
	return false
}

// RetryBudget caps the total number of retries across all calls inside a
// rolling window, so a broad outage cannot multiply traffic.
type RetryBudget struct {
	maxRetries  int64
	perWindow   time.Duration
	current     int64
	windowStart int64
}

// NewRetryBudget creates a budget of maxRetries per window.
func NewRetryBudget(maxRetries int, perWindow time.Duration) *RetryBudget {
	return &RetryBudget{
		maxRetries:  int64(maxRetries),
		perWindow:   perWindow,
		windowStart: time.Now().UnixNano(),
	}
}

// Allow consumes one retry from the budget, resetting the window first when
// it has rolled over.
func (rb *RetryBudget) Allow() bool {
	now := time.Now().UnixNano()
	windowStart := atomic.LoadInt64(&rb.windowStart)

	if now-windowStart >= int64(rb.perWindow) {
		if atomic.CompareAndSwapInt64(&rb.windowStart, windowStart, now) {
			atomic.StoreInt64(&rb.current, 0)
		}
	}

	if atomic.LoadInt64(&rb.current) >= rb.maxRetries {
		return false
	}

	return atomic.AddInt64(&rb.current, 1) <= rb.maxRetries
}

// GetStats returns current retry budget statistics.
func (rb *RetryBudget) GetStats() (current, max int64, windowStart time.Time) {
	return atomic.LoadInt64(&rb.current),
		rb.maxRetries,
		time.Unix(0, atomic.LoadInt64(&rb.windowStart))
}

// Max returns the budget's retry cap per window.
func (rb *RetryBudget) Max() int {
	return int(rb.maxRetries)
}

// Window returns the budget's rolling window length.
func (rb *RetryBudget) Window() time.Duration {
	return rb.perWindow
}
