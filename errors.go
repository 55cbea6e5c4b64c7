package breakwater

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Sentinel errors for common failure scenarios
var (
	// ErrCircuitOpen is returned when the circuit breaker is in open state
	ErrCircuitOpen = errors.New("breakwater: circuit open")

	// ErrRateLimited is returned when a call is denied due to rate limiting
	ErrRateLimited = errors.New("breakwater: rate limited")

	// ErrQueueFull is returned when the concurrency queue is at capacity
	ErrQueueFull = errors.New("breakwater: queue full")

	// ErrQueueTimeout is returned when a task waits in the queue longer than the queue timeout
	ErrQueueTimeout = errors.New("breakwater: queue timeout")

	// ErrQueueCleared is returned to queued tasks rejected by Clear
	ErrQueueCleared = errors.New("breakwater: queue cleared")

	// ErrAttemptTimeout is returned when a single attempt exceeds its per-attempt timeout
	ErrAttemptTimeout = errors.New("breakwater: attempt timeout")

	// ErrRetryBudgetExceeded is returned when the retry budget is exhausted
	ErrRetryBudgetExceeded = errors.New("breakwater: retry budget exceeded")

	// ErrInvalidConfig is returned when client configuration validation fails
	ErrInvalidConfig = errors.New("breakwater: invalid configuration")
)

// RateLimitError reports a rate limiter rejection. RetryAfter is the time
// until the oldest event in the key's window expires, so a caller that waits
// exactly that long is admitted.
type RateLimitError struct {
	Key        string
	Limit      int
	Window     time.Duration
	RetryAfter time.Duration
}

// Error implements error interface.
func (e *RateLimitError) Error() string {
	return fmt.Sprintf("breakwater: rate limit exceeded for %q (%d per %v), retry after %v",
		e.Key, e.Limit, e.Window, e.RetryAfter)
}

// Is reports equivalence to the ErrRateLimited sentinel.
func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// QueueFullError reports an immediate rejection because the wait queue was
// at capacity when the task arrived.
type QueueFullError struct {
	QueueSize    int
	MaxQueueSize int
}

// Error implements error interface.
func (e *QueueFullError) Error() string {
	return fmt.Sprintf("breakwater: queue full (%d/%d queued)", e.QueueSize, e.MaxQueueSize)
}

// Is reports equivalence to the ErrQueueFull sentinel.
func (e *QueueFullError) Is(target error) bool {
	return target == ErrQueueFull
}

// QueueTimeoutError reports that a task waited in the queue longer than the
// configured queue timeout and was rejected without running.
type QueueTimeoutError struct {
	WaitTime time.Duration
	Timeout  time.Duration
}

// Error implements error interface.
func (e *QueueTimeoutError) Error() string {
	return fmt.Sprintf("breakwater: timed out after %v waiting for queue slot (limit %v)", e.WaitTime, e.Timeout)
}

// Is reports equivalence to the ErrQueueTimeout sentinel.
func (e *QueueTimeoutError) Is(target error) bool {
	return target == ErrQueueTimeout
}

// QueueClearedError reports that a queued task was rejected by Clear before
// it was admitted. Running tasks are never affected by Clear.
type QueueClearedError struct{}

// Error implements error interface.
func (e *QueueClearedError) Error() string {
	return "breakwater: queue cleared while waiting"
}

// Is reports equivalence to the ErrQueueCleared sentinel.
func (e *QueueClearedError) Is(target error) bool {
	return target == ErrQueueCleared
}

// TimeoutError reports that a single attempt exceeded its per-attempt
// timeout. Attempt timeouts are always retryable.
type TimeoutError struct {
	Limit  time.Duration
	Target string
}

// Error implements error interface.
func (e *TimeoutError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("breakwater: %s timed out after %v", e.Target, e.Limit)
	}
	return fmt.Sprintf("breakwater: attempt timed out after %v", e.Limit)
}

// Is reports equivalence to the ErrAttemptTimeout sentinel.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrAttemptTimeout
}

// Timeout implements net.Error.
func (e *TimeoutError) Timeout() bool { return true }

// Temporary implements net.Error.
func (e *TimeoutError) Temporary() bool { return true }

// CircuitOpenError reports a call rejected because the named dependency's
// circuit is open. OpenedAt is when the breaker tripped.
type CircuitOpenError struct {
	Name     string
	OpenedAt time.Time
}

// Error implements error interface.
func (e *CircuitOpenError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("breakwater: circuit open for %q since %s", e.Name, e.OpenedAt.Format(time.RFC3339))
	}
	return "breakwater: circuit open"
}

// Is reports equivalence to the ErrCircuitOpen sentinel.
func (e *CircuitOpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// RetryBudgetError reports that the windowed retry budget was exhausted
// before the attempt could be retried.
type RetryBudgetError struct {
	Budget int
	Window time.Duration
}

// Error implements error interface.
func (e *RetryBudgetError) Error() string {
	return fmt.Sprintf("breakwater: retry budget of %d per %v exhausted", e.Budget, e.Window)
}

// Is reports equivalence to the ErrRetryBudgetExceeded sentinel.
func (e *RetryBudgetError) Is(target error) bool {
	return target == ErrRetryBudgetExceeded
}

// HTTPStatusError carries a response whose status the retry policy classed
// as a failure. The response is preserved so exhausted retries can surface
// it unchanged to the caller.
type HTTPStatusError struct {
	StatusCode int
	Status     string
	Response   *http.Response
}

// Error implements error interface.
func (e *HTTPStatusError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("breakwater: server returned %s", e.Status)
	}
	return fmt.Sprintf("breakwater: server returned status %d", e.StatusCode)
}

// Is matches another *HTTPStatusError with the same status code.
func (e *HTTPStatusError) Is(target error) bool {
	t, ok := target.(*HTTPStatusError)
	if !ok {
		return false
	}
	return t.StatusCode == 0 || t.StatusCode == e.StatusCode
}

// IsTransient determines if an error represents a transient failure that might
// succeed on a later retry. Returns true for rate limiting, queue pressure,
// attempt timeouts, open circuits, network timeouts, and retryable HTTP
// statuses (429 and 5xx). Returns false for other 4xx statuses, queue clears,
// and configuration errors.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrQueueFull) ||
		errors.Is(err, ErrQueueTimeout) ||
		errors.Is(err, ErrAttemptTimeout) ||
		errors.Is(err, ErrCircuitOpen) ||
		errors.Is(err, ErrRetryBudgetExceeded) {
		return true
	}

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == http.StatusTooManyRequests || statusErr.StatusCode >= 500
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return false
}

// errorLabel maps an error to the metrics label used for error counters.
func errorLabel(err error) string {
	if err == nil {
		return "none"
	}

	switch {
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrQueueFull):
		return "queue_full"
	case errors.Is(err, ErrQueueTimeout):
		return "queue_timeout"
	case errors.Is(err, ErrQueueCleared):
		return "queue_cleared"
	case errors.Is(err, ErrAttemptTimeout):
		return "attempt_timeout"
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, ErrRetryBudgetExceeded):
		return "retry_budget"
	}

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return "http_status"
	}
	return "transport"
}
