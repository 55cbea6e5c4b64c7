package breakwater

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestRateLimitError(t *testing.T) {
	err := &RateLimitError{
		Key:        "caller:42",
		Limit:      60,
		Window:     time.Minute,
		RetryAfter: 1500 * time.Millisecond,
	}

	msg := err.Error()
	if !strings.Contains(msg, "caller:42") || !strings.Contains(msg, "retry after 1.5s") {
		t.Errorf("unexpected message: %s", msg)
	}

	if !errors.Is(err, ErrRateLimited) {
		t.Error("RateLimitError should match ErrRateLimited")
	}
	if errors.Is(err, ErrQueueFull) {
		t.Error("RateLimitError should not match ErrQueueFull")
	}
}

func TestQueueErrors(t *testing.T) {
	full := &QueueFullError{QueueSize: 2, MaxQueueSize: 2}
	if full.Error() != "breakwater: queue full (2/2 queued)" {
		t.Errorf("unexpected message: %s", full.Error())
	}
	if !errors.Is(full, ErrQueueFull) {
		t.Error("QueueFullError should match ErrQueueFull")
	}

	timeout := &QueueTimeoutError{WaitTime: 120 * time.Millisecond, Timeout: 100 * time.Millisecond}
	if !errors.Is(timeout, ErrQueueTimeout) {
		t.Error("QueueTimeoutError should match ErrQueueTimeout")
	}
	if !strings.Contains(timeout.Error(), "120ms") {
		t.Errorf("unexpected message: %s", timeout.Error())
	}

	cleared := &QueueClearedError{}
	if !errors.Is(cleared, ErrQueueCleared) {
		t.Error("QueueClearedError should match ErrQueueCleared")
	}
}

func TestTimeoutError(t *testing.T) {
	err := &TimeoutError{Limit: 5 * time.Second, Target: "GET /records"}
	if !strings.Contains(err.Error(), "GET /records") {
		t.Errorf("unexpected message: %s", err.Error())
	}
	if !errors.Is(err, ErrAttemptTimeout) {
		t.Error("TimeoutError should match ErrAttemptTimeout")
	}
	var netErr net.Error
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		t.Error("TimeoutError should satisfy net.Error timeout checks")
	}

	bare := &TimeoutError{Limit: time.Second}
	if !strings.Contains(bare.Error(), "attempt timed out") {
		t.Errorf("unexpected message: %s", bare.Error())
	}
}

func TestCircuitOpenError(t *testing.T) {
	openedAt := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	err := &CircuitOpenError{Name: "records-api", OpenedAt: openedAt}

	if !strings.Contains(err.Error(), "records-api") {
		t.Errorf("unexpected message: %s", err.Error())
	}
	if !errors.Is(err, ErrCircuitOpen) {
		t.Error("CircuitOpenError should match ErrCircuitOpen")
	}

	bare := &CircuitOpenError{}
	if bare.Error() != "breakwater: circuit open" {
		t.Errorf("unexpected message: %s", bare.Error())
	}
}

func TestRetryBudgetError(t *testing.T) {
	err := &RetryBudgetError{Budget: 10, Window: time.Minute}
	if !errors.Is(err, ErrRetryBudgetExceeded) {
		t.Error("RetryBudgetError should match ErrRetryBudgetExceeded")
	}
}

func TestHTTPStatusError(t *testing.T) {
	err := &HTTPStatusError{StatusCode: 503, Status: "503 Service Unavailable"}
	if !strings.Contains(err.Error(), "503 Service Unavailable") {
		t.Errorf("unexpected message: %s", err.Error())
	}

	if !errors.Is(err, &HTTPStatusError{StatusCode: 503}) {
		t.Error("should match same status code")
	}
	if errors.Is(err, &HTTPStatusError{StatusCode: 500}) {
		t.Error("should not match different status code")
	}
	if !errors.Is(err, &HTTPStatusError{}) {
		t.Error("zero status target should match any HTTPStatusError")
	}

	var statusErr *HTTPStatusError
	wrapped := fmt.Errorf("call failed: %w", err)
	if !errors.As(wrapped, &statusErr) || statusErr.StatusCode != 503 {
		t.Error("errors.As should find HTTPStatusError through wrapping")
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"rate limit", &RateLimitError{Key: "k", Limit: 1, Window: time.Second}, true},
		{"queue full", &QueueFullError{QueueSize: 1, MaxQueueSize: 1}, true},
		{"queue timeout", &QueueTimeoutError{WaitTime: time.Second, Timeout: time.Second}, true},
		{"queue cleared", &QueueClearedError{}, false},
		{"attempt timeout", &TimeoutError{Limit: time.Second}, true},
		{"circuit open", &CircuitOpenError{Name: "x"}, true},
		{"retry budget", &RetryBudgetError{Budget: 1, Window: time.Second}, true},
		{"status 500", &HTTPStatusError{StatusCode: 500}, true},
		{"status 503", &HTTPStatusError{StatusCode: 503}, true},
		{"status 429", &HTTPStatusError{StatusCode: http.StatusTooManyRequests}, true},
		{"status 404", &HTTPStatusError{StatusCode: 404}, false},
		{"status 400", &HTTPStatusError{StatusCode: 400}, false},
		{"plain error", errors.New("boom"), false},
		{"sentinel circuit open", ErrCircuitOpen, true},
		{"wrapped rate limited", fmt.Errorf("outer: %w", ErrRateLimited), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestErrorLabel(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "none"},
		{&RateLimitError{}, "rate_limited"},
		{&QueueFullError{}, "queue_full"},
		{&QueueTimeoutError{}, "queue_timeout"},
		{&QueueClearedError{}, "queue_cleared"},
		{&TimeoutError{}, "attempt_timeout"},
		{&CircuitOpenError{}, "circuit_open"},
		{&RetryBudgetError{}, "retry_budget"},
		{&HTTPStatusError{StatusCode: 500}, "http_status"},
		{errors.New("connection reset"), "transport"},
	}

	for _, tt := range tests {
		if got := errorLabel(tt.err); got != tt.want {
			t.Errorf("errorLabel(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}
