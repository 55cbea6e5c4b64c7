package breakwater

import (
	"context"
	"net/http"
	"testing"
	"time"
)

func TestDefaultCallerRateLimit(t *testing.T) {
	cfg := DefaultCallerRateLimit()
	if cfg.Limit != 60 {
		t.Errorf("Expected Limit=60, got %d", cfg.Limit)
	}
	if cfg.Window != time.Minute {
		t.Errorf("Expected Window=1m, got %v", cfg.Window)
	}
}

func TestDefaultGlobalRateLimit(t *testing.T) {
	cfg := DefaultGlobalRateLimit()
	if cfg.Limit != 5 {
		t.Errorf("Expected Limit=5, got %d", cfg.Limit)
	}
	if cfg.Window != time.Second {
		t.Errorf("Expected Window=1s, got %v", cfg.Window)
	}
}

func TestDefaultQueueConfig(t *testing.T) {
	cfg := DefaultQueueConfig()
	if cfg.MaxConcurrency != 5 {
		t.Errorf("Expected MaxConcurrency=5, got %d", cfg.MaxConcurrency)
	}
	if cfg.MaxQueueSize != 100 {
		t.Errorf("Expected MaxQueueSize=100, got %d", cfg.MaxQueueSize)
	}
	if cfg.QueueTimeout != 30*time.Second {
		t.Errorf("Expected QueueTimeout=30s, got %v", cfg.QueueTimeout)
	}
}

func TestDefaultRetryConfig(t *testing.T) {
	cfg := DefaultRetryConfig()
	if cfg.MaxRetries != 3 {
		t.Errorf("Expected MaxRetries=3, got %d", cfg.MaxRetries)
	}
	if cfg.InitialDelay != time.Second {
		t.Errorf("Expected InitialDelay=1s, got %v", cfg.InitialDelay)
	}
	if cfg.MaxDelay != 30*time.Second {
		t.Errorf("Expected MaxDelay=30s, got %v", cfg.MaxDelay)
	}
	if cfg.Multiplier != 2.0 {
		t.Errorf("Expected Multiplier=2.0, got %f", cfg.Multiplier)
	}
	if cfg.Jitter != 0.1 {
		t.Errorf("Expected Jitter=0.1, got %f", cfg.Jitter)
	}
}

func TestDefaultDeduplicationConfig(t *testing.T) {
	cfg := DefaultDeduplicationConfig()
	if cfg.TTL != 30*time.Second {
		t.Errorf("Expected TTL=30s, got %v", cfg.TTL)
	}
	if cfg.MaxPending != 1000 {
		t.Errorf("Expected MaxPending=1000, got %d", cfg.MaxPending)
	}
}

func TestDefaultIdempotencyConfig(t *testing.T) {
	cfg := DefaultIdempotencyConfig()
	if cfg.TTL != 5*time.Minute {
		t.Errorf("Expected TTL=5m, got %v", cfg.TTL)
	}
	if cfg.MaxKeys != 10000 {
		t.Errorf("Expected MaxKeys=10000, got %d", cfg.MaxKeys)
	}
}

func TestDefaultBreakerConfig(t *testing.T) {
	cfg := DefaultBreakerConfig()
	if cfg.FailureThreshold != 5 {
		t.Errorf("Expected FailureThreshold=5, got %d", cfg.FailureThreshold)
	}
	if cfg.ResetTimeout != 30*time.Second {
		t.Errorf("Expected ResetTimeout=30s, got %v", cfg.ResetTimeout)
	}
}

func TestIdempotencyKeyContext(t *testing.T) {
	ctx := context.Background()

	if _, ok := IdempotencyKeyFromContext(ctx); ok {
		t.Error("empty context should carry no idempotency key")
	}

	ctx = WithIdempotencyKey(ctx, "order-123")
	key, ok := IdempotencyKeyFromContext(ctx)
	if !ok || key != "order-123" {
		t.Errorf("Expected key 'order-123', got '%s' (ok=%v)", key, ok)
	}

	if _, ok := IdempotencyKeyFromContext(WithIdempotencyKey(context.Background(), "")); ok {
		t.Error("empty key should read back as absent")
	}
}

func TestWithoutDeduplication(t *testing.T) {
	ctx := context.Background()
	if deduplicationDisabled(ctx) {
		t.Error("plain context should not disable deduplication")
	}

	if !deduplicationDisabled(WithoutDeduplication(ctx)) {
		t.Error("WithoutDeduplication should disable deduplication")
	}
}

func TestRoundTripperFunc(t *testing.T) {
	called := false
	rt := RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
		called = true
		return &http.Response{StatusCode: http.StatusOK}, nil
	})

	req, _ := http.NewRequest(http.MethodGet, "https://example.com", nil)
	resp, err := rt.RoundTrip(req)
	if err != nil {
		t.Fatalf("RoundTrip error: %v", err)
	}
	if !called {
		t.Error("wrapped function was not called")
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
}
