package breakwater

import (
	"net/http"
	"testing"
	"time"
)

func TestWithBackoffStrategy(t *testing.T) {
	tests := []struct {
		name     string
		strategy BackoffStrategy
	}{
		{"ExponentialJitter", ExponentialJitter},
		{"DecorrelatedJitter", DecorrelatedJitter},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := New(WithBackoffStrategy(tt.strategy))
			if client.backoffStrategy != tt.strategy {
				t.Errorf("WithBackoffStrategy() = %v, want %v", client.backoffStrategy, tt.strategy)
			}
		})
	}
}

func TestPolicyExponentialJitterSchedule(t *testing.T) {
	policy := NewDefaultRetryPolicyWithStrategy(RetryConfig{
		MaxRetries:   20,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       0, // No jitter for predictable testing
	}, ExponentialJitter)

	tests := []struct {
		name     string
		attempt  int
		expected time.Duration
	}{
		{"attempt 0", 0, 100 * time.Millisecond},
		{"attempt 1", 1, 200 * time.Millisecond},
		{"attempt 2", 2, 400 * time.Millisecond},
		{"attempt 10 (hits max)", 10, 5 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := policy.calculator.Calculate(tt.attempt, policy.initialDelay, policy.maxDelay, policy.multiplier, policy.jitter)
			if got != tt.expected {
				t.Errorf("Calculate(%d) = %v, want %v", tt.attempt, got, tt.expected)
			}
		})
	}
}

func TestPolicyDecorrelatedJitterBounds(t *testing.T) {
	policy := NewDefaultRetryPolicyWithStrategy(RetryConfig{
		MaxRetries:   20,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
	}, DecorrelatedJitter)

	tests := []struct {
		name string
		att  int
		min  time.Duration
		max  time.Duration
	}{
		{"attempt 0", 0, 100 * time.Millisecond, 100 * time.Millisecond},
		{"attempt 1", 1, 100 * time.Millisecond, 300 * time.Millisecond},
		{"attempt 2", 2, 100 * time.Millisecond, 900 * time.Millisecond},
		{"attempt 5 (hits max)", 5, 100 * time.Millisecond, 5 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < 200; i++ {
				got := policy.calculator.Calculate(tt.att, policy.initialDelay, policy.maxDelay, policy.multiplier, policy.jitter)
				if got < tt.min || got > tt.max {
					t.Fatalf("Calculate(%d) = %v, want within [%v, %v]", tt.att, got, tt.min, tt.max)
				}
			}
		})
	}
}

func TestShouldRetryUsesConfiguredStrategy(t *testing.T) {
	resp := &http.Response{
		StatusCode: http.StatusServiceUnavailable,
		Request:    &http.Request{Method: http.MethodGet},
		Header:     http.Header{},
	}

	exponential := NewDefaultRetryPolicyWithStrategy(RetryConfig{
		MaxRetries:   3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       0,
	}, ExponentialJitter)

	delay, shouldRetry := exponential.ShouldRetry(resp, nil, 0)
	if !shouldRetry {
		t.Fatal("Expected a retry for 503")
	}
	if delay != 100*time.Millisecond {
		t.Errorf("Expected the deterministic initial delay, got %v", delay)
	}

	decorrelated := NewDefaultRetryPolicyWithStrategy(RetryConfig{
		MaxRetries:   3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
	}, DecorrelatedJitter)

	delay, shouldRetry = decorrelated.ShouldRetry(resp, nil, 1)
	if !shouldRetry {
		t.Fatal("Expected a retry for 503")
	}
	if delay < 100*time.Millisecond || delay > 300*time.Millisecond {
		t.Errorf("Expected a decorrelated delay within [100ms, 300ms], got %v", delay)
	}
}

func TestExponentialJitterVarianceProfile(t *testing.T) {
	policy := NewDefaultRetryPolicyWithStrategy(RetryConfig{
		MaxRetries:   20,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.5,
	}, ExponentialJitter)

	// Base for attempt 1 is 400ms; jitter 0.5 keeps samples in [200ms, 600ms].
	min := 200 * time.Millisecond
	max := 600 * time.Millisecond

	var low, high time.Duration
	for i := 0; i < 50; i++ {
		got := policy.calculator.Calculate(1, policy.initialDelay, policy.maxDelay, policy.multiplier, policy.jitter)
		if got < min || got > max {
			t.Fatalf("Calculate(1) = %v, want within [%v, %v]", got, min, max)
		}
		if low == 0 || got < low {
			low = got
		}
		if got > high {
			high = got
		}
	}

	if low == high {
		t.Error("Expected jittered delays to vary across samples")
	}
}
