package breakwater

import (
	"bytes"
	"errors"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"
)

func failingCall() (interface{}, error) {
	return nil, errors.New("downstream unavailable")
}

func succeedingCall() (interface{}, error) {
	return "ok", nil
}

func TestCircuitBreakerPassesThroughWhileClosed(t *testing.T) {
	cb := NewCircuitBreaker("api", DefaultBreakerConfig())

	result, err := cb.Execute(succeedingCall)
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if result != "ok" {
		t.Errorf("result = %v, want ok", result)
	}

	wantErr := errors.New("boom")
	_, err = cb.Execute(func() (interface{}, error) { return nil, wantErr })
	if err != wantErr {
		t.Errorf("call error must pass through unchanged, got %v", err)
	}
}

func TestCircuitBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cb := NewCircuitBreaker("api", BreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})

	for i := 0; i < 3; i++ {
		cb.Execute(failingCall)
	}

	if state := cb.State(); state != gobreaker.StateOpen {
		t.Fatalf("State = %v after 3 consecutive failures, want open", state)
	}

	called := false
	_, err := cb.Execute(func() (interface{}, error) {
		called = true
		return nil, nil
	})

	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Expected ErrCircuitOpen, got %v", err)
	}
	var openErr *CircuitOpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("Expected *CircuitOpenError, got %T", err)
	}
	if openErr.Name != "api" {
		t.Errorf("Name = %q, want api", openErr.Name)
	}
	if openErr.OpenedAt.IsZero() {
		t.Error("OpenedAt should be set while open")
	}
	if called {
		t.Error("fn must not run while the circuit is open")
	}
}

func TestCircuitBreakerSuccessResetsFailureRun(t *testing.T) {
	cb := NewCircuitBreaker("api", BreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})

	cb.Execute(failingCall)
	cb.Execute(failingCall)
	cb.Execute(succeedingCall)
	cb.Execute(failingCall)
	cb.Execute(failingCall)

	if state := cb.State(); state != gobreaker.StateClosed {
		t.Errorf("State = %v, want closed; failures were not consecutive", state)
	}
	if got := cb.ConsecutiveFailures(); got != 2 {
		t.Errorf("ConsecutiveFailures = %d, want 2", got)
	}
}

func TestCircuitBreakerLazyHalfOpenAndRecovery(t *testing.T) {
	cb := NewCircuitBreaker("api", BreakerConfig{FailureThreshold: 1, ResetTimeout: 20 * time.Millisecond})

	cb.Execute(failingCall)
	if state := cb.State(); state != gobreaker.StateOpen {
		t.Fatalf("State = %v, want open", state)
	}

	time.Sleep(25 * time.Millisecond)

	// No timer fired; the transition happens on observation.
	if state := cb.State(); state != gobreaker.StateHalfOpen {
		t.Fatalf("State = %v after reset timeout, want half-open", state)
	}
	if cb.Health() != HealthDegraded {
		t.Errorf("Health = %v, want degraded while half-open", cb.Health())
	}

	if _, err := cb.Execute(succeedingCall); err != nil {
		t.Fatalf("trial call error: %v", err)
	}
	if state := cb.State(); state != gobreaker.StateClosed {
		t.Errorf("State = %v after successful trial, want closed", state)
	}
	if !cb.OpenedAt().IsZero() {
		t.Error("OpenedAt should reset once the circuit closes")
	}
}

func TestCircuitBreakerFailedTrialReopens(t *testing.T) {
	cb := NewCircuitBreaker("api", BreakerConfig{FailureThreshold: 1, ResetTimeout: 20 * time.Millisecond})

	cb.Execute(failingCall)
	time.Sleep(25 * time.Millisecond)

	cb.Execute(failingCall)

	if state := cb.State(); state != gobreaker.StateOpen {
		t.Errorf("State = %v after failed trial, want open", state)
	}
}

func TestCircuitBreakerHalfOpenSingleTrial(t *testing.T) {
	cb := NewCircuitBreaker("api", BreakerConfig{FailureThreshold: 1, ResetTimeout: 10 * time.Millisecond})

	cb.Execute(failingCall)
	time.Sleep(15 * time.Millisecond)

	gate := make(chan struct{})
	started := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		cb.Execute(func() (interface{}, error) {
			close(started)
			<-gate
			return nil, nil
		})
	}()
	<-started

	// The single half-open slot is taken; a second call is rejected.
	_, err := cb.Execute(succeedingCall)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Expected ErrCircuitOpen for the second trial, got %v", err)
	}

	close(gate)
	wg.Wait()
}

func TestCircuitBreakerHealthMapping(t *testing.T) {
	cb := NewCircuitBreaker("api", BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute})

	if cb.Health() != HealthHealthy {
		t.Errorf("Health = %v while closed, want healthy", cb.Health())
	}

	cb.Execute(failingCall)
	if cb.Health() != HealthUnhealthy {
		t.Errorf("Health = %v while open, want unhealthy", cb.Health())
	}
}

func TestCircuitBreakerLogsStateChanges(t *testing.T) {
	cb := NewCircuitBreaker("api", BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute})

	var buf bytes.Buffer
	cb.SetLogger(&SimpleLogger{logger: log.New(&buf, "", 0)})

	cb.Execute(failingCall)

	logged := buf.String()
	if !strings.Contains(logged, "circuit breaker state changed") {
		t.Errorf("expected a state change log, got %q", logged)
	}
	if !strings.Contains(logged, "to=open") {
		t.Errorf("expected the new state in the log, got %q", logged)
	}
}

func TestBreakerRegistryGetCreatesOnce(t *testing.T) {
	r := NewBreakerRegistry(DefaultBreakerConfig())

	a := r.Get("storage")
	b := r.Get("storage")
	c := r.Get("search")

	if a != b {
		t.Error("Get must return the same breaker for the same name")
	}
	if a == c {
		t.Error("different names must get different breakers")
	}

	names := r.Names()
	if len(names) != 2 || names[0] != "search" || names[1] != "storage" {
		t.Errorf("Names = %v, want [search storage]", names)
	}
}

func TestBreakerRegistryReset(t *testing.T) {
	r := NewBreakerRegistry(BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute})

	before := r.Get("api")
	before.Execute(failingCall)
	if before.State() != gobreaker.StateOpen {
		t.Fatal("breaker should be open")
	}

	r.Reset()

	after := r.Get("api")
	if after == before {
		t.Error("Reset must drop existing breakers")
	}
	if after.State() != gobreaker.StateClosed {
		t.Errorf("fresh breaker State = %v, want closed", after.State())
	}
}

func TestBreakerRegistrySnapshot(t *testing.T) {
	r := NewBreakerRegistry(BreakerConfig{FailureThreshold: 5, ResetTimeout: time.Minute})

	r.Get("healthy-dep").Execute(succeedingCall)

	flaky := r.Get("flaky-dep")
	flaky.Execute(failingCall)
	flaky.Execute(failingCall)

	bad := r.Get("bad-dep")
	for i := 0; i < 5; i++ {
		bad.Execute(failingCall)
	}

	snapshot := r.Snapshot()
	if len(snapshot) != 3 {
		t.Fatalf("Snapshot has %d entries, want 3", len(snapshot))
	}

	if dep := snapshot["healthy-dep"]; dep.Status != HealthHealthy || dep.State != "closed" {
		t.Errorf("healthy-dep = %+v, want healthy/closed", dep)
	}

	// A failure run below the threshold is visible while still closed.
	if dep := snapshot["flaky-dep"]; dep.ConsecutiveFailures != 2 || dep.Status != HealthHealthy {
		t.Errorf("flaky-dep = %+v, want healthy/closed with 2 consecutive failures", dep)
	}

	dep := snapshot["bad-dep"]
	if dep.Status != HealthUnhealthy || dep.State != "open" {
		t.Errorf("bad-dep = %+v, want unhealthy/open", dep)
	}
	if dep.OpenedAt.IsZero() {
		t.Error("OpenedAt should be recorded for an open breaker")
	}
}

func BenchmarkCircuitBreakerExecute(b *testing.B) {
	cb := NewCircuitBreaker("bench", DefaultBreakerConfig())

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		cb.Execute(succeedingCall)
	}
}
