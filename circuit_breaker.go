package breakwater

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// CircuitBreaker guards one downstream dependency. It opens after a run of
// consecutive failures, stays open for the reset timeout, then admits a
// single trial call; the trial's outcome closes or reopens the circuit. The
// open-to-half-open transition is evaluated lazily on access, so no timer
// runs between calls.
type CircuitBreaker struct {
	name    string
	breaker *gobreaker.CircuitBreaker

	mu       sync.Mutex
	openedAt time.Time
	logger   Logger
}

// NewCircuitBreaker creates a breaker for the named dependency. Non-positive
// config values fall back to the defaults.
func NewCircuitBreaker(name string, config BreakerConfig) *CircuitBreaker {
	defaults := DefaultBreakerConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = defaults.ResetTimeout
	}

	cb := &CircuitBreaker{name: name}

	cb.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     config.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(config.FailureThreshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			cb.onStateChange(from, to)
		},
	})
	return cb
}

// SetLogger attaches a logger for state change reports. A nil logger
// silences them.
func (cb *CircuitBreaker) SetLogger(logger Logger) {
	cb.mu.Lock()
	cb.logger = logger
	cb.mu.Unlock()
}

func (cb *CircuitBreaker) onStateChange(from, to gobreaker.State) {
	cb.mu.Lock()
	if to == gobreaker.StateOpen {
		cb.openedAt = time.Now()
	} else if to == gobreaker.StateClosed {
		cb.openedAt = time.Time{}
	}
	logger := cb.logger
	cb.mu.Unlock()

	if logger != nil {
		logger.Warn("circuit breaker state changed",
			"name", cb.name, "from", from.String(), "to", to.String())
	}
}

// Execute runs fn under the breaker. A rejected call, whether the circuit
// is open or the half-open trial slot is taken, returns *CircuitOpenError;
// fn's own result and error pass through untouched.
func (cb *CircuitBreaker) Execute(fn func() (interface{}, error)) (interface{}, error) {
	result, err := cb.breaker.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, &CircuitOpenError{Name: cb.name, OpenedAt: cb.OpenedAt()}
	}
	return result, err
}

// Name returns the dependency name this breaker guards.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// State returns the current circuit state, transitioning open circuits to
// half-open when the reset timeout has passed.
func (cb *CircuitBreaker) State() gobreaker.State {
	return cb.breaker.State()
}

// Counts returns the breaker's rolling counts.
func (cb *CircuitBreaker) Counts() gobreaker.Counts {
	return cb.breaker.Counts()
}

// ConsecutiveFailures returns the current consecutive failure count.
func (cb *CircuitBreaker) ConsecutiveFailures() uint32 {
	return cb.breaker.Counts().ConsecutiveFailures
}

// OpenedAt returns when the circuit last opened, zero if it never has or
// has closed since.
func (cb *CircuitBreaker) OpenedAt() time.Time {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.openedAt
}

// Health maps the circuit state to a health status: closed is healthy,
// half-open is degraded, open is unhealthy.
func (cb *CircuitBreaker) Health() HealthStatus {
	switch cb.State() {
	case gobreaker.StateOpen:
		return HealthUnhealthy
	case gobreaker.StateHalfOpen:
		return HealthDegraded
	default:
		return HealthHealthy
	}
}

// BreakerRegistry holds one breaker per dependency name, created on first
// use with the registry's config. Registries are constructible so tests can
// isolate breaker state instead of sharing a process-wide default.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	config   BreakerConfig
	logger   Logger
}

// NewBreakerRegistry creates an empty registry whose breakers use config.
func NewBreakerRegistry(config BreakerConfig) *BreakerRegistry {
	return &BreakerRegistry{
		breakers: make(map[string]*CircuitBreaker),
		config:   config,
	}
}

// SetLogger attaches a logger to the registry and to every breaker it has
// created or will create.
func (r *BreakerRegistry) SetLogger(logger Logger) {
	r.mu.Lock()
	r.logger = logger
	for _, cb := range r.breakers {
		cb.SetLogger(logger)
	}
	r.mu.Unlock()
}

// Get returns the breaker for name, creating it on first use.
func (r *BreakerRegistry) Get(name string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	cb := NewCircuitBreaker(name, r.config)
	if r.logger != nil {
		cb.SetLogger(r.logger)
	}
	r.breakers[name] = cb
	return cb
}

// Names returns the registered dependency names, sorted.
func (r *BreakerRegistry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Reset drops all breakers, so each dependency starts fresh on next use.
func (r *BreakerRegistry) Reset() {
	r.mu.Lock()
	r.breakers = make(map[string]*CircuitBreaker)
	r.mu.Unlock()
}

// Snapshot reports the health of every registered breaker, keyed by name.
func (r *BreakerRegistry) Snapshot() map[string]DependencyHealth {
	r.mu.Lock()
	breakers := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		breakers = append(breakers, cb)
	}
	r.mu.Unlock()

	snapshot := make(map[string]DependencyHealth, len(breakers))
	for _, cb := range breakers {
		snapshot[cb.Name()] = DependencyHealth{
			Name:                cb.Name(),
			Status:              cb.Health(),
			State:               cb.State().String(),
			ConsecutiveFailures: cb.ConsecutiveFailures(),
			OpenedAt:            cb.OpenedAt(),
		}
	}
	return snapshot
}
