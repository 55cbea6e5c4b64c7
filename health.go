package breakwater

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// HealthStatus grades a dependency or the pipeline as a whole. Order
// matters: higher values are worse, and merges keep the worst.
type HealthStatus int

const (
	// HealthHealthy means the dependency is fully available.
	HealthHealthy HealthStatus = iota
	// HealthDegraded means the dependency is being probed after failures.
	HealthDegraded
	// HealthUnhealthy means calls to the dependency are failing or blocked.
	HealthUnhealthy
)

// String returns the lowercase status name.
func (s HealthStatus) String() string {
	switch s {
	case HealthHealthy:
		return "healthy"
	case HealthDegraded:
		return "degraded"
	case HealthUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the status as its string name.
func (s HealthStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// DependencyHealth describes one dependency's condition, combining circuit
// breaker state with probe outcomes.
type DependencyHealth struct {
	Name                string       `json:"name"`
	Status              HealthStatus `json:"status"`
	State               string       `json:"state,omitempty"`
	ConsecutiveFailures uint32       `json:"consecutive_failures,omitempty"`
	OpenedAt            time.Time    `json:"opened_at,omitempty"`
	Err                 string       `json:"error,omitempty"`
}

// HealthReport is the full pipeline health at one instant.
type HealthReport struct {
	Status       HealthStatus                `json:"status"`
	Timestamp    time.Time                   `json:"timestamp"`
	Dependencies map[string]DependencyHealth `json:"dependencies"`
}

// CheckFunc probes one dependency. A nil return means healthy.
type CheckFunc func(ctx context.Context) error

// HealthChecker merges circuit breaker snapshots with registered probe
// functions into a single report. Probes run concurrently under a shared
// timeout; a probe failure never prevents the others from completing.
type HealthChecker struct {
	mu       sync.Mutex
	registry *BreakerRegistry
	checks   map[string]CheckFunc
	timeout  time.Duration
}

// NewHealthChecker creates a checker over the given breaker registry, which
// may be nil when only probes are used.
func NewHealthChecker(registry *BreakerRegistry) *HealthChecker {
	return &HealthChecker{
		registry: registry,
		checks:   make(map[string]CheckFunc),
		timeout:  5 * time.Second,
	}
}

// SetTimeout bounds how long Check waits for probes. Non-positive values
// are ignored.
func (hc *HealthChecker) SetTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	hc.mu.Lock()
	hc.timeout = d
	hc.mu.Unlock()
}

// RegisterCheck adds a named probe. Registering the same name again replaces
// the previous probe. A probe sharing a name with a circuit breaker merges
// into that dependency's entry.
func (hc *HealthChecker) RegisterCheck(name string, check CheckFunc) {
	hc.mu.Lock()
	hc.checks[name] = check
	hc.mu.Unlock()
}

// Check runs all probes concurrently, merges them with breaker snapshots,
// and grades the pipeline by the worst dependency.
func (hc *HealthChecker) Check(ctx context.Context) HealthReport {
	hc.mu.Lock()
	timeout := hc.timeout
	checks := make(map[string]CheckFunc, len(hc.checks))
	for name, check := range hc.checks {
		checks[name] = check
	}
	hc.mu.Unlock()

	deps := make(map[string]DependencyHealth)
	if hc.registry != nil {
		deps = hc.registry.Snapshot()
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var depsMu sync.Mutex
	eg, egCtx := errgroup.WithContext(ctx)
	for name, check := range checks {
		name, check := name, check
		eg.Go(func() error {
			err := check(egCtx)

			probe := DependencyHealth{Name: name, Status: HealthHealthy}
			if err != nil {
				probe.Status = HealthUnhealthy
				probe.Err = err.Error()
			}

			depsMu.Lock()
			deps[name] = mergeDependency(deps[name], probe)
			depsMu.Unlock()

			// Probe outcomes are recorded, not propagated, so one failing
			// probe cannot cancel its siblings.
			return nil
		})
	}
	eg.Wait()

	overall := HealthHealthy
	for _, dep := range deps {
		if dep.Status > overall {
			overall = dep.Status
		}
	}

	return HealthReport{
		Status:       overall,
		Timestamp:    time.Now().UTC(),
		Dependencies: deps,
	}
}

// mergeDependency folds a probe outcome into an existing breaker entry,
// keeping the worst status and both error and breaker details.
func mergeDependency(existing, probe DependencyHealth) DependencyHealth {
	if existing.Name == "" {
		return probe
	}
	if probe.Status > existing.Status {
		existing.Status = probe.Status
	}
	if probe.Err != "" {
		existing.Err = probe.Err
	}
	return existing
}

// Handler returns an http.Handler that renders the health report as JSON.
// Healthy and degraded report 200 so probing traffic is not cut off while a
// circuit is being retried; unhealthy reports 503.
func (hc *HealthChecker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		report := hc.Check(r.Context())

		code := http.StatusOK
		if report.Status == HealthUnhealthy {
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(report)
	})
}
