package breakwater

import (
	"net/http"
	"sync"
	"time"
)

// KeyFunc derives the rate-limit key for a request within one scope.
type KeyFunc func(req *http.Request) string

// rateLimitScope pairs a named limiter with the key derivation used for it.
type rateLimitScope struct {
	name    string
	limiter *RateLimiter
	keyFunc KeyFunc
}

// RateLimiterRegistry holds independent limiter scopes checked in
// registration order. The first rejection is returned and later scopes are
// not consulted. A scope that admitted the request before a later scope
// rejected it keeps the admission on its books, matching sequential gate
// semantics.
type RateLimiterRegistry struct {
	mu     sync.RWMutex
	scopes []rateLimitScope
}

// NewRateLimiterRegistry creates an empty registry.
func NewRateLimiterRegistry() *RateLimiterRegistry {
	return &RateLimiterRegistry{}
}

// NewDefaultRateLimiterRegistry creates a registry with the default policy:
// a per-caller scope (60/min, keyed by the caller ID on the request context)
// checked before a global scope (5/s, one shared key).
func NewDefaultRateLimiterRegistry() *RateLimiterRegistry {
	r := NewRateLimiterRegistry()
	r.Register("caller", NewRateLimiter(DefaultCallerRateLimit()), CallerKeyFunc)
	r.Register("global", NewRateLimiter(DefaultGlobalRateLimit()), nil)
	return r
}

// Register appends a scope. A nil keyFunc makes the scope use its own name
// as the single shared key, which turns it into a global limiter.
func (r *RateLimiterRegistry) Register(name string, limiter *RateLimiter, keyFunc KeyFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scopes = append(r.scopes, rateLimitScope{name: name, limiter: limiter, keyFunc: keyFunc})
}

// Check runs the request through every scope in registration order and
// returns the first *RateLimitError, or nil when all scopes admit it.
func (r *RateLimiterRegistry) Check(req *http.Request) error {
	r.mu.RLock()
	scopes := r.scopes
	r.mu.RUnlock()

	for _, scope := range scopes {
		key := scope.name
		if scope.keyFunc != nil {
			key = scope.keyFunc(req)
		}
		if err := scope.limiter.Check(key); err != nil {
			return err
		}
	}
	return nil
}

// Scope returns the limiter registered under name.
func (r *RateLimiterRegistry) Scope(name string) (*RateLimiter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, scope := range r.scopes {
		if scope.name == name {
			return scope.limiter, true
		}
	}
	return nil, false
}

// Stats returns per-scope limiter statistics keyed by scope name.
func (r *RateLimiterRegistry) Stats() map[string]RateLimiterStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := make(map[string]RateLimiterStats, len(r.scopes))
	for _, scope := range r.scopes {
		stats[scope.name] = scope.limiter.Stats()
	}
	return stats
}

// Clear wipes every scope's tracked keys.
func (r *RateLimiterRegistry) Clear() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, scope := range r.scopes {
		scope.limiter.Clear()
	}
}

// StartCleanup starts the idle-key sweep on every scope.
func (r *RateLimiterRegistry) StartCleanup(interval time.Duration) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, scope := range r.scopes {
		scope.limiter.StartCleanup(interval)
	}
}

// StopCleanup stops the sweep on every scope.
func (r *RateLimiterRegistry) StopCleanup() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, scope := range r.scopes {
		scope.limiter.StopCleanup()
	}
}

// CallerKeyFunc keys requests by the caller ID carried on the request
// context, falling back to "anonymous".
func CallerKeyFunc(req *http.Request) string {
	if id, ok := CallerIDFromContext(req.Context()); ok {
		return "caller:" + id
	}
	return "caller:anonymous"
}

// HostKeyFunc keys requests by the target host.
func HostKeyFunc(req *http.Request) string {
	if req.URL != nil && req.URL.Host != "" {
		return "host:" + req.URL.Host
	}
	if req.Host != "" {
		return "host:" + req.Host
	}
	return "host:unknown"
}

// RouteKeyFunc keys requests by method and path.
func RouteKeyFunc(req *http.Request) string {
	return "route:" + req.Method + ":" + req.URL.Path
}
