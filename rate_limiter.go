package breakwater

import (
	"sync"
	"sync/atomic"
	"time"
)

// RateLimiter is a per-key sliding window log limiter. Each key tracks the
// timestamps of its admitted events; an event is admitted only while fewer
// than Limit timestamps remain inside the window. Rejections report exactly
// how long until the oldest event leaves the window.
type RateLimiter struct {
	limit  int
	window time.Duration

	mu      sync.Mutex
	windows map[string][]time.Time

	allowed int64
	limited int64

	cleanupStop chan struct{}
}

// RateLimiterStats is a point-in-time view of limiter activity.
type RateLimiterStats struct {
	TrackedKeys int
	Allowed     int64
	Limited     int64
}

// NewRateLimiter creates a rate limiter. Non-positive Limit or Window fall
// back to the per-caller defaults.
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	def := DefaultCallerRateLimit()
	if config.Limit <= 0 {
		config.Limit = def.Limit
	}
	if config.Window <= 0 {
		config.Window = def.Window
	}
	return &RateLimiter{
		limit:   config.Limit,
		window:  config.Window,
		windows: make(map[string][]time.Time),
	}
}

// Check admits one event for key or fails with a *RateLimitError carrying
// the wait until admission becomes possible. Expired timestamps are pruned
// on every call, so correctness never depends on the background sweep.
func (rl *RateLimiter) Check(key string) error {
	now := time.Now()
	cutoff := now.Add(-rl.window)

	rl.mu.Lock()
	events := pruneWindow(rl.windows[key], cutoff)

	if len(events) >= rl.limit {
		rl.windows[key] = events
		retryAfter := events[0].Add(rl.window).Sub(now)
		rl.mu.Unlock()

		atomic.AddInt64(&rl.limited, 1)
		return &RateLimitError{
			Key:        key,
			Limit:      rl.limit,
			Window:     rl.window,
			RetryAfter: retryAfter,
		}
	}

	rl.windows[key] = append(events, now)
	rl.mu.Unlock()

	atomic.AddInt64(&rl.allowed, 1)
	return nil
}

// Allow reports whether one event for key was admitted.
func (rl *RateLimiter) Allow(key string) bool {
	return rl.Check(key) == nil
}

// Reset clears the window for one key, never touching other keys.
func (rl *RateLimiter) Reset(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.windows, key)
}

// Clear removes every tracked key. Counters are preserved.
func (rl *RateLimiter) Clear() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.windows = make(map[string][]time.Time)
}

// Stats returns exact counters and the number of live keys.
func (rl *RateLimiter) Stats() RateLimiterStats {
	rl.mu.Lock()
	tracked := len(rl.windows)
	rl.mu.Unlock()

	return RateLimiterStats{
		TrackedKeys: tracked,
		Allowed:     atomic.LoadInt64(&rl.allowed),
		Limited:     atomic.LoadInt64(&rl.limited),
	}
}

// Limit returns the configured per-window event budget.
func (rl *RateLimiter) Limit() int { return rl.limit }

// Window returns the configured window length.
func (rl *RateLimiter) Window() time.Duration { return rl.window }

// CleanupExpired drops expired timestamps for every key and removes keys
// with no remaining events. Idle keys otherwise stay until their next Check.
func (rl *RateLimiter) CleanupExpired() {
	cutoff := time.Now().Add(-rl.window)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, events := range rl.windows {
		remaining := pruneWindow(events, cutoff)
		if len(remaining) == 0 {
			delete(rl.windows, key)
			continue
		}
		rl.windows[key] = remaining
	}
}

// StartCleanup begins a periodic sweep of idle keys. A non-positive
// interval defaults to the window length. Calling it twice is a no-op
// until StopCleanup.
func (rl *RateLimiter) StartCleanup(interval time.Duration) {
	if interval <= 0 {
		interval = rl.window
	}

	rl.mu.Lock()
	if rl.cleanupStop != nil {
		rl.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	rl.cleanupStop = stop
	rl.mu.Unlock()

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rl.CleanupExpired()
			case <-stop:
				return
			}
		}
	}()
}

// StopCleanup stops the periodic sweep started by StartCleanup.
func (rl *RateLimiter) StopCleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.cleanupStop != nil {
		close(rl.cleanupStop)
		rl.cleanupStop = nil
	}
}

// pruneWindow drops timestamps at or before cutoff, reusing the backing
// array. Timestamps are appended in order, so a prefix scan suffices.
func pruneWindow(events []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(events) && !events[idx].After(cutoff) {
		idx++
	}
	if idx == 0 {
		return events
	}
	n := copy(events, events[idx:])
	return events[:n]
}
