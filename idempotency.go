package breakwater

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/breakwater-go/breakwater/internal/canonical"
)

// IdempotencyStatus is the lifecycle state of a tracked operation.
type IdempotencyStatus int32

const (
	// IdempotencyPending marks an operation that has started but not settled.
	IdempotencyPending IdempotencyStatus = iota
	// IdempotencyCompleted marks an operation whose result is replayable.
	IdempotencyCompleted
	// IdempotencyFailed marks an operation that errored; a retry starts fresh.
	IdempotencyFailed
)

// String returns a human-readable status name.
func (s IdempotencyStatus) String() string {
	switch s {
	case IdempotencyPending:
		return "pending"
	case IdempotencyCompleted:
		return "completed"
	case IdempotencyFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// IdempotencyEntry records the outcome of one keyed operation. Completed and
// failed are terminal until the entry expires or is removed.
type IdempotencyEntry struct {
	Key       string
	Operation string
	Status    IdempotencyStatus
	Result    interface{}
	Err       string
	CreatedAt time.Time
}

// StartResult reports whether StartOperation installed a new pending entry
// or found an existing live one.
type StartResult struct {
	IsNew bool
	// Existing is a snapshot of the live entry when IsNew is false.
	Existing *IdempotencyEntry
}

// IdempotencyTracker remembers the outcome of keyed write operations so a
// client-side retry of the same logical write replays the cached result
// instead of re-executing. All state is process-local; keys protect against
// retries within their TTL, not against concurrent processes.
type IdempotencyTracker struct {
	mu      sync.Mutex
	entries map[string]*IdempotencyEntry

	ttl     time.Duration
	maxKeys int

	hits    int64
	replays int64

	logger      Logger
	cleanupStop chan struct{}
}

// IdempotencyStats is a snapshot of tracker state.
type IdempotencyStats struct {
	// TrackedKeys is the number of live entries.
	TrackedKeys int
	// Hits counts lookups that found a live entry of any status.
	Hits int64
	// Replays counts completed results served without re-executing.
	Replays int64
	// Pending is the number of entries currently in flight.
	Pending int
}

// NewIdempotencyTracker creates a tracker from config. Non-positive TTL and
// MaxKeys fall back to the defaults.
func NewIdempotencyTracker(config IdempotencyConfig) *IdempotencyTracker {
	defaults := DefaultIdempotencyConfig()
	if config.TTL <= 0 {
		config.TTL = defaults.TTL
	}
	if config.MaxKeys <= 0 {
		config.MaxKeys = defaults.MaxKeys
	}

	return &IdempotencyTracker{
		entries: make(map[string]*IdempotencyEntry),
		ttl:     config.TTL,
		maxKeys: config.MaxKeys,
	}
}

// SetLogger attaches a logger used to report pending-key races. A nil logger
// silences them.
func (it *IdempotencyTracker) SetLogger(logger Logger) {
	it.mu.Lock()
	it.logger = logger
	it.mu.Unlock()
}

// StartOperation installs a pending entry for key, or reports the existing
// live entry. Expired entries are pruned on access. When the key cap is
// reached, the oldest tenth of entries is evicted to admit the new one.
func (it *IdempotencyTracker) StartOperation(key, operation string) *StartResult {
	it.mu.Lock()
	defer it.mu.Unlock()

	if entry, ok := it.entries[key]; ok {
		if time.Since(entry.CreatedAt) < it.ttl {
			it.hits++
			snapshot := *entry
			return &StartResult{IsNew: false, Existing: &snapshot}
		}
		delete(it.entries, key)
	}

	if len(it.entries) >= it.maxKeys {
		it.evictOldestLocked()
	}

	it.entries[key] = &IdempotencyEntry{
		Key:       key,
		Operation: operation,
		Status:    IdempotencyPending,
		CreatedAt: time.Now(),
	}
	return &StartResult{IsNew: true}
}

// evictOldestLocked removes the oldest 10% of entries by creation time, at
// least one.
func (it *IdempotencyTracker) evictOldestLocked() {
	n := it.maxKeys / 10
	if n < 1 {
		n = 1
	}

	type aged struct {
		key       string
		createdAt time.Time
	}
	all := make([]aged, 0, len(it.entries))
	for key, entry := range it.entries {
		all = append(all, aged{key, entry.CreatedAt})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].createdAt.Before(all[j].createdAt) })

	if n > len(all) {
		n = len(all)
	}
	for _, victim := range all[:n] {
		delete(it.entries, victim.key)
	}
}

// CompleteOperation marks a pending key as completed with a replayable
// result. Completed and failed entries are terminal, and an expired or
// removed key is a no-op.
func (it *IdempotencyTracker) CompleteOperation(key string, result interface{}) {
	it.mu.Lock()
	if entry, ok := it.entries[key]; ok && entry.Status == IdempotencyPending {
		entry.Status = IdempotencyCompleted
		entry.Result = result
	}
	it.mu.Unlock()
}

// FailOperation marks a pending key as failed, recording the error message.
// A later call with the same key starts fresh.
func (it *IdempotencyTracker) FailOperation(key string, err error) {
	it.mu.Lock()
	if entry, ok := it.entries[key]; ok && entry.Status == IdempotencyPending {
		entry.Status = IdempotencyFailed
		if err != nil {
			entry.Err = err.Error()
		}
	}
	it.mu.Unlock()
}

// Get returns a snapshot of the live entry for key. Expired entries are
// pruned on access and reported as absent.
func (it *IdempotencyTracker) Get(key string) (*IdempotencyEntry, bool) {
	it.mu.Lock()
	defer it.mu.Unlock()

	entry, ok := it.entries[key]
	if !ok {
		return nil, false
	}
	if time.Since(entry.CreatedAt) >= it.ttl {
		delete(it.entries, key)
		return nil, false
	}
	snapshot := *entry
	return &snapshot, true
}

// RemoveKey deletes the entry for key, making the next operation with that
// key execute fresh.
func (it *IdempotencyTracker) RemoveKey(key string) {
	it.mu.Lock()
	delete(it.entries, key)
	it.mu.Unlock()
}

// Clear drops all entries and resets nothing else; counters keep counting.
func (it *IdempotencyTracker) Clear() {
	it.mu.Lock()
	it.entries = make(map[string]*IdempotencyEntry)
	it.mu.Unlock()
}

// Do executes op under idempotency protection for key. A completed entry
// replays its cached result without invoking op. A pending entry is a race
// this single-process guard cannot arbitrate, so it is logged and op runs
// anyway. A failed entry is discarded and the operation retried fresh. The
// outcome is recorded before it is returned.
func (it *IdempotencyTracker) Do(ctx context.Context, key, operation string, op Operation) (interface{}, error) {
	start := it.StartOperation(key, operation)
	if !start.IsNew {
		switch start.Existing.Status {
		case IdempotencyCompleted:
			it.mu.Lock()
			it.replays++
			it.mu.Unlock()
			return start.Existing.Result, nil

		case IdempotencyPending:
			it.mu.Lock()
			logger := it.logger
			it.mu.Unlock()
			if logger != nil {
				logger.Warn("idempotency: key already pending, proceeding without lock",
					"key", key, "operation", operation)
			}

		case IdempotencyFailed:
			it.RemoveKey(key)
			it.StartOperation(key, operation)
		}
	}

	result, err := op(ctx)
	if err != nil {
		it.FailOperation(key, err)
		return nil, err
	}
	it.CompleteOperation(key, result)
	return result, nil
}

// Stats returns an exact snapshot of tracker state.
func (it *IdempotencyTracker) Stats() IdempotencyStats {
	it.mu.Lock()
	defer it.mu.Unlock()

	pending := 0
	for _, entry := range it.entries {
		if entry.Status == IdempotencyPending {
			pending++
		}
	}
	return IdempotencyStats{
		TrackedKeys: len(it.entries),
		Hits:        it.hits,
		Replays:     it.replays,
		Pending:     pending,
	}
}

// CleanupExpired removes entries past the TTL and returns how many were
// removed.
func (it *IdempotencyTracker) CleanupExpired() int {
	it.mu.Lock()
	defer it.mu.Unlock()

	removed := 0
	now := time.Now()
	for key, entry := range it.entries {
		if now.Sub(entry.CreatedAt) >= it.ttl {
			delete(it.entries, key)
			removed++
		}
	}
	return removed
}

// StartCleanup launches a background sweep at the given interval. A
// non-positive interval defaults to the TTL. Correctness never depends on
// the sweep; expiry is also enforced lazily on access.
func (it *IdempotencyTracker) StartCleanup(interval time.Duration) {
	it.mu.Lock()
	if it.cleanupStop != nil {
		it.mu.Unlock()
		return
	}
	if interval <= 0 {
		interval = it.ttl
	}
	stop := make(chan struct{})
	it.cleanupStop = stop
	it.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				it.CleanupExpired()
			case <-stop:
				return
			}
		}
	}()
}

// StopCleanup stops the background sweep. It is safe to call repeatedly.
func (it *IdempotencyTracker) StopCleanup() {
	it.mu.Lock()
	if it.cleanupStop != nil {
		close(it.cleanupStop)
		it.cleanupStop = nil
	}
	it.mu.Unlock()
}

// GenerateIdempotencyKey builds a stable key for a logical operation. With a
// caller-supplied userKey the key is operation:userKey. Otherwise the
// parameters are canonicalized (object key order does not matter) and hashed,
// and an hour-granularity time bucket is appended so identical calls made far
// apart stay distinct while key growth stays bounded.
func GenerateIdempotencyKey(operation string, params interface{}, userKey string) string {
	if userKey != "" {
		return operation + ":" + userKey
	}

	digest, err := canonical.Hash(params)
	if err != nil {
		digest = canonical.HashBytes([]byte(fmt.Sprintf("%v", params)))
	}

	bucket := strconv.FormatInt(time.Now().Unix()/3600, 10)
	return operation + ":" + digest + ":" + bucket
}
