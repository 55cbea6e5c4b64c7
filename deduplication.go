package breakwater

import (
	"bytes"
	"context"
	"encoding/json"
	"hash/fnv"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/breakwater-go/breakwater/internal/broadcast"
	"github.com/breakwater-go/breakwater/internal/canonical"
)

// dedupEntry is one in-flight call. Waiters attach to result; the entry's
// map slot may be evicted or expire without affecting anyone already
// attached.
type dedupEntry struct {
	result    *broadcast.Result
	createdAt time.Time
}

// DeduplicationTracker coalesces concurrent identical calls: the first
// caller for a key becomes the owner and executes, every other caller that
// arrives while the entry is live receives the owner's exact value and
// error. Entries are dropped as soon as the owner settles, so sequential
// identical calls each execute.
//
// The TTL bounds how long an entry can absorb new callers. An entry past
// its TTL is treated as absent: a new caller re-executes even if the old
// owner is still running. This trades duplicate work for liveness when an
// owner is stuck.
type DeduplicationTracker struct {
	mu      sync.Mutex
	entries map[string]*dedupEntry

	ttl        time.Duration
	maxPending int

	deduped int64
	total   int64

	cleanupStop chan struct{}
}

// DeduplicationStats is a snapshot of tracker counters.
type DeduplicationStats struct {
	// PendingRequests is the number of live in-flight entries. Entries past
	// the TTL are excluded, matching IsPending.
	PendingRequests int
	// DedupedRequests counts callers that attached to an existing entry.
	DedupedRequests int64
	// TotalRequests counts all Do calls.
	TotalRequests int64
}

// NewDeduplicationTracker creates a tracker from config. Non-positive TTL
// and MaxPending fall back to the defaults.
func NewDeduplicationTracker(config DeduplicationConfig) *DeduplicationTracker {
	defaults := DefaultDeduplicationConfig()
	if config.TTL <= 0 {
		config.TTL = defaults.TTL
	}
	if config.MaxPending <= 0 {
		config.MaxPending = defaults.MaxPending
	}

	return &DeduplicationTracker{
		entries:    make(map[string]*dedupEntry),
		ttl:        config.TTL,
		maxPending: config.MaxPending,
	}
}

// Do executes op once per key among concurrent callers. The owner runs op;
// everyone else blocks until the owner settles and receives the identical
// value and error. A caller whose context ends while waiting gets its
// context error; the shared call keeps running for the others.
func (dt *DeduplicationTracker) Do(ctx context.Context, key string, op Operation) (interface{}, error) {
	entry, owner := dt.getOrCreate(key)
	if !owner {
		return entry.result.Wait(ctx)
	}

	result, err := op(ctx)
	entry.result.Settle(result, err)
	dt.remove(key, entry)
	return result, err
}

// getOrCreate attaches to a live entry or installs a new one, reporting
// whether the caller owns it. An expired entry is replaced; its waiters keep
// waiting on the old result, which the old owner still settles.
func (dt *DeduplicationTracker) getOrCreate(key string) (*dedupEntry, bool) {
	dt.mu.Lock()
	defer dt.mu.Unlock()

	dt.total++
	now := time.Now()

	if entry, ok := dt.entries[key]; ok && now.Sub(entry.createdAt) < dt.ttl {
		dt.deduped++
		return entry, false
	}

	if len(dt.entries) >= dt.maxPending {
		dt.evictOldestLocked()
	}

	entry := &dedupEntry{result: broadcast.NewResult(), createdAt: now}
	dt.entries[key] = entry
	return entry, true
}

// evictOldestLocked drops the oldest entry's map slot. The evicted call is
// not cancelled; its owner settles it and already-attached waiters are
// released normally.
func (dt *DeduplicationTracker) evictOldestLocked() {
	var oldestKey string
	var oldestAt time.Time

	for key, entry := range dt.entries {
		if oldestKey == "" || entry.createdAt.Before(oldestAt) {
			oldestKey = key
			oldestAt = entry.createdAt
		}
	}
	if oldestKey != "" {
		delete(dt.entries, oldestKey)
	}
}

// remove deletes the entry only if it still occupies the key's slot, so a
// replacement installed after expiry or eviction is never torn down by the
// old owner.
func (dt *DeduplicationTracker) remove(key string, entry *dedupEntry) {
	dt.mu.Lock()
	if dt.entries[key] == entry {
		delete(dt.entries, key)
	}
	dt.mu.Unlock()
}

// IsPending reports whether a live in-flight entry exists for key. Expired
// entries count as absent.
func (dt *DeduplicationTracker) IsPending(key string) bool {
	dt.mu.Lock()
	defer dt.mu.Unlock()

	entry, ok := dt.entries[key]
	return ok && time.Since(entry.createdAt) < dt.ttl
}

// Clear drops all entries. In-flight owners still settle their results, so
// attached waiters are unaffected; only future callers see an empty tracker.
func (dt *DeduplicationTracker) Clear() {
	dt.mu.Lock()
	dt.entries = make(map[string]*dedupEntry)
	dt.mu.Unlock()
}

// Stats returns a snapshot of tracker counters.
func (dt *DeduplicationTracker) Stats() DeduplicationStats {
	dt.mu.Lock()
	defer dt.mu.Unlock()

	pending := 0
	now := time.Now()
	for _, entry := range dt.entries {
		if now.Sub(entry.createdAt) < dt.ttl {
			pending++
		}
	}

	return DeduplicationStats{
		PendingRequests: pending,
		DedupedRequests: dt.deduped,
		TotalRequests:   dt.total,
	}
}

// CleanupExpired removes entries older than the TTL and returns how many
// were removed.
func (dt *DeduplicationTracker) CleanupExpired() int {
	dt.mu.Lock()
	defer dt.mu.Unlock()

	removed := 0
	now := time.Now()
	for key, entry := range dt.entries {
		if now.Sub(entry.createdAt) >= dt.ttl {
			delete(dt.entries, key)
			removed++
		}
	}
	return removed
}

// StartCleanup launches a background sweep at the given interval. A
// non-positive interval defaults to the TTL. Calling it while a sweep is
// already running has no effect.
func (dt *DeduplicationTracker) StartCleanup(interval time.Duration) {
	dt.mu.Lock()
	if dt.cleanupStop != nil {
		dt.mu.Unlock()
		return
	}
	if interval <= 0 {
		interval = dt.ttl
	}
	stop := make(chan struct{})
	dt.cleanupStop = stop
	dt.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				dt.CleanupExpired()
			case <-stop:
				return
			}
		}
	}()
}

// StopCleanup stops the background sweep. It is safe to call repeatedly.
func (dt *DeduplicationTracker) StopCleanup() {
	dt.mu.Lock()
	if dt.cleanupStop != nil {
		close(dt.cleanupStop)
		dt.cleanupStop = nil
	}
	dt.mu.Unlock()
}

// GenerateRequestKey builds a stable deduplication key from an HTTP-shaped
// call. JSON bodies are canonicalized first so logically identical payloads
// with different key order map to the same key; non-JSON bodies are hashed
// as raw bytes; an empty body uses a fixed marker.
func GenerateRequestKey(method, url string, body []byte) string {
	h := fnv.New64a()
	h.Write([]byte(method))
	h.Write([]byte{'|'})
	h.Write([]byte(url))
	h.Write([]byte{'|'})

	if len(body) == 0 {
		h.Write([]byte("no-body"))
	} else {
		h.Write([]byte(hashBody(body)))
	}
	return strconv.FormatUint(h.Sum64(), 16)
}

// hashBody digests a payload, canonicalizing it first when it parses as a
// single JSON value.
func hashBody(body []byte) string {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err == nil && !dec.More() {
		if digest, err := canonical.Hash(v); err == nil {
			return digest
		}
	}
	return canonical.HashBytes(body)
}

// DeduplicationKeyFunc builds a deduplication key for a request.
type DeduplicationKeyFunc func(*http.Request) string

// DefaultDeduplicationKeyFunc keys on method and URL, folding in the body
// for mutating verbs when it can be re-read without consuming it.
func DefaultDeduplicationKeyFunc(req *http.Request) string {
	var body []byte
	if req.Body != nil && req.GetBody != nil &&
		(req.Method == http.MethodPost || req.Method == http.MethodPut || req.Method == http.MethodPatch) {
		if rc, err := req.GetBody(); err == nil {
			body, _ = io.ReadAll(rc)
			rc.Close()
		}
	}
	return GenerateRequestKey(req.Method, req.URL.String(), body)
}

// DeduplicationCondition decides whether a request may be coalesced.
type DeduplicationCondition func(req *http.Request) bool

// DefaultDeduplicationCondition coalesces safe methods only.
func DefaultDeduplicationCondition(req *http.Request) bool {
	return req.Method == http.MethodGet || req.Method == http.MethodHead || req.Method == http.MethodOptions
}
