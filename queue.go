package breakwater

import (
	"context"
	"sync"
	"time"
)

// queueWaiter is a task waiting for an execution slot. ready is closed
// exactly once, after err is set under the queue lock: a nil err means the
// slot was granted, a non-nil err means the waiter was rejected.
type queueWaiter struct {
	ready    chan struct{}
	err      error
	enqueued time.Time
}

// RequestQueue bounds in-flight work and queues the overflow in strict FIFO
// order. Tasks wait for a slot until the queue timeout elapses, the caller's
// context is cancelled, or the queue is cleared. Lowering the concurrency cap
// never aborts running tasks; it takes effect as they complete.
type RequestQueue struct {
	mu             sync.Mutex
	maxConcurrency int
	maxQueueSize   int
	queueTimeout   time.Duration

	running int
	waiters []*queueWaiter

	completed int64
	rejected  int64
	timedOut  int64

	drainers []chan struct{}
}

// QueueStats is a consistent snapshot of queue state and lifetime counters.
type QueueStats struct {
	// Running is the number of tasks currently executing.
	Running int
	// Queued is the number of tasks waiting for a slot.
	Queued int
	// Completed counts tasks that ran to completion, successfully or not.
	Completed int64
	// Rejected counts tasks that never ran: queue full, cleared, or
	// abandoned by caller cancellation.
	Rejected int64
	// TimedOut counts tasks that waited longer than the queue timeout.
	TimedOut int64
	// MaxConcurrency is the current concurrency cap.
	MaxConcurrency int
}

// NewRequestQueue creates a queue from config. Non-positive MaxConcurrency
// and MaxQueueSize fall back to the defaults; a non-positive QueueTimeout
// means tasks wait indefinitely.
func NewRequestQueue(config QueueConfig) *RequestQueue {
	defaults := DefaultQueueConfig()
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = defaults.MaxConcurrency
	}
	if config.MaxQueueSize <= 0 {
		config.MaxQueueSize = defaults.MaxQueueSize
	}

	return &RequestQueue{
		maxConcurrency: config.MaxConcurrency,
		maxQueueSize:   config.MaxQueueSize,
		queueTimeout:   config.QueueTimeout,
	}
}

// Execute runs op within the concurrency cap, queueing it FIFO when all
// slots are busy. It returns *QueueFullError when the queue is at capacity,
// *QueueTimeoutError when the wait exceeds the queue timeout,
// *QueueClearedError when Clear rejects the waiting task, and the context's
// error when the caller gives up first. A task rejected while queued never
// runs.
func (q *RequestQueue) Execute(ctx context.Context, op Operation) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q.mu.Lock()
	if q.running < q.maxConcurrency && len(q.waiters) == 0 {
		q.running++
		q.mu.Unlock()
		return q.run(ctx, op)
	}

	if len(q.waiters) >= q.maxQueueSize {
		queued := len(q.waiters)
		q.rejected++
		q.mu.Unlock()
		return nil, &QueueFullError{QueueSize: queued, MaxQueueSize: q.maxQueueSize}
	}

	w := &queueWaiter{ready: make(chan struct{}), enqueued: time.Now()}
	q.waiters = append(q.waiters, w)
	q.mu.Unlock()

	var timeout <-chan time.Time
	if q.queueTimeout > 0 {
		timer := time.NewTimer(q.queueTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-w.ready:
		if w.err != nil {
			return nil, w.err
		}
		return q.run(ctx, op)

	case <-timeout:
		if q.abandon(w) {
			q.mu.Lock()
			q.timedOut++
			q.mu.Unlock()
			return nil, &QueueTimeoutError{WaitTime: time.Since(w.enqueued), Timeout: q.queueTimeout}
		}
		// The slot was granted before the timeout was processed, so the
		// task was admitted in time.
		<-w.ready
		if w.err != nil {
			return nil, w.err
		}
		return q.run(ctx, op)

	case <-ctx.Done():
		if q.abandon(w) {
			q.mu.Lock()
			q.rejected++
			q.mu.Unlock()
			return nil, ctx.Err()
		}
		<-w.ready
		if w.err == nil {
			// Granted a slot the caller no longer wants; hand it on.
			q.mu.Lock()
			q.running--
			q.rejected++
			q.dispatchLocked()
			q.notifyDrainersLocked()
			q.mu.Unlock()
		}
		return nil, ctx.Err()
	}
}

// run executes op holding an execution slot and releases it afterwards.
func (q *RequestQueue) run(ctx context.Context, op Operation) (interface{}, error) {
	defer func() {
		q.mu.Lock()
		q.running--
		q.completed++
		q.dispatchLocked()
		q.notifyDrainersLocked()
		q.mu.Unlock()
	}()

	return op(ctx)
}

// abandon removes w from the wait list. It returns false when w is no longer
// queued, meaning a grant or rejection already settled it.
func (q *RequestQueue) abandon(w *queueWaiter) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, candidate := range q.waiters {
		if candidate == w {
			copy(q.waiters[i:], q.waiters[i+1:])
			q.waiters[len(q.waiters)-1] = nil
			q.waiters = q.waiters[:len(q.waiters)-1]
			return true
		}
	}
	return false
}

// dispatchLocked grants free slots to the longest-waiting tasks.
func (q *RequestQueue) dispatchLocked() {
	for q.running < q.maxConcurrency && len(q.waiters) > 0 {
		w := q.waiters[0]
		copy(q.waiters, q.waiters[1:])
		q.waiters[len(q.waiters)-1] = nil
		q.waiters = q.waiters[:len(q.waiters)-1]

		q.running++
		close(w.ready)
	}
}

// notifyDrainersLocked releases Drain callers once the queue is quiescent.
func (q *RequestQueue) notifyDrainersLocked() {
	if q.running != 0 || len(q.waiters) != 0 {
		return
	}
	for _, done := range q.drainers {
		close(done)
	}
	q.drainers = nil
}

// SetConcurrency changes the concurrency cap. Raising it admits queued tasks
// immediately in FIFO order; lowering it takes effect as running tasks
// complete and never aborts them. Values below 1 are clamped to 1.
func (q *RequestQueue) SetConcurrency(n int) {
	if n < 1 {
		n = 1
	}

	q.mu.Lock()
	q.maxConcurrency = n
	q.dispatchLocked()
	q.mu.Unlock()
}

// Clear rejects every queued task with *QueueClearedError. Running tasks are
// unaffected.
func (q *RequestQueue) Clear() {
	q.mu.Lock()
	for _, w := range q.waiters {
		w.err = &QueueClearedError{}
		close(w.ready)
		q.rejected++
	}
	q.waiters = nil
	q.notifyDrainersLocked()
	q.mu.Unlock()
}

// Drain blocks until no tasks are running or queued. It returns immediately
// when the queue is already quiescent, and ctx.Err() when the context ends
// first.
func (q *RequestQueue) Drain(ctx context.Context) error {
	q.mu.Lock()
	if q.running == 0 && len(q.waiters) == 0 {
		q.mu.Unlock()
		return nil
	}
	done := make(chan struct{})
	q.drainers = append(q.drainers, done)
	q.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns a consistent snapshot of the queue.
func (q *RequestQueue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	return QueueStats{
		Running:        q.running,
		Queued:         len(q.waiters),
		Completed:      q.completed,
		Rejected:       q.rejected,
		TimedOut:       q.timedOut,
		MaxConcurrency: q.maxConcurrency,
	}
}
