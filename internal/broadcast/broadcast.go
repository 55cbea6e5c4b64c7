// Package broadcast provides a single-settle shared outcome observable by
// any number of waiters. One party settles exactly once; every waiter,
// current or future, receives the same value and error.
package broadcast

import (
	"context"
	"sync"
)

// Result is a shared future. The zero value is not usable; use NewResult.
type Result struct {
	mu      sync.Mutex
	done    chan struct{}
	settled bool
	val     interface{}
	err     error
}

// NewResult creates an unsettled Result.
func NewResult() *Result {
	return &Result{done: make(chan struct{})}
}

// Settle records the outcome and releases all current and future waiters.
// Only the first call has any effect; it reports whether this call won.
func (r *Result) Settle(val interface{}, err error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.settled {
		return false
	}
	r.val = val
	r.err = err
	r.settled = true
	close(r.done)
	return true
}

// Wait blocks until the result settles or ctx is done. A ctx error releases
// only this waiter; the shared outcome and other waiters are unaffected.
func (r *Result) Wait(ctx context.Context) (interface{}, error) {
	select {
	case <-r.done:
		// Reads are ordered after Settle by the channel close.
		return r.val, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done returns a channel closed when the result settles, for select loops.
func (r *Result) Done() <-chan struct{} {
	return r.done
}

// Settled reports whether an outcome has been recorded.
func (r *Result) Settled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.settled
}

// Outcome returns the settled value and error. It must only be called
// after Done is closed or Settled reports true.
func (r *Result) Outcome() (interface{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.val, r.err
}
