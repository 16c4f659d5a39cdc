package task

import (
	"context"
	"sync"
	"time"
)

// Result holds the single terminal outcome of a task and lets any number of
// goroutines wait for it.
type Result struct {
	mu       sync.Mutex
	done     chan struct{}
	recorded bool
	value    any
	err      error
}

func newResult() *Result {
	return &Result{done: make(chan struct{})}
}

// complete records the outcome. Only the first call has any effect.
func (r *Result) complete(value any, err error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recorded {
		return false
	}
	r.recorded = true
	r.value = value
	r.err = err
	close(r.done)
	return true
}

// Done returns a channel closed once the outcome is recorded.
func (r *Result) Done() <-chan struct{} {
	return r.done
}

// IsDone reports whether an outcome has been recorded.
func (r *Result) IsDone() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Peek returns the outcome without blocking. ok is false while none exists.
func (r *Result) Peek() (value any, err error, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.value, r.err, r.recorded
}

// Wait blocks until the outcome is recorded or ctx is done.
func (r *Result) Wait(ctx context.Context) (any, error) {
	select {
	case <-r.done:
		value, err, _ := r.Peek()
		return value, err
	case <-ctx.Done():
		// Prefer an outcome that raced with the context.
		if r.IsDone() {
			value, err, _ := r.Peek()
			return value, err
		}
		return nil, ctx.Err()
	}
}

// WaitTimeout is Wait bounded by d. It returns ErrTimeout when d elapses first.
func (r *Result) WaitTimeout(d time.Duration) (any, error) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-r.done:
		value, err, _ := r.Peek()
		return value, err
	case <-timer.C:
		if r.IsDone() {
			value, err, _ := r.Peek()
			return value, err
		}
		return nil, ErrTimeout
	}
}
