// Package dynamic lets a running job collect child tasks into a queue before
// they execute. The queue belongs to the nearest queueing context: one pushed
// explicitly onto the context, or the running task's own job when that job is
// a composite such as Sequential or Parallel.
package dynamic

import (
	"context"
	"errors"
	"fmt"

	"github.com/aristath/taskexec/internal/execution"
	"github.com/aristath/taskexec/internal/task"
)

var (
	// ErrNoQueueingContext is returned when queueing outside any queueing
	// context.
	ErrNoQueueingContext = errors.New("dynamic: no queueing context")

	// ErrClosed is returned when queueing into a composite job that has
	// already finished draining.
	ErrClosed = errors.New("dynamic: queueing context is closed")
)

// QueueingContext accepts tasks to run later.
type QueueingContext interface {
	Queue(t *task.Task) error
}

type queueingKey struct{}

// WithQueueingContext returns ctx with qc as the nearest queueing context.
func WithQueueingContext(ctx context.Context, qc QueueingContext) context.Context {
	return context.WithValue(ctx, queueingKey{}, qc)
}

// From returns the nearest queueing context of ctx.
func From(ctx context.Context) (QueueingContext, bool) {
	if ctx == nil {
		return nil, false
	}
	if qc, ok := ctx.Value(queueingKey{}).(QueueingContext); ok {
		return qc, true
	}
	if current := task.Current(ctx); current != nil {
		if qc, ok := current.Job().(QueueingContext); ok {
			return qc, true
		}
	}
	return nil, false
}

// Queue adds t to the nearest queueing context.
func Queue(ctx context.Context, t *task.Task) error {
	qc, ok := From(ctx)
	if !ok {
		return ErrNoQueueingContext
	}
	return qc.Queue(t)
}

// QueueIfPossible queues t when a queueing context exists and reports
// whether it did.
func QueueIfPossible(ctx context.Context, t *task.Task) bool {
	return Queue(ctx, t) == nil
}

// QueueOrSubmitAndBlock queues t if possible, otherwise submits it to m.
// Either way it waits for t's outcome.
func QueueOrSubmitAndBlock(ctx context.Context, m *execution.Manager, t *task.Task) (any, error) {
	if err := QueueOrSubmitAsync(ctx, m, t); err != nil {
		return nil, err
	}
	return t.Get(ctx)
}

// QueueOrSubmitAsync queues t if possible, otherwise submits it to m, and
// returns without waiting.
func QueueOrSubmitAsync(ctx context.Context, m *execution.Manager, t *task.Task) error {
	err := Queue(ctx, t)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNoQueueingContext) {
		return err
	}
	if err := m.Submit(ctx, t); err != nil {
		return fmt.Errorf("submitting %s: %w", t, err)
	}
	return nil
}
