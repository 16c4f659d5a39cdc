package dynamic

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gammazero/toposort"

	"github.com/aristath/taskexec/internal/execution"
	"github.com/aristath/taskexec/internal/task"
)

// QueueOption configures a single queued task.
type QueueOption func(*entry)

// After makes the queued task wait for deps, which must already be queued in
// the same context.
func After(deps ...*task.Task) QueueOption {
	return func(e *entry) { e.after = append(e.after, deps...) }
}

// WithResources declares resource keys the task needs exclusively while it
// runs.
func WithResources(keys ...string) QueueOption {
	return func(e *entry) { e.resources = append(e.resources, keys...) }
}

type entry struct {
	task      *task.Task
	after     []*task.Task
	resources []string
}

// pending is the state shared by every queueing context: the tasks waiting
// to be drained, everything ever queued, and how the drain behaves.
type pending struct {
	failFast bool
	limit    int
	locks    *resourceLocks

	mu      sync.Mutex
	waiting []*entry
	all     []*entry
	known   map[string]bool
	closed  bool
	wake    chan struct{}
}

func newPending(failFast bool) *pending {
	return &pending{
		failFast: failFast,
		locks:    newResourceLocks(),
		known:    make(map[string]bool),
		wake:     make(chan struct{}, 1),
	}
}

func (p *pending) add(t *task.Task, opts ...QueueOption) error {
	if t.IsSubmitted() {
		return fmt.Errorf("queueing %s: %w", t, task.ErrAlreadySubmitted)
	}
	e := &entry{task: t}
	for _, opt := range opts {
		opt(e)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if p.known[t.ID()] {
		return fmt.Errorf("queueing %s: already queued", t)
	}
	for _, dep := range e.after {
		if !p.known[dep.ID()] {
			return fmt.Errorf("queueing %s: dependency %s is not queued here", t, dep)
		}
	}
	t.MarkQueued()
	p.known[t.ID()] = true
	p.waiting = append(p.waiting, e)
	p.all = append(p.all, e)

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return nil
}

// take removes and returns every waiting entry. With seal set, later adds
// fail with ErrClosed.
func (p *pending) take(seal bool) []*entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	batch := p.waiting
	p.waiting = nil
	if seal {
		p.closed = true
	}
	return batch
}

func (p *pending) children() []*task.Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*task.Task, 0, len(p.all))
	for _, e := range p.all {
		out = append(out, e.task)
	}
	return out
}

// values returns the outcome values of every queued task, in queue order.
func (p *pending) values() []any {
	children := p.children()
	out := make([]any, 0, len(children))
	for _, t := range children {
		v, _, _ := t.Result().Peek()
		out = append(out, v)
	}
	return out
}

// batchFunc runs one drained batch.
type batchFunc func(ctx context.Context, m *execution.Manager, p *pending, batch []*entry) error

// drain runs batches until bodyDone is closed and nothing is left. A nil
// bodyDone drains what is waiting now and returns.
func (p *pending) drain(ctx context.Context, m *execution.Manager, bodyDone <-chan struct{}, run batchFunc) error {
	var errs []error
	for {
		batch := p.take(false)
		if len(batch) == 0 {
			if bodyDone == nil {
				return errors.Join(errs...)
			}
			select {
			case <-p.wake:
				continue
			case <-bodyDone:
				if batch = p.take(true); len(batch) == 0 {
					return errors.Join(errs...)
				}
			case <-ctx.Done():
				cancelEntries(p.take(true))
				return ctx.Err()
			}
		}

		if err := run(ctx, m, p, batch); err != nil {
			if p.failFast || ctx.Err() != nil {
				cancelEntries(p.take(bodyDone != nil))
				return err
			}
			errs = append(errs, err)
		}
	}
}

// order sorts batch so every entry follows its dependencies. Without
// dependencies the queue order is kept.
func order(batch []*entry) ([]*entry, error) {
	inBatch := make(map[string]*entry, len(batch))
	hasDeps := false
	for _, e := range batch {
		inBatch[e.task.ID()] = e
		if len(e.after) > 0 {
			hasDeps = true
		}
	}
	if !hasDeps {
		return batch, nil
	}

	var edges []toposort.Edge
	for _, e := range batch {
		edges = append(edges, toposort.Edge{nil, e.task.ID()})
		for _, dep := range e.after {
			if _, ok := inBatch[dep.ID()]; ok {
				edges = append(edges, toposort.Edge{dep.ID(), e.task.ID()})
			}
		}
	}
	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("ordering queued tasks: %w", err)
	}

	out := make([]*entry, 0, len(batch))
	for _, id := range sorted {
		if id == nil {
			continue
		}
		out = append(out, inBatch[id.(string)])
	}
	return out, nil
}

// runSequential submits each entry in dependency order and waits for it
// before starting the next.
func runSequential(ctx context.Context, m *execution.Manager, p *pending, batch []*entry) error {
	ordered, err := order(batch)
	if err != nil {
		cancelEntries(batch)
		return err
	}

	var errs []error
	for i, e := range ordered {
		if err := ctx.Err(); err != nil {
			cancelEntries(ordered[i:])
			return err
		}
		if err := runEntry(ctx, m, p, e); err != nil {
			if ctx.Err() != nil {
				cancelEntries(ordered[i+1:])
				return ctx.Err()
			}
			if p.failFast {
				cancelEntries(ordered[i+1:])
				return err
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// runEntry submits e under its resource locks and waits for it.
func runEntry(ctx context.Context, m *execution.Manager, p *pending, e *entry) error {
	for _, dep := range e.after {
		select {
		case <-dep.Done():
		case <-ctx.Done():
			e.task.Cancel(task.CancelInterruptTask)
			return ctx.Err()
		}
	}

	held := p.locks.lockAll(e.resources)
	defer p.locks.unlockAll(held)

	if err := m.Submit(ctx, e.task); err != nil {
		e.task.Cancel(task.CancelInterruptTask)
		return fmt.Errorf("submitting %s: %w", e.task, err)
	}
	if _, err := e.task.Get(ctx); err != nil {
		if ctx.Err() != nil {
			e.task.Cancel(task.CancelInterruptTask)
			return ctx.Err()
		}
		return fmt.Errorf("%s: %w", e.task, err)
	}
	return nil
}

func cancelEntries(entries []*entry) {
	for _, e := range entries {
		e.task.Cancel(task.CancelInterruptTask)
	}
}

// Queue is a standalone queueing context for callers that are not running
// inside a composite job. Tasks accumulate until Drain runs them.
type Queue struct {
	p          *pending
	sequential bool
}

// NewQueue creates a queue that drains one task at a time when sequential is
// set, all at once otherwise. With failFast the first failure cancels the
// remaining tasks.
func NewQueue(sequential, failFast bool) *Queue {
	return &Queue{p: newPending(failFast), sequential: sequential}
}

// Queue implements QueueingContext.
func (q *Queue) Queue(t *task.Task) error {
	return q.p.add(t)
}

// QueueWith queues t with per-task options.
func (q *Queue) QueueWith(t *task.Task, opts ...QueueOption) error {
	return q.p.add(t, opts...)
}

// Children returns every task queued so far.
func (q *Queue) Children() []*task.Task {
	return q.p.children()
}

// Drain submits every waiting task to m and blocks until they finish. Tasks
// queued while draining are picked up too.
func (q *Queue) Drain(ctx context.Context, m *execution.Manager) error {
	run := runParallel
	if q.sequential {
		run = runSequential
	}
	return q.p.drain(ctx, m, nil, run)
}
