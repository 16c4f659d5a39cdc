package dynamic

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/aristath/taskexec/internal/execution"
	"github.com/aristath/taskexec/internal/task"
)

var errNoManager = errors.New("dynamic: composite job must run on an execution manager")

// CompositeOption configures Sequential and Parallel.
type CompositeOption func(*pending)

// WithFailFast controls whether the first failed child cancels the rest.
// Composite jobs fail fast by default.
func WithFailFast(failFast bool) CompositeOption {
	return func(p *pending) { p.failFast = failFast }
}

// WithLimit caps how many children a Parallel job runs at once.
func WithLimit(n int) CompositeOption {
	return func(p *pending) { p.limit = n }
}

// composite holds the behaviour shared by Sequential and Parallel: an
// optional body that may queue more children while the drain runs.
type composite struct {
	body task.Job
	p    *pending
}

func newComposite(body task.Job, opts []CompositeOption) composite {
	p := newPending(true)
	for _, opt := range opts {
		opt(p)
	}
	return composite{body: body, p: p}
}

func (c *composite) run(ctx context.Context, run batchFunc) (any, error) {
	m, ok := execution.FromContext(ctx)
	if !ok {
		return nil, errNoManager
	}

	bodyDone := make(chan struct{})
	var value any
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.p.drain(gctx, m, bodyDone, run)
	})
	g.Go(func() error {
		defer close(bodyDone)
		if c.body == nil {
			return nil
		}
		v, err := c.body.Run(gctx)
		value = v
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if c.body == nil {
		return c.p.values(), nil
	}
	return value, nil
}

// Sequential is a job that runs its queued children one at a time, in
// dependency order, after submitting each to the manager running it. The
// optional body runs alongside the drain and may queue more children through
// its context. Without a body the job's value is the children's values in
// queue order.
type Sequential struct {
	composite
}

// NewSequential creates a sequential composite job.
func NewSequential(body task.Job, opts ...CompositeOption) *Sequential {
	return &Sequential{composite: newComposite(body, opts)}
}

// Queue implements QueueingContext.
func (s *Sequential) Queue(t *task.Task) error { return s.p.add(t) }

// QueueWith queues t with per-task options.
func (s *Sequential) QueueWith(t *task.Task, opts ...QueueOption) error { return s.p.add(t, opts...) }

// QueueAfter queues t to run after deps.
func (s *Sequential) QueueAfter(t *task.Task, deps ...*task.Task) error {
	return s.p.add(t, After(deps...))
}

// Children implements task.HasChildren.
func (s *Sequential) Children() []*task.Task { return s.p.children() }

// Run implements task.Job.
func (s *Sequential) Run(ctx context.Context) (any, error) {
	return s.run(ctx, runSequential)
}

// Parallel is a job that runs all queued children at once. Children that
// declare dependencies wait for them; children that share a resource key
// run one at a time.
type Parallel struct {
	composite
}

// NewParallel creates a parallel composite job.
func NewParallel(body task.Job, opts ...CompositeOption) *Parallel {
	return &Parallel{composite: newComposite(body, opts)}
}

// Queue implements QueueingContext.
func (p *Parallel) Queue(t *task.Task) error { return p.p.add(t) }

// QueueWith queues t with per-task options.
func (p *Parallel) QueueWith(t *task.Task, opts ...QueueOption) error { return p.p.add(t, opts...) }

// Children implements task.HasChildren.
func (p *Parallel) Children() []*task.Task { return p.p.children() }

// Run implements task.Job.
func (p *Parallel) Run(ctx context.Context) (any, error) {
	return p.run(ctx, runParallel)
}

// runParallel submits every entry of batch concurrently and waits for all of
// them. With fail-fast the first failure cancels the others.
func runParallel(ctx context.Context, m *execution.Manager, p *pending, batch []*entry) error {
	if _, err := order(batch); err != nil {
		cancelEntries(batch)
		return err
	}

	var g *errgroup.Group
	gctx := ctx
	if p.failFast {
		g, gctx = errgroup.WithContext(ctx)
	} else {
		g = &errgroup.Group{}
	}
	if p.limit > 0 {
		g.SetLimit(p.limit)
	}

	var mu sync.Mutex
	var errs []error
	for _, e := range batch {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				e.task.Cancel(task.CancelInterruptTask)
				return err
			}
			err := runEntry(gctx, m, p, e)
			if err != nil && !p.failFast {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				return nil
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return errors.Join(errs...)
}
