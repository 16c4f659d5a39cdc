package execution

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aristath/taskexec/internal/events"
	"github.com/aristath/taskexec/internal/scheduler"
	"github.com/aristath/taskexec/internal/task"
)

// Manager is the single point of truth for which tasks exist, what state
// they are in, and when they run. It indexes tasks by id and tag, runs them
// on an unbounded goroutine pool or a tag-bound scheduler, and drives the
// cancellation cascade.
type Manager struct {
	logger *slog.Logger
	bus    *events.EventBus
	jitter time.Duration
	hook   DiagnosticHook

	baseCtx context.Context
	stop    context.CancelFunc
	pool    errgroup.Group

	// gate orders submissions against Shutdown so the pool is never
	// grown while Shutdown waits on it.
	gate       sync.Mutex
	closed     atomic.Bool
	submitting sync.WaitGroup

	schedulers *scheduler.Registry

	idMu sync.RWMutex
	byID map[string]*task.Task

	tagMu sync.Mutex
	byTag map[any]map[string]*task.Task

	listenerMu     sync.RWMutex
	listeners      map[int]Listener
	nextListenerID int

	scheduleMu sync.Mutex
	schedules  map[string]*ScheduledTask

	total      atomic.Int64
	incomplete atomic.Int64
	active     atomic.Int64
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the structured logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithEventBus publishes lifecycle events on bus.
func WithEventBus(bus *events.EventBus) Option {
	return func(m *Manager) { m.bus = bus }
}

// WithStartJitter delays each job by a random duration in [0, d) after it
// begins.
func WithStartJitter(d time.Duration) Option {
	return func(m *Manager) { m.jitter = d }
}

// WithDiagnosticHook installs a hook around every job execution.
func WithDiagnosticHook(hook DiagnosticHook) Option {
	return func(m *Manager) { m.hook = hook }
}

// WithListener registers a completion listener at construction.
func WithListener(l Listener) Option {
	return func(m *Manager) { m.AddListener(l) }
}

// NewManager creates a running manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		logger:    slog.Default(),
		byID:      make(map[string]*task.Task),
		byTag:     make(map[any]map[string]*task.Task),
		listeners: make(map[int]Listener),
		schedules: make(map[string]*ScheduledTask),
	}
	m.baseCtx, m.stop = context.WithCancel(context.Background())
	m.schedulers = scheduler.NewRegistry(m)
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Execute runs fn on the manager's worker pool. It implements
// scheduler.Executor and is meant for schedulers dispatching admitted
// submissions.
func (m *Manager) Execute(fn func()) {
	m.pool.Go(func() error {
		fn()
		return nil
	})
}

// Submit hands t to the manager. The task currently executing under ctx, if
// any, is recorded as t's submitter. Submitting the same task twice fails
// with ErrAlreadySubmitted and leaves the first submission untouched.
func (m *Manager) Submit(ctx context.Context, t *task.Task) error {
	if !m.enter() {
		return ErrShutdown
	}
	defer m.submitting.Done()

	if err := m.register(ctx, t); err != nil {
		return err
	}
	m.dispatch(t)
	return nil
}

// SubmitJob builds a task around job and submits it.
func (m *Manager) SubmitJob(ctx context.Context, job task.Job, opts ...task.Option) (*task.Task, error) {
	t := task.New(job, opts...)
	if err := m.Submit(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// enter admits one submission unless the manager is shut down. Every
// admitted submission must call m.submitting.Done.
func (m *Manager) enter() bool {
	m.gate.Lock()
	defer m.gate.Unlock()
	if m.closed.Load() {
		return false
	}
	m.submitting.Add(1)
	return true
}

// register performs the bookkeeping shared by plain and scheduled
// submissions. Indexing happens before the task can run.
func (m *Manager) register(ctx context.Context, t *task.Task) error {
	if err := t.MarkSubmitted(m); err != nil {
		return fmt.Errorf("submitting task %s: %w", t.ID(), err)
	}
	if parent := task.Current(ctx); parent != nil && parent != t {
		t.SetSubmittedBy(parent.ID(), m.lookup)
	}

	m.index(t)
	m.total.Add(1)
	m.incomplete.Add(1)

	m.publish(events.TopicTask, events.TaskSubmittedEvent{
		ID:          t.ID(),
		Name:        t.Name(),
		Tags:        tagStrings(t.Tags()),
		SubmittedBy: t.SubmittedByID(),
		Timestamp:   t.SubmitTime(),
	})
	m.publishStats()
	return nil
}

// dispatch routes t to the scheduler bound to one of its tags, or the pool.
func (m *Manager) dispatch(t *task.Task) {
	runCtx, cancel := context.WithCancel(m.baseCtx)
	runCtx = withManager(task.WithCurrent(runCtx, t), m)

	var once sync.Once
	finish := func(value any, err error) {
		once.Do(func() { m.finish(t, value, err) })
	}

	// A task cancelled before it begins is finished on the spot and
	// releases whatever is holding it. Begin fails for it later.
	t.OnCancel(func() {
		if !t.IsBegun() {
			cancel()
			finish(nil, task.ErrCancelled)
		}
	})

	sub := scheduler.Submission{
		Task: t,
		Ctx:  runCtx,
		Run:  func() error { return m.run(runCtx, cancel, t, finish) },
		Reject: func(err error) {
			cancel()
			finish(nil, err)
		},
	}

	s, tag, others := m.schedulers.Resolve(t.Tags())
	if s == nil {
		m.Execute(func() { _ = sub.Run() })
		return
	}
	if len(others) > 0 {
		m.logger.Warn("task has several tags with schedulers; using the first",
			slog.String("task_id", t.ID()),
			slog.Any("tag", tag),
			slog.Any("ignored", others),
		)
	}
	s.Submit(sub)
}

// run is the wrapped lifecycle executed on a worker goroutine.
func (m *Manager) run(ctx context.Context, cancel context.CancelFunc, t *task.Task, finish func(any, error)) error {
	defer cancel()

	if !t.Begin(cancel) {
		finish(nil, task.ErrCancelled)
		return task.ErrCancelled
	}
	m.activeUp()
	m.publish(events.TopicTask, events.TaskStartedEvent{ID: t.ID(), Name: t.Name(), Timestamp: t.StartTime()})

	if m.jitter > 0 {
		m.sleep(ctx, rand.N(m.jitter))
	}

	var exit func()
	if m.hook != nil {
		ctx, exit = m.enterHook(ctx, t)
	}
	if cb := t.StartCallback(); cb != nil {
		m.callback("start", t, cb)
	}

	value, err := m.invoke(ctx, t)

	if exit != nil {
		exit()
	}
	m.active.Add(-1)
	finish(value, err)

	if t.IsCancelled() {
		return task.ErrCancelled
	}
	return err
}

// finish records the outcome and notifies callbacks, listeners and the bus.
// Callers guarantee it runs exactly once per submitted task.
func (m *Manager) finish(t *task.Task, value any, err error) {
	t.Finish(value, err)
	m.incomplete.Add(-1)

	if cb := t.EndCallback(); cb != nil {
		m.callback("end", t, cb)
	}
	m.notify(t)

	status := t.Status()
	duration := status.Ended.Sub(status.Started)
	if status.Started.IsZero() {
		duration = 0
	}
	switch status.State {
	case task.StateCancelled:
		mode, _ := t.CancelMode()
		m.logger.Debug("task cancelled", slog.String("task_id", t.ID()), slog.String("mode", mode.String()))
		m.publish(events.TopicTask, events.TaskCancelledEvent{ID: t.ID(), Mode: mode.String(), Timestamp: status.Ended})
	case task.StateFailed:
		m.logger.Debug("task failed", slog.String("task_id", t.ID()), slog.String("task", status.Name), slog.Any("error", status.Err))
		m.publish(events.TopicTask, events.TaskFailedEvent{ID: t.ID(), Err: status.Err, Duration: duration, Timestamp: status.Ended})
	default:
		m.publish(events.TopicTask, events.TaskCompletedEvent{ID: t.ID(), Result: fmt.Sprint(status.Value), Duration: duration, Timestamp: status.Ended})
	}
	m.publishStats()
}

// invoke calls the job, turning a panic into an error.
func (m *Manager) invoke(ctx context.Context, t *task.Task) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", t.ID(), r)
			m.logger.Error("task panicked",
				slog.String("task_id", t.ID()),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()
	return t.Job().Run(ctx)
}

func (m *Manager) enterHook(ctx context.Context, t *task.Task) (out context.Context, exit func()) {
	out = ctx
	defer func() {
		if r := recover(); r != nil {
			m.logger.Warn("diagnostic hook panicked on enter", slog.String("task_id", t.ID()), slog.Any("panic", r))
			out, exit = ctx, nil
		}
	}()
	hooked := m.hook.Enter(ctx, t)
	if hooked == nil {
		hooked = ctx
	}
	return hooked, func() {
		defer func() {
			if r := recover(); r != nil {
				m.logger.Warn("diagnostic hook panicked on exit", slog.String("task_id", t.ID()), slog.Any("panic", r))
			}
		}()
		m.hook.Exit(hooked, t)
	}
}

func (m *Manager) callback(which string, t *task.Task, fn func(*task.Task)) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Warn("task callback panicked",
				slog.String("callback", which),
				slog.String("task_id", t.ID()),
				slog.Any("panic", r),
			)
		}
	}()
	fn(t)
}

func (m *Manager) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// SetTaskSchedulerForTag binds s to tag. Binding the same instance or type
// again is a no-op; a different type fails with *SchedulerConflictError.
func (m *Manager) SetTaskSchedulerForTag(tag any, s scheduler.TaskScheduler) error {
	if err := m.schedulers.Set(tag, s); err != nil {
		return fmt.Errorf("binding scheduler: %w", err)
	}
	return nil
}

// ClearTaskSchedulerForTag unbinds the scheduler for tag and reports whether
// one was bound.
func (m *Manager) ClearTaskSchedulerForTag(tag any) bool {
	_, ok := m.schedulers.Clear(tag)
	return ok
}

// TaskSchedulerForTag returns the scheduler bound to tag.
func (m *Manager) TaskSchedulerForTag(tag any) (scheduler.TaskScheduler, bool) {
	return m.schedulers.Get(tag)
}

// Shutdown stops accepting work, stops pending schedules and waits for
// in-flight jobs. If ctx ends first, every running job is interrupted and
// the context error is returned.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.gate.Lock()
	m.closed.Store(true)
	m.gate.Unlock()
	m.stopSchedules()

	done := make(chan struct{})
	go func() {
		m.submitting.Wait()
		_ = m.pool.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.stop()
		return nil
	case <-ctx.Done():
		m.stop()
		m.logger.Warn("shutdown deadline reached; interrupting running tasks", slog.Int64("active", m.active.Load()))
		return fmt.Errorf("shutdown: %w", ctx.Err())
	}
}

// IsShutdown reports whether Shutdown has been called.
func (m *Manager) IsShutdown() bool {
	return m.closed.Load()
}

func (m *Manager) publish(topic string, ev events.Event) {
	if m.bus != nil {
		m.bus.Publish(topic, ev)
	}
}

func tagStrings(tags []any) []string {
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		out = append(out, fmt.Sprint(tag))
	}
	return out
}

type managerKey struct{}

func withManager(ctx context.Context, m *Manager) context.Context {
	return context.WithValue(ctx, managerKey{}, m)
}

// FromContext returns the manager running the job that received ctx.
func FromContext(ctx context.Context) (*Manager, bool) {
	if ctx == nil {
		return nil, false
	}
	m, ok := ctx.Value(managerKey{}).(*Manager)
	return m, ok
}
