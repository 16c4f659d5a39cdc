package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/robfig/cron/v3"

	"github.com/aristath/taskexec/internal/events"
	"github.com/aristath/taskexec/internal/task"
)

// ScheduledTask runs a fresh task from its factory after an initial delay
// and then every period, until it is cancelled, reaches its iteration cap,
// or an iteration fails with cancel-on-error set. Without a period or cron
// schedule it runs exactly once.
//
// The schedule is itself a task: it is indexed, cancelled and deleted like
// any other, and every iteration records it as submitter.
type ScheduledTask struct {
	t       *task.Task
	factory func() *task.Task

	delay         time.Duration
	period        time.Duration
	maxIterations int
	cancelOnError bool
	backoff       backoff.BackOff
	cron          cron.Schedule
	cronErr       error

	mu       sync.Mutex
	manager  *Manager
	timer    *time.Timer
	runCount int
	last     *task.Task
	next     *task.Task
	lastErr  string
	nextFire time.Time
	finished bool
	taskOpts []task.Option
}

// ScheduleOption configures a ScheduledTask.
type ScheduleOption func(*ScheduledTask)

// WithDelay sets the delay before the first iteration.
func WithDelay(d time.Duration) ScheduleOption {
	return func(st *ScheduledTask) { st.delay = d }
}

// WithPeriod repeats the iteration every d after the previous one ends.
func WithPeriod(d time.Duration) ScheduleOption {
	return func(st *ScheduledTask) { st.period = d }
}

// WithMaxIterations caps the number of iterations. Zero means no cap.
func WithMaxIterations(n int) ScheduleOption {
	return func(st *ScheduledTask) { st.maxIterations = n }
}

// WithCancelOnError ends the schedule with the error of the first failed
// iteration. Without it, failures are logged and the schedule continues.
func WithCancelOnError(cancel bool) ScheduleOption {
	return func(st *ScheduledTask) { st.cancelOnError = cancel }
}

// WithErrorBackoff replaces the period after failed iterations with the
// next interval of b. The schedule ends when b gives up.
func WithErrorBackoff(b backoff.BackOff) ScheduleOption {
	return func(st *ScheduledTask) { st.backoff = b }
}

// WithCron fires iterations on a standard five-field cron expression
// instead of a fixed period.
func WithCron(spec string) ScheduleOption {
	return func(st *ScheduledTask) {
		sched, err := cron.ParseStandard(spec)
		if err != nil {
			st.cronErr = fmt.Errorf("parsing cron %q: %w", spec, err)
			return
		}
		st.cron = sched
	}
}

// WithScheduledName sets the display name of the schedule's task.
func WithScheduledName(name string) ScheduleOption {
	return func(st *ScheduledTask) { st.taskOpts = append(st.taskOpts, task.WithDisplayName(name)) }
}

// WithScheduledTags tags the schedule's task.
func WithScheduledTags(tags ...any) ScheduleOption {
	return func(st *ScheduledTask) { st.taskOpts = append(st.taskOpts, task.WithTags(tags...)) }
}

// NewScheduledTask creates a schedule. factory must return a new,
// unsubmitted task on each call.
func NewScheduledTask(factory func() *task.Task, opts ...ScheduleOption) *ScheduledTask {
	st := &ScheduledTask{factory: factory}
	for _, opt := range opts {
		opt(st)
	}
	st.t = task.New(scheduleJob{st: st}, st.taskOpts...)
	return st
}

// Task returns the task representing the whole schedule.
func (st *ScheduledTask) Task() *task.Task { return st.t }

// RunCount returns how many iterations have been submitted.
func (st *ScheduledTask) RunCount() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.runCount
}

// LastIteration returns the most recently finished iteration.
func (st *ScheduledTask) LastIteration() *task.Task {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.last
}

// NextIteration returns the iteration in flight, if any.
func (st *ScheduledTask) NextIteration() *task.Task {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.next
}

// NextFire returns when the next iteration is due, or the zero time.
func (st *ScheduledTask) NextFire() time.Time {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.nextFire
}

// SubmitScheduled starts st on the manager. The task executing under ctx,
// if any, becomes the schedule's submitter.
func (m *Manager) SubmitScheduled(ctx context.Context, st *ScheduledTask) error {
	if st.cronErr != nil {
		return st.cronErr
	}
	if !m.enter() {
		return ErrShutdown
	}
	defer m.submitting.Done()

	if err := m.register(ctx, st.t); err != nil {
		return err
	}

	st.mu.Lock()
	st.manager = m
	st.mu.Unlock()

	m.scheduleMu.Lock()
	m.schedules[st.t.ID()] = st
	m.scheduleMu.Unlock()

	st.t.OnCancel(st.onCancel)
	st.arm(st.delay)
	return nil
}

func (m *Manager) stopSchedules() {
	m.scheduleMu.Lock()
	pending := make([]*ScheduledTask, 0, len(m.schedules))
	for _, st := range m.schedules {
		pending = append(pending, st)
	}
	m.scheduleMu.Unlock()

	for _, st := range pending {
		m.CancelTask(st.t, task.CancelDoNotInterrupt)
	}
}

// arm schedules the next firing. Cron schedules ignore d.
func (st *ScheduledTask) arm(d time.Duration) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.finished {
		return
	}
	now := time.Now()
	if st.cron != nil && (st.runCount > 0 || st.delay == 0) {
		d = st.cron.Next(now).Sub(now)
	}
	st.nextFire = now.Add(d)
	st.timer = time.AfterFunc(d, st.fire)
}

func (st *ScheduledTask) fire() {
	st.mu.Lock()
	m := st.manager
	if st.finished || st.t.IsCancelled() {
		st.mu.Unlock()
		return
	}
	if m.IsShutdown() {
		st.mu.Unlock()
		m.CancelTask(st.t, task.CancelDoNotInterrupt)
		return
	}
	if !st.t.IsBegun() {
		st.t.Begin(func() {})
		m.publish(events.TopicTask, events.TaskStartedEvent{ID: st.t.ID(), Name: st.t.Name(), Timestamp: st.t.StartTime()})
	}
	it := st.factory()
	st.next = it
	st.nextFire = time.Time{}
	st.mu.Unlock()

	ctx := task.WithCurrent(m.baseCtx, st.t)
	if err := m.Submit(ctx, it); err != nil {
		st.mu.Lock()
		st.next = nil
		st.mu.Unlock()
		st.complete(nil, fmt.Errorf("submitting iteration: %w", err))
		return
	}

	st.mu.Lock()
	st.runCount++
	st.mu.Unlock()

	go func() {
		<-it.Done()
		st.iterationEnded(it)
	}()
}

func (st *ScheduledTask) iterationEnded(it *task.Task) {
	value, err, _ := it.Result().Peek()

	st.mu.Lock()
	st.last = it
	if st.next == it {
		st.next = nil
	}
	if st.t.IsCancelled() {
		st.mu.Unlock()
		st.complete(nil, task.ErrCancelled)
		return
	}

	delay := st.period
	failed := err != nil && !errors.Is(err, task.ErrCancelled)
	if failed {
		if st.cancelOnError {
			st.mu.Unlock()
			st.complete(nil, err)
			return
		}
		st.logIterationErrorLocked(err)
		if st.backoff != nil {
			d := st.backoff.NextBackOff()
			if d == backoff.Stop {
				n := st.runCount
				st.mu.Unlock()
				st.complete(nil, fmt.Errorf("giving up after %d iterations: %w", n, err))
				return
			}
			delay = d
		}
	} else {
		st.lastErr = ""
		if st.backoff != nil {
			st.backoff.Reset()
		}
	}

	if st.period <= 0 && st.cron == nil {
		st.mu.Unlock()
		st.complete(value, err)
		return
	}
	if st.maxIterations > 0 && st.runCount >= st.maxIterations {
		st.mu.Unlock()
		st.complete(value, nil)
		return
	}
	st.mu.Unlock()
	st.arm(delay)
}

// logIterationErrorLocked warns on the first failure of a given type and
// logs repeats at debug.
func (st *ScheduledTask) logIterationErrorLocked(err error) {
	logger := st.manager.logger
	kind := fmt.Sprintf("%T", err)
	attrs := []any{
		slog.String("schedule_id", st.t.ID()),
		slog.String("schedule", st.t.Name()),
		slog.Int("iteration", st.runCount),
		slog.Any("error", err),
	}
	if kind == st.lastErr {
		logger.Debug("scheduled iteration failed again", attrs...)
		return
	}
	st.lastErr = kind
	logger.Warn("scheduled iteration failed; schedule continues", attrs...)
}

func (st *ScheduledTask) onCancel() {
	st.mu.Lock()
	if st.timer != nil {
		st.timer.Stop()
	}
	st.nextFire = time.Time{}
	next := st.next
	st.mu.Unlock()

	if next == nil {
		st.complete(nil, task.ErrCancelled)
		return
	}
	mode, _ := st.t.CancelMode()
	next.Cancel(mode)
}

// complete records the schedule's outcome once.
func (st *ScheduledTask) complete(value any, err error) {
	st.mu.Lock()
	if st.finished {
		st.mu.Unlock()
		return
	}
	st.finished = true
	if st.timer != nil {
		st.timer.Stop()
	}
	m := st.manager
	st.mu.Unlock()

	m.finish(st.t, value, err)

	m.scheduleMu.Lock()
	delete(m.schedules, st.t.ID())
	m.scheduleMu.Unlock()
}

// scheduleJob is the job of the schedule's own task. It is never run by the
// pool; it exposes the in-flight iteration to cancellation and deletion.
type scheduleJob struct {
	st *ScheduledTask
}

func (j scheduleJob) Run(context.Context) (any, error) {
	return nil, errors.New("scheduled task is driven by its timer")
}

// Children implements task.HasChildren.
func (j scheduleJob) Children() []*task.Task {
	var out []*task.Task
	if last := j.st.LastIteration(); last != nil {
		out = append(out, last)
	}
	if next := j.st.NextIteration(); next != nil {
		out = append(out, next)
	}
	return out
}
