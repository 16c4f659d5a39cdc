package task

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Task is a unit of work with a stable identity, tags, lifecycle timestamps
// and a single terminal outcome. A Task is inert until a manager drives it.
type Task struct {
	id        string
	forgotten bool

	mu          sync.Mutex
	name        string
	description string
	tags        []any
	tagSet      map[any]struct{}
	job         Job
	onStart     func(*Task)
	onEnd       func(*Task)

	queued    time.Time
	submitted time.Time
	started   time.Time
	ended     time.Time

	running     bool
	interrupt   context.CancelFunc
	cancelled   bool
	cancelMode  CancelMode
	owner       Owner
	cancelHooks []func()

	submitter       *submitterRef
	blockingTask    *Task
	blockingDetails string

	result *Result
}

// Option configures a Task at construction.
type Option func(*Task)

// WithDisplayName sets the human-readable name.
func WithDisplayName(name string) Option {
	return func(t *Task) { t.name = name }
}

// WithDescription sets a free-text description.
func WithDescription(description string) Option {
	return func(t *Task) { t.description = description }
}

// WithTag adds a single tag.
func WithTag(tag any) Option {
	return func(t *Task) { t.addTagLocked(tag) }
}

// WithTags adds several tags, preserving their order for display.
func WithTags(tags ...any) Option {
	return func(t *Task) {
		for _, tag := range tags {
			t.addTagLocked(tag)
		}
	}
}

// WithStartCallback registers fn to run on the worker just before the job.
func WithStartCallback(fn func(*Task)) Option {
	return func(t *Task) { t.onStart = fn }
}

// WithEndCallback registers fn to run on the worker once the outcome is
// recorded.
func WithEndCallback(fn func(*Task)) Option {
	return func(t *Task) { t.onEnd = fn }
}

// New creates an unsubmitted task around job.
func New(job Job, opts ...Option) *Task {
	if job == nil {
		job = noopJob{}
	}
	t := &Task{
		id:     uuid.New().String(),
		job:    job,
		tagSet: make(map[any]struct{}),
		result: newResult(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.name == "" {
		t.name = t.id[:8]
	}
	return t
}

// Func is shorthand for New(JobFunc(fn), opts...).
func Func(fn func(ctx context.Context) (any, error), opts ...Option) *Task {
	return New(JobFunc(fn), opts...)
}

// ID returns the task's immutable identifier.
func (t *Task) ID() string { return t.id }

// Name returns the display name.
func (t *Task) Name() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.name
}

// Description returns the description.
func (t *Task) Description() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.description
}

// Job returns the job currently attached to the task.
func (t *Task) Job() Job {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.job
}

// SetJob replaces the job. It fails once execution has started.
func (t *Task) SetJob(job Job) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.started.IsZero() {
		return errors.New("task: job cannot be replaced after start")
	}
	t.job = job
	return nil
}

// Tags returns a copy of the tags in insertion order.
func (t *Task) Tags() []any {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]any, len(t.tags))
	copy(out, t.tags)
	return out
}

// HasTag reports whether tag is attached.
func (t *Task) HasTag(tag any) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.tagSet[tag]
	return ok
}

// AddTags attaches tags. Tags added after submission are visible on the task
// but are not indexed by the manager.
func (t *Task) AddTags(tags ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, tag := range tags {
		t.addTagLocked(tag)
	}
}

func (t *Task) addTagLocked(tag any) {
	if _, ok := t.tagSet[tag]; ok {
		return
	}
	t.tagSet[tag] = struct{}{}
	t.tags = append(t.tags, tag)
}

// QueuedTime returns when the task was queued, or the zero time.
func (t *Task) QueuedTime() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.queued
}

// SubmitTime returns when the task was submitted, or the zero time.
func (t *Task) SubmitTime() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.submitted
}

// StartTime returns when the job started, or the zero time.
func (t *Task) StartTime() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.started
}

// EndTime returns when the task ended, or the zero time.
func (t *Task) EndTime() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ended
}

// IsSubmitted reports whether a manager has accepted the task.
func (t *Task) IsSubmitted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.submitted.IsZero()
}

// IsBegun reports whether the job has started.
func (t *Task) IsBegun() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.started.IsZero()
}

// IsRunning reports whether the job is executing right now.
func (t *Task) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// IsDone reports whether the task has a terminal outcome. A cancelled task is
// done immediately, even while its job is still unwinding.
func (t *Task) IsDone() bool {
	return t.result.IsDone()
}

// IsDoneAndStopped reports whether the task is done and its job is no longer
// executing.
func (t *Task) IsDoneAndStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result.IsDone() && !t.running
}

// IsCancelled reports whether the cancellation flag is set.
func (t *Task) IsCancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// CancelMode returns the mode of the cancellation, if any.
func (t *Task) CancelMode() (CancelMode, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelMode, t.cancelled
}

// IsError reports whether the task ended with a job error.
func (t *Task) IsError() bool {
	_, err, ok := t.result.Peek()
	return ok && err != nil && !errors.Is(err, ErrCancelled)
}

// Result returns the task's result handle.
func (t *Task) Result() *Result { return t.result }

// Done returns a channel closed once the task has an outcome.
func (t *Task) Done() <-chan struct{} { return t.result.Done() }

// Get blocks until the task has an outcome or ctx is done. It returns
// ErrCancelled for a cancelled task and the job's own error on failure.
func (t *Task) Get(ctx context.Context) (any, error) {
	return t.result.Wait(ctx)
}

// GetTimeout is Get bounded by d; it returns ErrTimeout when d elapses first.
func (t *Task) GetTimeout(d time.Duration) (any, error) {
	return t.result.WaitTimeout(d)
}

// BlockingTask returns the task this one is waiting on, if any.
func (t *Task) BlockingTask() *Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.blockingTask
}

// SetBlockingTask records which task this one is waiting on. Pass nil to clear.
func (t *Task) SetBlockingTask(other *Task) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.blockingTask = other
}

// BlockingDetails returns the free-text reason this task is waiting.
func (t *Task) BlockingDetails() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.blockingDetails
}

// SetBlockingDetails records why this task is waiting. Pass "" to clear.
func (t *Task) SetBlockingDetails(details string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.blockingDetails = details
}

// Owner returns the manager the task was submitted to, if any.
func (t *Task) Owner() Owner {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.owner
}

// OnCancel registers fn to run once when the task is first cancelled. If it
// already is, fn runs immediately.
func (t *Task) OnCancel(fn func()) {
	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		fn()
		return
	}
	t.cancelHooks = append(t.cancelHooks, fn)
	t.mu.Unlock()
}

// Cancel cancels the task and returns true only on the call that caused the
// cancellation. Submitted tasks route through their owner so the cascade runs.
func (t *Task) Cancel(mode CancelMode) bool {
	if owner := t.Owner(); owner != nil {
		return owner.CancelTask(t, mode)
	}
	return t.CancelLocal(mode)
}

// CancelLocal cancels this task without any cascade. A task that already has
// an outcome cannot be cancelled.
func (t *Task) CancelLocal(mode CancelMode) bool {
	t.mu.Lock()
	if t.cancelled || t.result.IsDone() {
		t.mu.Unlock()
		return false
	}
	t.cancelled = true
	t.cancelMode = mode
	if !t.submitted.IsZero() && t.ended.IsZero() {
		t.ended = t.nowAfterLocked()
	}
	var interrupt context.CancelFunc
	if t.running && mode.InterruptsTask() {
		interrupt = t.interrupt
	}
	hooks := t.cancelHooks
	t.cancelHooks = nil
	t.result.complete(nil, ErrCancelled)
	t.mu.Unlock()

	if interrupt != nil {
		interrupt()
	}
	for _, hook := range hooks {
		hook()
	}
	return true
}

// Interrupt cancels the running job's context without marking the task
// cancelled. Managers use it to force a stop on shutdown.
func (t *Task) Interrupt() {
	t.mu.Lock()
	interrupt := t.interrupt
	t.mu.Unlock()
	if interrupt != nil {
		interrupt()
	}
}

// MarkQueued records the queued time. It has no effect once submitted.
func (t *Task) MarkQueued() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.queued.IsZero() && t.submitted.IsZero() {
		t.queued = time.Now()
	}
}

// MarkSubmitted records submission to owner. It fails with
// ErrAlreadySubmitted when the task has been submitted before, leaving the
// earlier submission untouched.
func (t *Task) MarkSubmitted(owner Owner) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.submitted.IsZero() {
		return ErrAlreadySubmitted
	}
	t.submitted = t.nowAfterLocked()
	t.owner = owner
	return nil
}

// Begin marks the job as started on the calling goroutine. interrupt cancels
// the job's context. Begin returns false when the task was cancelled or is
// already running, in which case the job must not be invoked.
func (t *Task) Begin(interrupt context.CancelFunc) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cancelled || t.running || t.result.IsDone() {
		return false
	}
	t.running = true
	t.interrupt = interrupt
	t.started = t.nowAfterLocked()
	return true
}

// Finish records the outcome of a run. A cancelled task keeps its cancelled
// outcome whatever the job returned. It reports whether this call recorded
// the outcome.
func (t *Task) Finish(value any, err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.running = false
	t.interrupt = nil
	if t.ended.IsZero() {
		t.ended = t.nowAfterLocked()
	}
	if t.cancelled {
		return t.result.complete(nil, ErrCancelled)
	}
	return t.result.complete(value, err)
}

// StartCallback returns the start callback, if any.
func (t *Task) StartCallback() func(*Task) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.onStart
}

// EndCallback returns the end callback, if any.
func (t *Task) EndCallback() func(*Task) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.onEnd
}

// nowAfterLocked returns the current time, clamped so it never precedes an
// earlier lifecycle timestamp.
func (t *Task) nowAfterLocked() time.Time {
	now := time.Now()
	for _, prev := range []time.Time{t.queued, t.submitted, t.started} {
		if now.Before(prev) {
			now = prev
		}
	}
	return now
}

// String returns "name (id)".
func (t *Task) String() string {
	return t.Name() + " (" + t.id + ")"
}
