package scheduler

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/aristath/taskexec/internal/task"
)

// Executor runs functions on the shared worker pool.
type Executor interface {
	Execute(fn func())
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(fn func())

// Execute calls f(fn).
func (f ExecutorFunc) Execute(fn func()) { f(fn) }

// Submission is one task handed to a scheduler.
type Submission struct {
	Task *task.Task
	// Ctx is cancelled when the task is cancelled before it begins, or
	// interrupted while running.
	Ctx context.Context
	// Run executes the task's wrapped lifecycle on the calling goroutine and
	// returns the job error, if any.
	Run func() error
	// Reject ends the task with err without running the job.
	Reject func(err error)
}

// TaskScheduler decides when submissions sharing a tag actually run.
type TaskScheduler interface {
	// Init hands the scheduler the shared pool. It is called once, when the
	// scheduler is bound to a tag.
	Init(pool Executor)
	// Submit takes ownership of sub. It must eventually call sub.Run or
	// sub.Reject exactly once.
	Submit(sub Submission)
}

// ConflictError is returned when a tag already has a scheduler of a
// different kind.
type ConflictError struct {
	Tag       any
	Existing  string
	Requested string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("tag %v already has scheduler %s; cannot bind %s", e.Tag, e.Existing, e.Requested)
}

// Registry holds at most one scheduler per tag.
type Registry struct {
	mu    sync.Mutex
	pool  Executor
	byTag map[any]TaskScheduler
}

// NewRegistry creates a registry whose schedulers dispatch onto pool.
func NewRegistry(pool Executor) *Registry {
	return &Registry{
		pool:  pool,
		byTag: make(map[any]TaskScheduler),
	}
}

// Set binds s to tag. Binding the same instance, or another instance of the
// same type, is a no-op that keeps the existing scheduler; a different type
// fails with *ConflictError.
func (r *Registry) Set(tag any, s TaskScheduler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byTag[tag]; ok {
		if existing == s || reflect.TypeOf(existing) == reflect.TypeOf(s) {
			return nil
		}
		return &ConflictError{
			Tag:       tag,
			Existing:  reflect.TypeOf(existing).String(),
			Requested: reflect.TypeOf(s).String(),
		}
	}
	s.Init(r.pool)
	r.byTag[tag] = s
	return nil
}

// Clear unbinds the scheduler for tag and returns it. Submissions it already
// holds still run.
func (r *Registry) Clear(tag any) (TaskScheduler, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byTag[tag]
	delete(r.byTag, tag)
	return s, ok
}

// Get returns the scheduler bound to tag.
func (r *Registry) Get(tag any) (TaskScheduler, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byTag[tag]
	return s, ok
}

// Resolve returns the scheduler of the first tag in tags that has one, that
// tag, and the other tags that also have one.
func (r *Registry) Resolve(tags []any) (s TaskScheduler, tag any, others []any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, candidate := range tags {
		found, ok := r.byTag[candidate]
		if !ok {
			continue
		}
		if s == nil {
			s, tag = found, candidate
			continue
		}
		others = append(others, candidate)
	}
	return s, tag, others
}

// Len returns the number of bound tags.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byTag)
}

func execute(pool Executor, fn func()) {
	if pool == nil {
		go fn()
		return
	}
	pool.Execute(fn)
}
