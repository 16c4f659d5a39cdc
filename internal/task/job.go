package task

import "context"

// Job is the unit of work a Task runs. The context is cancelled when the task
// is interrupted; jobs are expected to return promptly once it is done.
type Job interface {
	Run(ctx context.Context) (any, error)
}

// JobFunc adapts an ordinary function to the Job interface.
type JobFunc func(ctx context.Context) (any, error)

// Run calls f(ctx).
func (f JobFunc) Run(ctx context.Context) (any, error) {
	return f(ctx)
}

// RunnableFunc adapts a function without a result to the Job interface.
type RunnableFunc func(ctx context.Context) error

// Run calls f(ctx) and returns a nil result.
func (f RunnableFunc) Run(ctx context.Context) (any, error) {
	return nil, f(ctx)
}

// HasChildren is implemented by jobs that own structural child tasks.
// Cancellation and deletion recurse into the children it reports.
type HasChildren interface {
	Children() []*Task
}

// ChildrenOf returns the structural children of t, or nil when its job does
// not expose any.
func ChildrenOf(t *Task) []*Task {
	if hc, ok := t.Job().(HasChildren); ok {
		return hc.Children()
	}
	return nil
}

type noopJob struct{}

func (noopJob) Run(context.Context) (any, error) { return nil, nil }
