package execution

import (
	"errors"

	"github.com/aristath/taskexec/internal/scheduler"
	"github.com/aristath/taskexec/internal/task"
)

var (
	// ErrShutdown is returned by submissions after Shutdown was called.
	ErrShutdown = errors.New("execution: manager is shut down")

	// ErrAlreadySubmitted is returned when a task instance is submitted twice.
	ErrAlreadySubmitted = task.ErrAlreadySubmitted
)

// SchedulerConflictError is returned when binding a scheduler to a tag that
// already has one of a different kind.
type SchedulerConflictError = scheduler.ConflictError
