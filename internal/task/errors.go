package task

import "errors"

var (
	// ErrCancelled is returned by Get when the task was cancelled, before or
	// during execution.
	ErrCancelled = errors.New("task: cancelled")

	// ErrTimeout is returned by GetTimeout when the wait expired. The task
	// itself is unaffected.
	ErrTimeout = errors.New("task: timed out waiting for result")

	// ErrAlreadySubmitted is returned when a task instance is handed to a
	// manager a second time.
	ErrAlreadySubmitted = errors.New("task: already submitted")
)
