package events

import (
	"time"
)

// Event is implemented by everything published on the bus.
type Event interface {
	EventType() string
	TaskID() string
}

// Topic constants
const (
	TopicTask    = "task"
	TopicManager = "manager"
)

// Event type constants
const (
	EventTypeTaskSubmitted = "task.submitted"
	EventTypeTaskStarted   = "task.started"
	EventTypeTaskOutput    = "task.output"
	EventTypeTaskCompleted = "task.completed"
	EventTypeTaskFailed    = "task.failed"
	EventTypeTaskCancelled = "task.cancelled"
	EventTypeTaskDeleted   = "task.deleted"
	EventTypeManagerStats  = "manager.stats"
)

// TaskSubmittedEvent is published when a manager accepts a task.
type TaskSubmittedEvent struct {
	ID          string
	Name        string
	Tags        []string
	SubmittedBy string
	Timestamp   time.Time
}

func (e TaskSubmittedEvent) EventType() string { return EventTypeTaskSubmitted }
func (e TaskSubmittedEvent) TaskID() string    { return e.ID }

// TaskStartedEvent is published when a job begins on a worker.
type TaskStartedEvent struct {
	ID        string
	Name      string
	Timestamp time.Time
}

func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) TaskID() string    { return e.ID }

// TaskOutputEvent carries one line of output produced by a running job.
type TaskOutputEvent struct {
	ID        string
	Line      string
	Timestamp time.Time
}

func (e TaskOutputEvent) EventType() string { return EventTypeTaskOutput }
func (e TaskOutputEvent) TaskID() string    { return e.ID }

// TaskCompletedEvent is published when a task ends successfully.
type TaskCompletedEvent struct {
	ID        string
	Result    string
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) TaskID() string    { return e.ID }

// TaskFailedEvent is published when a job returns an error.
type TaskFailedEvent struct {
	ID        string
	Err       error
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) TaskID() string    { return e.ID }

// TaskCancelledEvent is published when a task is cancelled.
type TaskCancelledEvent struct {
	ID        string
	Mode      string
	Timestamp time.Time
}

func (e TaskCancelledEvent) EventType() string { return EventTypeTaskCancelled }
func (e TaskCancelledEvent) TaskID() string    { return e.ID }

// TaskDeletedEvent is published when a task leaves the manager's indexes.
type TaskDeletedEvent struct {
	ID        string
	KeptByID  bool
	Timestamp time.Time
}

func (e TaskDeletedEvent) EventType() string { return EventTypeTaskDeleted }
func (e TaskDeletedEvent) TaskID() string    { return e.ID }

// ManagerStatsEvent carries the manager counters after a lifecycle change.
type ManagerStatsEvent struct {
	Total      int64
	Incomplete int64
	Active     int64
	Timestamp  time.Time
}

func (e ManagerStatsEvent) EventType() string { return EventTypeManagerStats }
func (e ManagerStatsEvent) TaskID() string    { return "" }
