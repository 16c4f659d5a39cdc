package task

// CancelMode controls how far a cancellation reaches.
type CancelMode int

const (
	// CancelInterruptTask interrupts this task only.
	CancelInterruptTask CancelMode = iota
	// CancelDoNotInterrupt marks the task cancelled without interrupting a
	// job that is already running.
	CancelDoNotInterrupt
	// CancelInterruptDependents interrupts this task, its structural children
	// and the tasks it submitted that carry TransientTag.
	CancelInterruptDependents
	// CancelInterruptAll interrupts this task, its structural children and
	// every task it submitted, transitively.
	CancelInterruptAll
)

// TransientTag marks a task as owned by whichever task submitted it, so
// CancelInterruptDependents reaches it.
const TransientTag = "transient"

// String returns the mode name.
func (m CancelMode) String() string {
	switch m {
	case CancelInterruptTask:
		return "interrupt-task"
	case CancelDoNotInterrupt:
		return "do-not-interrupt"
	case CancelInterruptDependents:
		return "interrupt-dependents"
	case CancelInterruptAll:
		return "interrupt-all"
	default:
		return "unknown"
	}
}

// InterruptsTask reports whether a running job is interrupted.
func (m CancelMode) InterruptsTask() bool {
	return m != CancelDoNotInterrupt
}

// Cascades reports whether the cancellation recurses into children and
// submitted tasks.
func (m CancelMode) Cascades() bool {
	return m == CancelInterruptDependents || m == CancelInterruptAll
}

// Reaches reports whether a task submitted by the cancelled one is covered.
func (m CancelMode) Reaches(submitted *Task) bool {
	switch m {
	case CancelInterruptAll:
		return true
	case CancelInterruptDependents:
		return submitted.HasTag(TransientTag)
	default:
		return false
	}
}

// Canceller is the cancellation capability of a task handle.
type Canceller interface {
	Cancel(mode CancelMode) bool
	IsCancelled() bool
}

// Owner routes cancellation of a submitted task through the manager that
// owns it so the cascade can run.
type Owner interface {
	CancelTask(t *Task, mode CancelMode) bool
}
