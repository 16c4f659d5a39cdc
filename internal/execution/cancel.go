package execution

import (
	"log/slog"

	"github.com/aristath/taskexec/internal/task"
)

// CancelTask cancels t under mode. Modes that cascade also cancel t's
// structural children, in reverse order, and the tasks t submitted that the
// mode reaches, transitively. It returns true only for the call that moved t
// into the cancelled state. It implements task.Owner.
func (m *Manager) CancelTask(t *task.Task, mode task.CancelMode) bool {
	return m.cancel(t, mode, make(map[string]bool))
}

// Cancel is shorthand for CancelTask.
func (m *Manager) Cancel(t *task.Task, mode task.CancelMode) bool {
	return m.CancelTask(t, mode)
}

func (m *Manager) cancel(t *task.Task, mode task.CancelMode, seen map[string]bool) bool {
	if seen[t.ID()] {
		return false
	}
	seen[t.ID()] = true

	changed := t.CancelLocal(mode)
	if changed {
		m.logger.Debug("cancelling task", slog.String("task_id", t.ID()), slog.String("mode", mode.String()))
	}
	if !mode.Cascades() {
		return changed
	}

	children := task.ChildrenOf(t)
	for i := len(children) - 1; i >= 0; i-- {
		m.cancel(children[i], mode, seen)
	}
	for _, submitted := range m.submittedBy(t.ID()) {
		if !submitted.IsDone() && mode.Reaches(submitted) {
			m.cancel(submitted, mode, seen)
		}
	}
	return changed
}

// submittedBy returns the indexed tasks whose submitter is id.
func (m *Manager) submittedBy(id string) []*task.Task {
	m.idMu.RLock()
	var out []*task.Task
	for _, t := range m.byID {
		if t.SubmittedByID() == id {
			out = append(out, t)
		}
	}
	m.idMu.RUnlock()
	return sortBySubmission(out)
}
