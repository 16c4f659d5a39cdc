package execution

import (
	"log/slog"
	"runtime/debug"
	"slices"
	"sort"
	"time"

	"github.com/aristath/taskexec/internal/events"
	"github.com/aristath/taskexec/internal/task"
)

func (m *Manager) index(t *task.Task) {
	m.idMu.Lock()
	m.byID[t.ID()] = t
	m.idMu.Unlock()

	m.tagMu.Lock()
	defer m.tagMu.Unlock()
	for _, tag := range t.Tags() {
		bucket, ok := m.byTag[tag]
		if !ok {
			bucket = make(map[string]*task.Task)
			m.byTag[tag] = bucket
		}
		bucket[t.ID()] = t
	}
}

func (m *Manager) unindexTags(t *task.Task) {
	m.tagMu.Lock()
	defer m.tagMu.Unlock()
	for _, tag := range t.Tags() {
		bucket, ok := m.byTag[tag]
		if !ok {
			continue
		}
		delete(bucket, t.ID())
		if len(bucket) == 0 {
			delete(m.byTag, tag)
		}
	}
}

// lookup resolves a task id against the id index.
func (m *Manager) lookup(id string) (*task.Task, bool) {
	m.idMu.RLock()
	defer m.idMu.RUnlock()
	t, ok := m.byID[id]
	return t, ok
}

// GetTask returns the indexed task with the given id.
func (m *Manager) GetTask(id string) (*task.Task, bool) {
	return m.lookup(id)
}

// GetAllTasks returns every task in the id index, oldest submission first.
func (m *Manager) GetAllTasks() []*task.Task {
	m.idMu.RLock()
	out := make([]*task.Task, 0, len(m.byID))
	for _, t := range m.byID {
		out = append(out, t)
	}
	m.idMu.RUnlock()
	return sortBySubmission(out)
}

// GetTasksWithTag returns the tasks indexed under tag.
func (m *Manager) GetTasksWithTag(tag any) []*task.Task {
	m.tagMu.Lock()
	bucket := m.byTag[tag]
	out := make([]*task.Task, 0, len(bucket))
	for _, t := range bucket {
		out = append(out, t)
	}
	m.tagMu.Unlock()
	return sortBySubmission(out)
}

// GetTasksWithAnyTag returns the tasks indexed under at least one of tags.
func (m *Manager) GetTasksWithAnyTag(tags ...any) []*task.Task {
	seen := make(map[string]*task.Task)
	m.tagMu.Lock()
	for _, tag := range tags {
		for id, t := range m.byTag[tag] {
			seen[id] = t
		}
	}
	m.tagMu.Unlock()

	out := make([]*task.Task, 0, len(seen))
	for _, t := range seen {
		out = append(out, t)
	}
	return sortBySubmission(out)
}

// GetTasksWithAllTags returns the tasks indexed under every one of tags.
// An empty tag list matches nothing.
func (m *Manager) GetTasksWithAllTags(tags ...any) []*task.Task {
	if len(tags) == 0 {
		return nil
	}
	m.tagMu.Lock()
	smallest := m.byTag[tags[0]]
	for _, tag := range tags[1:] {
		if b := m.byTag[tag]; len(b) < len(smallest) {
			smallest = b
		}
	}
	var out []*task.Task
	for id, t := range smallest {
		all := true
		for _, tag := range tags {
			if _, ok := m.byTag[tag][id]; !ok {
				all = false
				break
			}
		}
		if all {
			out = append(out, t)
		}
	}
	m.tagMu.Unlock()
	return sortBySubmission(out)
}

// GetTaskTags returns every tag that currently has at least one task.
func (m *Manager) GetTaskTags() []any {
	m.tagMu.Lock()
	defer m.tagMu.Unlock()
	out := make([]any, 0, len(m.byTag))
	for tag := range m.byTag {
		out = append(out, tag)
	}
	return out
}

func sortBySubmission(tasks []*task.Task) []*task.Task {
	sort.Slice(tasks, func(i, j int) bool {
		a, b := tasks[i].SubmitTime(), tasks[j].SubmitTime()
		if !a.Equal(b) {
			return a.Before(b)
		}
		return tasks[i].ID() < tasks[j].ID()
	})
	return tasks
}

// DeleteTask removes t from the tag index and, unless
// keepByIDIfParentPresent is set and t's submitter is still indexed and
// lists t among its children, from the id index. Children of composite tasks are deleted the same way. It returns
// true if t was removed from the id index.
//
// Deleting a task that has not finished is allowed but logged; callers
// should cancel and wait first.
func (m *Manager) DeleteTask(t *task.Task, keepByIDIfParentPresent bool) bool {
	return m.deleteTask(t, keepByIDIfParentPresent, make(map[string]bool))
}

func (m *Manager) deleteTask(t *task.Task, keep bool, seen map[string]bool) bool {
	if seen[t.ID()] {
		return false
	}
	seen[t.ID()] = true

	if !t.IsDoneAndStopped() {
		if t.IsDone() {
			m.logger.Debug("deleting task that is still unwinding", slog.String("task_id", t.ID()))
		} else {
			m.logger.Warn("deleting active task; cancel it and wait before deleting (debug logging shows the caller)",
				slog.String("task_id", t.ID()),
				slog.String("task", t.Name()),
			)
			m.logger.Debug("active task deleted from", slog.String("task_id", t.ID()), slog.String("stack", string(debug.Stack())))
		}
	}

	m.unindexTags(t)

	removed := !(keep && m.parentReaches(t))
	if removed {
		m.idMu.Lock()
		delete(m.byID, t.ID())
		m.idMu.Unlock()
	}

	for _, child := range task.ChildrenOf(t) {
		m.deleteTask(child, keep, seen)
	}

	m.publish(events.TopicTask, events.TaskDeletedEvent{ID: t.ID(), KeptByID: !removed, Timestamp: time.Now()})
	return removed
}

// parentReaches reports whether t's submitter is still indexed and lists t
// among its structural children. Only then can a lookup by id still arrive
// at t through its parent.
func (m *Manager) parentReaches(t *task.Task) bool {
	id := t.SubmittedByID()
	if id == "" {
		return false
	}
	parent, ok := m.lookup(id)
	if !ok {
		return false
	}
	return slices.Contains(task.ChildrenOf(parent), t)
}

// DeleteDoneInTag deletes every done-and-stopped task under tag and reports
// whether the tag has no tasks left.
func (m *Manager) DeleteDoneInTag(tag any) bool {
	for _, t := range m.GetTasksWithTag(tag) {
		if t.IsDoneAndStopped() {
			m.DeleteTask(t, true)
		}
	}
	m.tagMu.Lock()
	_, exists := m.byTag[tag]
	m.tagMu.Unlock()
	return !exists
}

// GC deletes every done-and-stopped task that ended more than olderThan
// ago and returns how many were removed from the id index.
func (m *Manager) GC(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, t := range m.GetAllTasks() {
		if !t.IsDoneAndStopped() || t.EndTime().After(cutoff) {
			continue
		}
		if m.DeleteTask(t, true) {
			removed++
		}
	}
	if removed > 0 {
		m.logger.Debug("garbage collected tasks", slog.Int("removed", removed))
	}
	return removed
}
