package task

import "context"

// Lookup resolves a task id against a live index.
type Lookup func(id string) (*Task, bool)

// submitterRef refers to the submitting task by id so the submitter can be
// deleted or collected independently of the tasks it created.
type submitterRef struct {
	id     string
	lookup Lookup
}

// SetSubmittedBy records the submitting task. The first call wins.
func (t *Task) SetSubmittedBy(id string, lookup Lookup) {
	if id == "" || id == t.id {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.submitter == nil {
		t.submitter = &submitterRef{id: id, lookup: lookup}
	}
}

// SubmittedByID returns the submitter's id, or "" when there is none.
func (t *Task) SubmittedByID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.submitter == nil {
		return ""
	}
	return t.submitter.id
}

// SubmittedBy resolves the submitting task. When the submitter is no longer
// indexed it returns a Forgotten placeholder with the same id. It returns nil
// only if no submitter was recorded.
func (t *Task) SubmittedBy() *Task {
	t.mu.Lock()
	ref := t.submitter
	t.mu.Unlock()

	if ref == nil {
		return nil
	}
	if ref.lookup != nil {
		if parent, ok := ref.lookup(ref.id); ok {
			return parent
		}
	}
	return Forgotten(ref.id)
}

// Forgotten returns a placeholder for a task whose record is gone. It is
// cancelled, done and does nothing.
func Forgotten(id string) *Task {
	t := &Task{
		id:          id,
		name:        "<forgotten>",
		description: "task record no longer held",
		job:         noopJob{},
		tagSet:      make(map[any]struct{}),
		result:      newResult(),
		cancelled:   true,
		forgotten:   true,
	}
	t.result.complete(nil, ErrCancelled)
	return t
}

// IsForgotten reports whether t is a placeholder from Forgotten.
func (t *Task) IsForgotten() bool {
	return t.forgotten
}

// Ancestors walks the submitted-by chain from t's submitter upwards. The walk
// stops after a placeholder or on revisiting a task.
func Ancestors(t *Task) []*Task {
	var out []*Task
	seen := map[string]bool{t.id: true}
	for cur := t.SubmittedBy(); cur != nil; cur = cur.SubmittedBy() {
		if seen[cur.id] {
			break
		}
		seen[cur.id] = true
		out = append(out, cur)
		if cur.IsForgotten() {
			break
		}
	}
	return out
}

type currentKey struct{}

// WithCurrent returns a context carrying t as the currently executing task.
func WithCurrent(ctx context.Context, t *Task) context.Context {
	return context.WithValue(ctx, currentKey{}, t)
}

// Current returns the task executing under ctx, or nil.
func Current(ctx context.Context) *Task {
	if ctx == nil {
		return nil
	}
	t, _ := ctx.Value(currentKey{}).(*Task)
	return t
}
