package task

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// State is the lifecycle position of a task as seen from outside.
type State int

const (
	StateNotSubmitted State = iota
	StateSubmitted
	StateRunning
	StateSucceeded
	StateFailed
	StateCancelled
)

// String returns a short lowercase name for the state.
func (s State) String() string {
	switch s {
	case StateNotSubmitted:
		return "not-submitted"
	case StateSubmitted:
		return "submitted"
	case StateRunning:
		return "running"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether the state is a final outcome.
func (s State) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// Status is a point-in-time projection of a task used for diagnostics.
type Status struct {
	ID              string
	Name            string
	Description     string
	State           State
	Tags            []any
	Queued          time.Time
	Submitted       time.Time
	Started         time.Time
	Ended           time.Time
	Running         bool
	SubmittedByID   string
	BlockingOn      string
	BlockingDetails string
	Value           any
	Err             error
}

// Status returns a snapshot of the task.
func (t *Task) Status() Status {
	value, err, done := t.result.Peek()

	t.mu.Lock()
	defer t.mu.Unlock()

	s := Status{
		ID:              t.id,
		Name:            t.name,
		Description:     t.description,
		Tags:            append([]any(nil), t.tags...),
		Queued:          t.queued,
		Submitted:       t.submitted,
		Started:         t.started,
		Ended:           t.ended,
		Running:         t.running,
		BlockingDetails: t.blockingDetails,
		Value:           value,
		Err:             err,
	}
	if t.submitter != nil {
		s.SubmittedByID = t.submitter.id
	}
	if t.blockingTask != nil {
		s.BlockingOn = t.blockingTask.id
	}

	switch {
	case t.cancelled || (done && errors.Is(err, ErrCancelled)):
		s.State = StateCancelled
	case done && err != nil:
		s.State = StateFailed
	case done:
		s.State = StateSucceeded
	case t.running || !t.started.IsZero():
		s.State = StateRunning
	case !t.submitted.IsZero():
		s.State = StateSubmitted
	default:
		s.State = StateNotSubmitted
	}
	return s
}

// StatusSummary returns a one-line description of the task's state.
func (t *Task) StatusSummary() string {
	return t.Status().Summary()
}

// StatusDetail returns a multi-line description; verbose adds timings, tags
// and lineage.
func (t *Task) StatusDetail(verbose bool) string {
	return t.Status().Detail(verbose)
}

// Summary renders the state on one line. It never panics.
func (s Status) Summary() (out string) {
	defer func() {
		if r := recover(); r != nil {
			out = "Unknown (error accessing result)"
		}
	}()

	switch s.State {
	case StateNotSubmitted:
		return "Not submitted"
	case StateSubmitted:
		return "Submitted for execution"
	case StateRunning:
		switch {
		case s.BlockingDetails != "":
			return "In progress: " + s.BlockingDetails
		case s.BlockingOn != "":
			return "In progress, waiting on " + s.BlockingOn
		default:
			return "In progress"
		}
	case StateSucceeded:
		if s.Running {
			return "Completed, still unwinding"
		}
		return "Completed"
	case StateFailed:
		return "Failed: " + formatError(s.Err)
	case StateCancelled:
		if s.Running {
			return "Cancelled, still unwinding"
		}
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Detail renders the state on several lines. It never panics.
func (s Status) Detail(verbose bool) (out string) {
	defer func() {
		if r := recover(); r != nil {
			out = s.Name + ": error accessing result"
		}
	}()

	var b strings.Builder
	b.WriteString(s.Summary())

	if s.State == StateSucceeded && s.Value != nil {
		b.WriteString("\nResult: ")
		b.WriteString(formatValue(s.Value, verbose))
	}
	if !verbose {
		return b.String()
	}

	if s.Description != "" {
		fmt.Fprintf(&b, "\nDescription: %s", s.Description)
	}
	if len(s.Tags) > 0 {
		parts := make([]string, 0, len(s.Tags))
		for _, tag := range s.Tags {
			parts = append(parts, fmt.Sprint(tag))
		}
		fmt.Fprintf(&b, "\nTags: %s", strings.Join(parts, ", "))
	}
	if s.SubmittedByID != "" {
		fmt.Fprintf(&b, "\nSubmitted by: %s", s.SubmittedByID)
	}
	if !s.Submitted.IsZero() {
		fmt.Fprintf(&b, "\nSubmitted: %s", s.Submitted.Format(time.RFC3339Nano))
	}
	if !s.Started.IsZero() {
		fmt.Fprintf(&b, "\nStarted: %s (waited %s)", s.Started.Format(time.RFC3339Nano), s.Started.Sub(s.Submitted).Round(time.Millisecond))
	}
	if !s.Ended.IsZero() {
		from := s.Started
		if from.IsZero() {
			from = s.Submitted
		}
		fmt.Fprintf(&b, "\nEnded: %s (took %s)", s.Ended.Format(time.RFC3339Nano), s.Ended.Sub(from).Round(time.Millisecond))
	} else if !s.Started.IsZero() {
		fmt.Fprintf(&b, "\nRunning for %s", time.Since(s.Started).Round(time.Millisecond))
	}
	return b.String()
}

const maxSummaryRunes = 120

func formatValue(v any, verbose bool) (out string) {
	defer func() {
		if r := recover(); r != nil {
			out = "error accessing result"
		}
	}()
	var str string
	if s, ok := v.(fmt.Stringer); ok {
		str = s.String()
	} else {
		str = fmt.Sprint(v)
	}
	if !verbose && utf8.RuneCountInString(str) > maxSummaryRunes {
		str = string([]rune(str)[:maxSummaryRunes-3]) + "..."
	}
	return str
}

func formatError(err error) (out string) {
	defer func() {
		if r := recover(); r != nil {
			out = "error accessing result"
		}
	}()
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
