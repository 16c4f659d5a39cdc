package execution

import (
	"context"
	"log/slog"

	"github.com/aristath/taskexec/internal/task"
)

// Listener is notified after a task's outcome is recorded.
type Listener interface {
	OnTaskDone(t *task.Task)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(t *task.Task)

// OnTaskDone implements Listener.
func (f ListenerFunc) OnTaskDone(t *task.Task) { f(t) }

// AddListener registers l and returns a function that removes it.
func (m *Manager) AddListener(l Listener) (remove func()) {
	m.listenerMu.Lock()
	id := m.nextListenerID
	m.nextListenerID++
	m.listeners[id] = l
	m.listenerMu.Unlock()

	return func() {
		m.listenerMu.Lock()
		delete(m.listeners, id)
		m.listenerMu.Unlock()
	}
}

func (m *Manager) notify(t *task.Task) {
	m.listenerMu.RLock()
	ls := make([]Listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		ls = append(ls, l)
	}
	m.listenerMu.RUnlock()

	for _, l := range ls {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Warn("task listener panicked", slog.String("task_id", t.ID()), slog.Any("panic", r))
				}
			}()
			l.OnTaskDone(t)
		}()
	}
}

// DiagnosticHook brackets every job execution. Enter may return a derived
// context that the job receives; Exit runs after the job returns.
type DiagnosticHook interface {
	Enter(ctx context.Context, t *task.Task) context.Context
	Exit(ctx context.Context, t *task.Task)
}

// LogContextHook attaches a logger carrying the task id and name to the job
// context. Jobs retrieve it with Logger.
type LogContextHook struct {
	Logger *slog.Logger
}

// Enter implements DiagnosticHook.
func (h LogContextHook) Enter(ctx context.Context, t *task.Task) context.Context {
	base := h.Logger
	if base == nil {
		base = slog.Default()
	}
	return WithTaskLogger(ctx, base.With(slog.String("task_id", t.ID()), slog.String("task", t.Name())))
}

// Exit implements DiagnosticHook.
func (LogContextHook) Exit(context.Context, *task.Task) {}

type loggerKey struct{}

// WithTaskLogger returns ctx carrying logger.
func WithTaskLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// Logger returns the logger carried by ctx, or slog.Default().
func Logger(ctx context.Context) *slog.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
			return l
		}
	}
	return slog.Default()
}
