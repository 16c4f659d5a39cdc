package persistence

import (
	"context"
	"log/slog"
	"time"

	"github.com/aristath/taskexec/internal/events"
	"github.com/aristath/taskexec/internal/task"
)

// Recorder archives tasks as they finish and their output as it arrives.
// Register it as a completion listener on the execution manager.
type Recorder struct {
	store  Store
	logger *slog.Logger
	skip   func(t *task.Task) bool
}

// NewRecorder creates a recorder writing to store. Tasks for which skip
// returns true are not archived; skip may be nil.
func NewRecorder(store Store, logger *slog.Logger, skip func(t *task.Task) bool) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, logger: logger, skip: skip}
}

// OnTaskDone archives t. Failures are logged, never returned; the archive
// must not disturb execution.
func (r *Recorder) OnTaskDone(t *task.Task) {
	if r.skip != nil && r.skip(t) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.store.SaveRecord(ctx, RecordFromTask(t)); err != nil {
		r.logger.Warn("failed to archive task", slog.String("task_id", t.ID()), slog.Any("error", err))
	}
}

// Follow stores every TaskOutputEvent published on bus until ctx ends or
// the subscription closes.
func (r *Recorder) Follow(ctx context.Context, bus *events.EventBus) {
	sub := bus.Subscribe(events.TopicTask, 256)
	defer bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			out, isOutput := ev.(events.TaskOutputEvent)
			if !isOutput {
				continue
			}
			if err := r.store.SaveOutput(ctx, out.ID, out.Line); err != nil {
				r.logger.Debug("failed to archive output line", slog.String("task_id", out.ID), slog.Any("error", err))
			}
		}
	}
}

// PruneEvery deletes records older than retention at every interval until
// ctx ends.
func (r *Recorder) PruneEvery(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.store.Prune(ctx, time.Now().Add(-retention))
			if err != nil {
				r.logger.Warn("failed to prune archive", slog.Any("error", err))
				continue
			}
			if n > 0 {
				r.logger.Debug("pruned archive", slog.Int64("records", n))
			}
		}
	}
}
