package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/aristath/taskexec/internal/config"
	"github.com/aristath/taskexec/internal/events"
	"github.com/aristath/taskexec/internal/execution"
	"github.com/aristath/taskexec/internal/task"
)

// ScheduleTag is carried by the task representing a configured schedule.
const ScheduleTag = "schedule"

// Launcher submits configured command jobs to a manager.
type Launcher struct {
	Manager *execution.Manager
	Bus     *events.EventBus
	Procs   *ProcessManager
	Logger  *slog.Logger
}

// Launch submits the job declared as name. A job with neither period nor
// cron runs once, after its delay if it has one.
func (l *Launcher) Launch(ctx context.Context, name string, cfg config.JobConfig) (*task.Task, error) {
	tags := make([]any, 0, len(cfg.Tags))
	for _, tag := range cfg.Tags {
		tags = append(tags, tag)
	}
	description := strings.TrimSpace(cfg.Command + " " + strings.Join(cfg.Args, " "))

	factory := func() *task.Task {
		cmd := &Command{
			Path:  cfg.Command,
			Args:  cfg.Args,
			Dir:   cfg.Dir,
			Env:   cfg.Env,
			Bus:   l.Bus,
			Procs: l.Procs,
		}
		return task.New(Retry(cmd, DefaultRetryConfig(cfg.MaxRetries)),
			task.WithDisplayName(name),
			task.WithDescription(description),
			task.WithTags(tags...),
		)
	}

	if cfg.Delay == 0 && cfg.Period == 0 && cfg.Cron == "" {
		t := factory()
		if err := l.Manager.Submit(ctx, t); err != nil {
			return nil, fmt.Errorf("submitting job %s: %w", name, err)
		}
		return t, nil
	}

	opts := []execution.ScheduleOption{
		execution.WithScheduledName(name),
		execution.WithScheduledTags(ScheduleTag),
		execution.WithDelay(cfg.Delay.D()),
		execution.WithPeriod(cfg.Period.D()),
		execution.WithMaxIterations(cfg.MaxIterations),
		execution.WithCancelOnError(cfg.CancelOnError),
	}
	if cfg.Cron != "" {
		opts = append(opts, execution.WithCron(cfg.Cron))
	}
	st := execution.NewScheduledTask(factory, opts...)
	if err := l.Manager.SubmitScheduled(ctx, st); err != nil {
		return nil, fmt.Errorf("scheduling job %s: %w", name, err)
	}
	return st.Task(), nil
}

// LaunchAll submits every enabled job in name order. A job that fails to
// launch does not stop the others.
func (l *Launcher) LaunchAll(ctx context.Context, jobs map[string]config.JobConfig) ([]*task.Task, error) {
	names := make([]string, 0, len(jobs))
	for name := range jobs {
		names = append(names, name)
	}
	slices.Sort(names)

	var launched []*task.Task
	var errs []error
	for _, name := range names {
		cfg := jobs[name]
		if cfg.Disabled {
			continue
		}
		t, err := l.Launch(ctx, name, cfg)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if l.Logger != nil {
			l.Logger.Info("job launched", slog.String("job", name), slog.String("task_id", t.ID()))
		}
		launched = append(launched, t)
	}
	return launched, errors.Join(errs...)
}
