package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/aristath/taskexec/internal/config"
	"github.com/aristath/taskexec/internal/events"
	"github.com/aristath/taskexec/internal/execution"
	"github.com/aristath/taskexec/internal/jobs"
	"github.com/aristath/taskexec/internal/metrics"
	"github.com/aristath/taskexec/internal/persistence"
	"github.com/aristath/taskexec/internal/scheduler"
	"github.com/aristath/taskexec/internal/task"
	"github.com/aristath/taskexec/internal/tui"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the execution manager and the configured jobs",
	Args:  cobra.NoArgs,
	RunE:  runRun,
}

func init() {
	runCmd.Flags().Bool("headless", false, "run without the dashboard, logging JSON to stderr")
	runCmd.Flags().Bool("exit-when-done", false, "with --headless, exit once every launched job has finished")
	runCmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address (overrides config)")
}

// app holds everything run wires together.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	bus     *events.EventBus
	manager *execution.Manager
	procs   *jobs.ProcessManager
	store   persistence.Store
}

func runRun(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	headless, _ := cmd.Flags().GetBool("headless")
	exitWhenDone, _ := cmd.Flags().GetBool("exit-when-done")
	if addr, _ := cmd.Flags().GetString("metrics-addr"); addr != "" {
		cfg.MetricsAddr = addr
	}

	var logOut io.Writer = os.Stderr
	if !headless {
		path := cfg.LogFile
		if path == "" {
			path = dataPath("taskexec.log")
		}
		f, err := openLogFile(path)
		if err != nil {
			return err
		}
		defer f.Close()
		logOut = f
	}
	logger := buildLogger(cfg.LogLevel, logOut, !headless)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	launcher := &jobs.Launcher{Manager: a.manager, Bus: a.bus, Procs: a.procs, Logger: logger}
	launched, err := launcher.LaunchAll(ctx, cfg.Jobs)
	if err != nil {
		logger.Warn("some jobs failed to launch", slog.Any("error", err))
	}

	if headless {
		a.waitHeadless(ctx, launched, exitWhenDone)
	} else if err := a.runDashboard(ctx, stop); err != nil {
		return err
	}

	stop()
	return a.shutdown()
}

// newApp builds the manager and its collaborators from cfg. Background
// loops stop when ctx ends.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{
		cfg:    cfg,
		logger: logger,
		bus:    events.NewEventBus(),
		procs:  jobs.NewProcessManager(),
	}
	a.manager = execution.NewManager(
		execution.WithLogger(logger),
		execution.WithEventBus(a.bus),
		execution.WithStartJitter(cfg.Manager.StartJitter.D()),
		execution.WithDiagnosticHook(execution.LogContextHook{Logger: logger}),
	)

	for tag, sc := range cfg.TagSchedulers {
		s, err := scheduler.FromConfig(tag, sc, logger)
		if err != nil {
			a.close()
			return nil, err
		}
		if err := a.manager.SetTaskSchedulerForTag(tag, s); err != nil {
			a.close()
			return nil, err
		}
	}

	met := metrics.New(a.manager, a.bus)
	a.manager.AddListener(met)
	if cfg.MetricsAddr != "" {
		met.Serve(ctx, cfg.MetricsAddr, logger)
	}

	if !cfg.Archive.Disabled {
		path := cfg.Archive.Path
		if path == "" {
			path = dataPath("archive.db")
		}
		store, err := persistence.NewSQLiteStore(ctx, path)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("opening archive: %w", err)
		}
		a.store = store
		rec := persistence.NewRecorder(store, logger, nil)
		a.manager.AddListener(rec)
		go rec.Follow(ctx, a.bus)
		go rec.PruneEvery(ctx, time.Hour, cfg.Archive.Retention.D())
	}

	if interval := cfg.Manager.GCInterval.D(); interval > 0 {
		go a.collectGarbage(ctx, interval)
	}
	return a, nil
}

// collectGarbage drops finished tasks from the manager's indexes every
// interval so a long-running process does not grow without bound.
func (a *app) collectGarbage(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, tag := range a.manager.GetTaskTags() {
				a.manager.DeleteDoneInTag(tag)
			}
			a.manager.GC(interval)
		}
	}
}

func (a *app) waitHeadless(ctx context.Context, launched []*task.Task, exitWhenDone bool) {
	a.logger.Info("running headless", slog.Int("jobs", len(launched)))
	if !exitWhenDone {
		<-ctx.Done()
		return
	}
	for _, t := range launched {
		select {
		case <-t.Done():
		case <-ctx.Done():
			return
		}
	}
	a.logger.Info("all jobs finished")
}

// runDashboard runs the TUI until the user quits or a signal arrives.
func (a *app) runDashboard(ctx context.Context, stop context.CancelFunc) error {
	globalPath, projectPath := globalConfigPath, projectConfigPath
	model := tui.New(a.bus, a.manager, a.cfg, globalPath, projectPath)
	p := tea.NewProgram(model, tea.WithAltScreen())

	errChan := make(chan error, 1)
	go func() {
		_, err := p.Run()
		errChan <- err
	}()

	select {
	case err := <-errChan:
		if err != nil {
			return fmt.Errorf("dashboard: %w", err)
		}
	case <-ctx.Done():
		// Restore default signal handling so a second Ctrl+C forces exit.
		stop()
		log.Println("Shutdown signal received, cleaning up...")
		p.Quit()

		select {
		case err := <-errChan:
			if err != nil {
				log.Printf("Dashboard exit error: %v", err)
			}
		case <-time.After(10 * time.Second):
			log.Println("Dashboard did not exit, continuing shutdown")
		}
	}
	return nil
}

// shutdown stops the manager, waiting up to the configured timeout for
// in-flight jobs, then kills any subprocess that is still running.
func (a *app) shutdown() error {
	timeout := a.cfg.Manager.ShutdownTimeout.D()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := a.manager.Shutdown(ctx)
	if killErr := a.procs.KillAll(); killErr != nil {
		a.logger.Warn("failed to kill subprocesses", slog.Any("error", killErr))
	}
	if errors.Is(err, context.DeadlineExceeded) {
		a.logger.Warn("jobs still running at shutdown deadline were interrupted", slog.Duration("timeout", timeout))
	} else if err != nil {
		return err
	}
	stats := a.manager.Stats()
	a.logger.Info("shutdown complete",
		slog.Int64("submitted", stats.Total),
		slog.Int64("incomplete", stats.Incomplete),
	)
	return nil
}

func (a *app) close() {
	a.bus.Close()
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("failed to close archive", slog.Any("error", err))
		}
	}
}
