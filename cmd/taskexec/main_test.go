package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/taskexec/internal/config"
	"github.com/aristath/taskexec/internal/jobs"
)

// execute runs the root command with args and returns its stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeConfig(t *testing.T, cfg map[string]any) string {
	t.Helper()
	data, err := json.Marshal(cfg)
	require.NoError(t, err, "marshal config")
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, data, 0644), "write config")
	return path
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "taskexec dev")
}

func TestRunHeadlessArchivesJobs(t *testing.T) {
	archive := filepath.Join(t.TempDir(), "archive.db")
	cfgPath := writeConfig(t, map[string]any{
		"archive": map[string]any{"path": archive},
		"jobs": map[string]any{
			"hello": map[string]any{"command": "echo", "args": []string{"hello"}, "tags": []string{"demo"}},
		},
	})

	_, err := execute(t, "run", "--headless", "--exit-when-done", "--global-config", "", "--config", cfgPath)
	require.NoError(t, err)

	out, err := execute(t, "archive", "list", "--tag", "demo", "--global-config", "", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "hello", "archive lists the finished job")
	assert.Contains(t, out, "succeeded")
}

func TestArchiveListEmpty(t *testing.T) {
	cfgPath := writeConfig(t, map[string]any{
		"archive": map[string]any{"path": filepath.Join(t.TempDir(), "empty.db")},
	})

	out, err := execute(t, "archive", "list", "--global-config", "", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "no archived tasks")
}

func TestInvalidConfigIsReported(t *testing.T) {
	cfgPath := writeConfig(t, map[string]any{"log_level": "loud"})

	_, err := execute(t, "archive", "list", "--global-config", "", "--config", cfgPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loud")
}

func TestNewAppBindsTagSchedulers(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Archive.Disabled = true
	cfg.TagSchedulers["limited"] = config.TagSchedulerConfig{Type: config.SchedulerRateLimited, Rate: 5, Burst: 1}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := newApp(ctx, cfg, buildLogger("error", os.Stderr, false))
	require.NoError(t, err)
	defer a.close()

	for _, tag := range []string{"serial", "limited"} {
		_, ok := a.manager.TaskSchedulerForTag(tag)
		assert.True(t, ok, "tag %q has a scheduler", tag)
	}
	assert.NoError(t, a.shutdown())
	assert.True(t, a.manager.IsShutdown())
}

// TestProcessManagerKillAllOnShutdown verifies that KillAll terminates
// tracked processes during a simulated shutdown.
func TestProcessManagerKillAllOnShutdown(t *testing.T) {
	pm := jobs.NewProcessManager()

	cmd := exec.Command("sleep", "60")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	require.NoError(t, cmd.Start(), "failed to start subprocess")
	pm.Track(cmd)

	assert.Equal(t, 1, pm.Count())
	assert.NoError(t, pm.KillAll())

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	select {
	case err := <-done:
		assert.Error(t, err, "the process is killed with a non-zero exit")
	case <-time.After(2 * time.Second):
		require.FailNow(t, "process did not terminate after KillAll")
	}

	// KillAll does not untrack; the job's Run does that once Wait returns.
	pm.Untrack(cmd)
	assert.Zero(t, pm.Count())
}

// TestSignalContextCancellation verifies that signal.NotifyContext cancels
// when the signal arrives.
func TestSignalContextCancellation(t *testing.T) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGUSR1)
	defer stop()

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGUSR1))

	select {
	case <-ctx.Done():
	case <-time.After(1 * time.Second):
		require.FailNow(t, "context did not cancel after SIGUSR1")
	}
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
}
