// Package jobs provides task jobs that run external commands.
package jobs

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/aristath/taskexec/internal/events"
	"github.com/aristath/taskexec/internal/execution"
	"github.com/aristath/taskexec/internal/task"
)

// maxKeptLines bounds the output a Command keeps for its result.
const maxKeptLines = 200

// Command runs a program as a task job. Each line it writes to stdout or
// stderr is published as a TaskOutputEvent for the running task.
type Command struct {
	Path string
	Args []string
	Dir  string
	Env  []string // Appended to the current environment

	Bus   *events.EventBus
	Procs *ProcessManager

	// WaitDelay bounds how long Run waits for output pipes to close after
	// the process exits or is killed. Defaults to two seconds.
	WaitDelay time.Duration
}

// Output is the value of a successful Command.
type Output struct {
	ExitCode int
	Stdout   string // Last lines of stdout
}

// ExitError reports a non-zero exit.
type ExitError struct {
	Code   int
	Stderr string // Last lines of stderr
	Err    error
}

func (e *ExitError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("exit status %d: %s", e.Code, e.Stderr)
	}
	return fmt.Sprintf("exit status %d", e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

// Run starts the command and waits for it. Both pipes are drained before
// Wait so large outputs cannot block the child.
func (c *Command) Run(ctx context.Context) (any, error) {
	cmd := newCommand(ctx, c.Path, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	cmd.WaitDelay = c.WaitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = 2 * time.Second
	}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", c.Path, err)
	}
	c.Procs.Track(cmd)
	defer c.Procs.Untrack(cmd)
	execution.Logger(ctx).Debug("command started", slog.String("path", c.Path), slog.Int("pid", cmd.Process.Pid))

	var id string
	if t := task.Current(ctx); t != nil {
		id = t.ID()
	}

	var wg sync.WaitGroup
	stdout := &tail{max: maxKeptLines}
	stderr := &tail{max: maxKeptLines}
	wg.Add(2)
	go c.stream(&wg, id, stdoutPipe, stdout)
	go c.stream(&wg, id, stderrPipe, stderr)
	wg.Wait()

	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return nil, &ExitError{Code: exitErr.ExitCode(), Stderr: stderr.String(), Err: waitErr}
		}
		return nil, fmt.Errorf("command failed: %w", waitErr)
	}
	return Output{ExitCode: 0, Stdout: stdout.String()}, nil
}

func (c *Command) stream(wg *sync.WaitGroup, id string, r io.Reader, keep *tail) {
	defer wg.Done()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		keep.add(line)
		if c.Bus != nil && id != "" {
			c.Bus.Publish(events.TopicTask, events.TaskOutputEvent{ID: id, Line: line, Timestamp: time.Now()})
		}
	}
	// Drain whatever the scanner refused so the child never blocks on a full pipe.
	_, _ = io.Copy(io.Discard, r)
}

// tail keeps the last max lines written to it.
type tail struct {
	mu    sync.Mutex
	max   int
	lines []string
}

func (t *tail) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.max {
		t.lines = t.lines[len(t.lines)-t.max:]
	}
}

func (t *tail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "\n")
}
