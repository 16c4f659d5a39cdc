package dynamic

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/taskexec/internal/execution"
	"github.com/aristath/taskexec/internal/task"
)

func newManager(t *testing.T) *execution.Manager {
	t.Helper()
	m := execution.NewManager()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m
}

func wait(t *testing.T, tk *task.Task) (any, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	v, err := tk.Get(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "timed out waiting for %s", tk)
	return v, err
}

// recorder returns a task that appends name to the shared log when it runs.
type recorder struct {
	mu  sync.Mutex
	log []string
}

func (r *recorder) task(name string, err error) *task.Task {
	return task.Func(func(context.Context) (any, error) {
		r.mu.Lock()
		r.log = append(r.log, name)
		r.mu.Unlock()
		return name, err
	}, task.WithDisplayName(name))
}

func (r *recorder) entries() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.log...)
}

func TestQueueWithoutContextFails(t *testing.T) {
	err := Queue(context.Background(), task.New(nil))
	assert.ErrorIs(t, err, ErrNoQueueingContext)
	assert.False(t, QueueIfPossible(context.Background(), task.New(nil)))
}

func TestExplicitQueueingContext(t *testing.T) {
	q := NewQueue(true, true)
	ctx := WithQueueingContext(context.Background(), q)

	tk := task.New(nil)
	require.NoError(t, Queue(ctx, tk))
	assert.Equal(t, []*task.Task{tk}, q.Children())
	assert.False(t, tk.QueuedTime().IsZero())
	assert.False(t, tk.IsSubmitted(), "queueing does not submit")

	err := Queue(ctx, tk)
	assert.Error(t, err, "a task may be queued once")
}

func TestQueueOrSubmitFallsBackToManager(t *testing.T) {
	m := newManager(t)

	v, err := QueueOrSubmitAndBlock(context.Background(), m, task.Func(func(context.Context) (any, error) {
		return "direct", nil
	}))
	require.NoError(t, err)
	assert.Equal(t, "direct", v)

	async := task.New(nil)
	require.NoError(t, QueueOrSubmitAsync(context.Background(), m, async))
	assert.True(t, async.IsSubmitted())
	_, err = wait(t, async)
	assert.NoError(t, err)
}

func TestSequentialRunsChildrenInOrder(t *testing.T) {
	m := newManager(t)
	rec := &recorder{}

	seq := NewSequential(nil)
	for _, name := range []string{"one", "two", "three"} {
		require.NoError(t, seq.Queue(rec.task(name, nil)))
	}
	parent, err := m.SubmitJob(context.Background(), seq)
	require.NoError(t, err)

	v, err := wait(t, parent)
	require.NoError(t, err)
	assert.Equal(t, []any{"one", "two", "three"}, v)
	assert.Equal(t, []string{"one", "two", "three"}, rec.entries())

	for _, child := range seq.Children() {
		assert.Equal(t, parent.ID(), child.SubmittedByID())
	}
	assert.ErrorIs(t, seq.Queue(task.New(nil)), ErrClosed)
}

func TestSequentialHonoursDependencies(t *testing.T) {
	m := newManager(t)
	rec := &recorder{}

	seq := NewSequential(nil)
	build := rec.task("build", nil)
	test := rec.task("test", nil)
	deploy := rec.task("deploy", nil)
	require.NoError(t, seq.Queue(build))
	require.NoError(t, seq.Queue(test))
	require.NoError(t, seq.QueueAfter(deploy, build, test))

	parent, err := m.SubmitJob(context.Background(), seq)
	require.NoError(t, err)
	_, err = wait(t, parent)
	require.NoError(t, err)

	got := rec.entries()
	require.Len(t, got, 3)
	assert.Equal(t, "deploy", got[2])
}

func TestSequentialRejectsUnknownDependency(t *testing.T) {
	seq := NewSequential(nil)
	err := seq.QueueAfter(task.New(nil), task.New(nil))
	assert.Error(t, err)
}

func TestSequentialFailFastCancelsRemainder(t *testing.T) {
	m := newManager(t)
	rec := &recorder{}
	boom := errors.New("boom")

	seq := NewSequential(nil)
	first := rec.task("first", nil)
	failing := rec.task("failing", boom)
	never := rec.task("never", nil)
	for _, tk := range []*task.Task{first, failing, never} {
		require.NoError(t, seq.Queue(tk))
	}

	parent, err := m.SubmitJob(context.Background(), seq)
	require.NoError(t, err)
	_, err = wait(t, parent)
	assert.ErrorIs(t, err, boom)

	assert.Equal(t, []string{"first", "failing"}, rec.entries())
	_, err = wait(t, never)
	assert.ErrorIs(t, err, task.ErrCancelled)
}

func TestSequentialCollectsErrorsWithoutFailFast(t *testing.T) {
	m := newManager(t)
	rec := &recorder{}
	boom := errors.New("boom")

	seq := NewSequential(nil, WithFailFast(false))
	require.NoError(t, seq.Queue(rec.task("a", boom)))
	require.NoError(t, seq.Queue(rec.task("b", nil)))

	parent, err := m.SubmitJob(context.Background(), seq)
	require.NoError(t, err)
	_, err = wait(t, parent)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"a", "b"}, rec.entries())
}

func TestBodyQueuesIntoItsOwnComposite(t *testing.T) {
	m := newManager(t)
	rec := &recorder{}

	body := task.JobFunc(func(ctx context.Context) (any, error) {
		if err := Queue(ctx, rec.task("queued", nil)); err != nil {
			return nil, err
		}
		v, err := QueueOrSubmitAndBlock(ctx, nil, rec.task("awaited", nil))
		if err != nil {
			return nil, err
		}
		return "body saw " + v.(string), nil
	})
	seq := NewSequential(body)

	parent, err := m.SubmitJob(context.Background(), seq)
	require.NoError(t, err)
	v, err := wait(t, parent)
	require.NoError(t, err)
	assert.Equal(t, "body saw awaited", v)
	assert.Equal(t, []string{"queued", "awaited"}, rec.entries())
	assert.Len(t, seq.Children(), 2)
}

func TestParallelRunsChildrenConcurrently(t *testing.T) {
	m := newManager(t)
	const n = 4
	var running, peak atomic.Int32
	release := make(chan struct{})

	par := NewParallel(nil)
	for i := 0; i < n; i++ {
		require.NoError(t, par.Queue(task.Func(func(context.Context) (any, error) {
			cur := running.Add(1)
			for {
				p := peak.Load()
				if cur <= p || peak.CompareAndSwap(p, cur) {
					break
				}
			}
			<-release
			running.Add(-1)
			return nil, nil
		})))
	}

	parent, err := m.SubmitJob(context.Background(), par)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return peak.Load() == n }, time.Second, time.Millisecond)
	close(release)

	v, err := wait(t, parent)
	require.NoError(t, err)
	assert.Len(t, v, n)
}

func TestParallelResourcesSerialise(t *testing.T) {
	m := newManager(t)
	var holders, peak atomic.Int32

	par := NewParallel(nil)
	for i := 0; i < 3; i++ {
		require.NoError(t, par.QueueWith(task.Func(func(context.Context) (any, error) {
			cur := holders.Add(1)
			for {
				p := peak.Load()
				if cur <= p || peak.CompareAndSwap(p, cur) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			holders.Add(-1)
			return nil, nil
		}), WithResources("db", "cache")))
	}

	parent, err := m.SubmitJob(context.Background(), par)
	require.NoError(t, err)
	_, err = wait(t, parent)
	require.NoError(t, err)
	assert.EqualValues(t, 1, peak.Load())
}

func TestParallelFailFastCancelsSiblings(t *testing.T) {
	m := newManager(t)
	boom := errors.New("boom")
	started := make(chan struct{})

	par := NewParallel(nil)
	slow := task.Func(func(ctx context.Context) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.NoError(t, par.Queue(slow))
	require.NoError(t, par.Queue(task.Func(func(context.Context) (any, error) {
		<-started
		return nil, boom
	})))

	parent, err := m.SubmitJob(context.Background(), par)
	require.NoError(t, err)
	_, err = wait(t, parent)
	assert.ErrorIs(t, err, boom)

	_, err = wait(t, slow)
	assert.ErrorIs(t, err, task.ErrCancelled)
}

func TestCancellingCompositeCascadesToChildren(t *testing.T) {
	m := newManager(t)
	started := make(chan struct{})

	seq := NewSequential(nil)
	child := task.Func(func(ctx context.Context) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	later := task.New(nil)
	require.NoError(t, seq.Queue(child))
	require.NoError(t, seq.Queue(later))

	parent, err := m.SubmitJob(context.Background(), seq)
	require.NoError(t, err)
	<-started

	assert.True(t, parent.Cancel(task.CancelInterruptAll))
	_, err = wait(t, child)
	assert.ErrorIs(t, err, task.ErrCancelled)
	_, err = wait(t, later)
	assert.ErrorIs(t, err, task.ErrCancelled)
}

func TestStandaloneQueueDrain(t *testing.T) {
	m := newManager(t)
	rec := &recorder{}

	q := NewQueue(true, false)
	require.NoError(t, q.Queue(rec.task("x", nil)))
	require.NoError(t, q.Queue(rec.task("y", errors.New("y failed"))))
	require.NoError(t, q.Queue(rec.task("z", nil)))

	err := q.Drain(context.Background(), m)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "y failed")
	assert.Equal(t, []string{"x", "y", "z"}, rec.entries())

	require.NoError(t, q.Queue(rec.task("again", nil)))
	require.NoError(t, q.Drain(context.Background(), m))
	assert.Equal(t, "again", rec.entries()[3])
}

func TestSortedUnique(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, sortedUnique([]string{"c", "a", "b", "a"}))
	assert.Nil(t, sortedUnique(nil))
}
