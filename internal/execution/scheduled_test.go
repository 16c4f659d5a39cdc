package execution

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/taskexec/internal/task"
)

func counting(counter *atomic.Int32, err error) func() *task.Task {
	return func() *task.Task {
		return task.Func(func(context.Context) (any, error) {
			n := counter.Add(1)
			if err != nil {
				return nil, err
			}
			return int(n), nil
		}, task.WithTag("iteration"))
	}
}

func TestScheduledRunsExactlyMaxIterations(t *testing.T) {
	m := newTestManager(t)
	var counter atomic.Int32

	st := NewScheduledTask(counting(&counter, nil),
		WithDelay(0),
		WithPeriod(10*time.Millisecond),
		WithMaxIterations(3),
	)
	require.NoError(t, m.SubmitScheduled(context.Background(), st))

	v, err := get(t, st.Task())
	require.NoError(t, err)
	assert.Equal(t, 3, v)
	assert.EqualValues(t, 3, counter.Load())
	assert.Equal(t, 3, st.RunCount())
	assert.True(t, st.Task().IsDoneAndStopped())

	time.Sleep(30 * time.Millisecond)
	assert.EqualValues(t, 3, counter.Load(), "no iteration may run after the cap")
}

func TestScheduledOneShotHonoursDelay(t *testing.T) {
	m := newTestManager(t)
	var counter atomic.Int32

	st := NewScheduledTask(counting(&counter, nil), WithDelay(30*time.Millisecond))
	require.NoError(t, m.SubmitScheduled(context.Background(), st))

	assert.False(t, st.NextFire().IsZero())
	time.Sleep(5 * time.Millisecond)
	assert.EqualValues(t, 0, counter.Load())

	v, err := get(t, st.Task())
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	assert.Equal(t, 1, st.RunCount())

	first := st.Task().SubmitTime()
	assert.GreaterOrEqual(t, st.LastIteration().StartTime().Sub(first), 30*time.Millisecond)
}

func TestScheduledIterationsRecordScheduleAsSubmitter(t *testing.T) {
	m := newTestManager(t)
	var counter atomic.Int32

	st := NewScheduledTask(counting(&counter, nil), WithPeriod(time.Millisecond), WithMaxIterations(2))
	require.NoError(t, m.SubmitScheduled(context.Background(), st))
	_, err := get(t, st.Task())
	require.NoError(t, err)

	iterations := m.GetTasksWithTag("iteration")
	require.Len(t, iterations, 2)
	for _, it := range iterations {
		assert.Equal(t, st.Task().ID(), it.SubmittedByID())
	}
}

func TestScheduledCancelOnError(t *testing.T) {
	m := newTestManager(t)
	var counter atomic.Int32
	boom := errors.New("boom")

	st := NewScheduledTask(func() *task.Task {
		return task.Func(func(context.Context) (any, error) {
			if counter.Add(1) == 2 {
				return nil, boom
			}
			return nil, nil
		})
	}, WithPeriod(time.Millisecond), WithCancelOnError(true))
	require.NoError(t, m.SubmitScheduled(context.Background(), st))

	_, err := get(t, st.Task())
	assert.ErrorIs(t, err, boom)
	assert.EqualValues(t, 2, counter.Load())
	assert.True(t, st.Task().IsError())
}

func TestScheduledContinuesAfterErrors(t *testing.T) {
	m := newTestManager(t)
	var counter atomic.Int32

	st := NewScheduledTask(counting(&counter, errors.New("flaky")),
		WithPeriod(time.Millisecond),
		WithMaxIterations(3),
	)
	require.NoError(t, m.SubmitScheduled(context.Background(), st))

	_, err := get(t, st.Task())
	assert.NoError(t, err)
	assert.EqualValues(t, 3, counter.Load())
}

func TestScheduledBackoffGivesUp(t *testing.T) {
	m := newTestManager(t)
	var counter atomic.Int32
	flaky := errors.New("flaky")

	st := NewScheduledTask(counting(&counter, flaky),
		WithPeriod(time.Hour),
		WithErrorBackoff(backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 1)),
	)
	require.NoError(t, m.SubmitScheduled(context.Background(), st))

	_, err := get(t, st.Task())
	assert.ErrorIs(t, err, flaky)
	assert.Contains(t, err.Error(), "giving up after 2 iterations")
	assert.EqualValues(t, 2, counter.Load())
}

func TestScheduledCancelStopsFutureIterations(t *testing.T) {
	m := newTestManager(t)
	var counter atomic.Int32

	st := NewScheduledTask(counting(&counter, nil), WithPeriod(5*time.Millisecond))
	require.NoError(t, m.SubmitScheduled(context.Background(), st))

	require.Eventually(t, func() bool { return counter.Load() >= 1 }, time.Second, time.Millisecond)
	assert.True(t, st.Task().Cancel(task.CancelInterruptTask))

	_, err := get(t, st.Task())
	assert.ErrorIs(t, err, task.ErrCancelled)
	require.Eventually(t, st.Task().IsDoneAndStopped, time.Second, time.Millisecond)

	seen := counter.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, seen, counter.Load())
}

func TestScheduledCancelInterruptsInFlightIteration(t *testing.T) {
	m := newTestManager(t)
	started := make(chan struct{}, 1)

	st := NewScheduledTask(func() *task.Task {
		return task.New(blockUntilCancelled(started))
	}, WithPeriod(time.Millisecond))
	require.NoError(t, m.SubmitScheduled(context.Background(), st))
	<-started

	it := st.NextIteration()
	require.NotNil(t, it)

	st.Task().Cancel(task.CancelInterruptTask)
	_, err := get(t, it)
	assert.ErrorIs(t, err, task.ErrCancelled)
	_, err = get(t, st.Task())
	assert.ErrorIs(t, err, task.ErrCancelled)
}

func TestScheduledInvalidCron(t *testing.T) {
	m := newTestManager(t)
	st := NewScheduledTask(func() *task.Task { return task.New(nil) }, WithCron("not a cron"))

	err := m.SubmitScheduled(context.Background(), st)
	require.Error(t, err)
	assert.False(t, st.Task().IsSubmitted())
}

func TestShutdownStopsSchedules(t *testing.T) {
	m := NewManager()
	var counter atomic.Int32

	st := NewScheduledTask(counting(&counter, nil), WithPeriod(time.Millisecond))
	require.NoError(t, m.SubmitScheduled(context.Background(), st))
	require.Eventually(t, func() bool { return counter.Load() >= 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))

	_, err := get(t, st.Task())
	assert.ErrorIs(t, err, task.ErrCancelled)
}

func TestPeriodicScheduleIterationsCanBeCollected(t *testing.T) {
	m := newTestManager(t)
	var counter atomic.Int32

	st := NewScheduledTask(counting(&counter, nil),
		WithDelay(0),
		WithPeriod(2*time.Millisecond),
		WithScheduledTags("periodic"),
	)
	require.NoError(t, m.SubmitScheduled(context.Background(), st))
	require.Eventually(t, func() bool { return st.RunCount() >= 20 }, 5*time.Second, time.Millisecond)

	for _, tag := range m.GetTaskTags() {
		m.DeleteDoneInTag(tag)
	}
	m.GC(0)

	// The schedule itself plus at most its last and next iteration.
	assert.LessOrEqual(t, len(m.GetAllTasks()), 3)
	_, ok := m.GetTask(st.Task().ID())
	assert.True(t, ok, "a live schedule stays indexed")

	require.True(t, st.Task().Cancel(task.CancelInterruptAll))
	_, err := get(t, st.Task())
	assert.ErrorIs(t, err, task.ErrCancelled)
}
