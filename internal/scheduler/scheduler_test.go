package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/taskexec/internal/config"
	"github.com/aristath/taskexec/internal/task"
)

// goPool runs every function on its own goroutine.
var goPool = ExecutorFunc(func(fn func()) { go fn() })

type outcome struct {
	ran      bool
	rejected error
}

// newSubmission returns a submission whose Run calls run and whose outcome
// is delivered on the returned channel.
func newSubmission(ctx context.Context, run func() error) (Submission, <-chan outcome) {
	done := make(chan outcome, 1)
	return Submission{
		Task: task.New(nil),
		Ctx:  ctx,
		Run: func() error {
			err := run()
			done <- outcome{ran: true}
			return err
		},
		Reject: func(err error) { done <- outcome{rejected: err} },
	}, done
}

func waitOutcome(t *testing.T, ch <-chan outcome) outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(2 * time.Second):
		require.FailNow(t, "timeout waiting for submission outcome")
	}
	return outcome{}
}

func TestRegistrySetIsIdempotentPerType(t *testing.T) {
	reg := NewRegistry(goPool)
	first := NewSingleThreaded()

	require.NoError(t, reg.Set("db", first))
	assert.NoError(t, reg.Set("db", first), "re-binding the same instance is a no-op")
	assert.NoError(t, reg.Set("db", NewSingleThreaded()), "binding the same type is a no-op")
	got, _ := reg.Get("db")
	assert.Same(t, first, got, "the original scheduler stays bound")

	err := reg.Set("db", NewRateLimited(10, 1))
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "db", conflict.Tag)
}

func TestRegistryClearAndResolve(t *testing.T) {
	reg := NewRegistry(goPool)
	serial := NewSingleThreaded()
	limited := NewRateLimited(100, 1)
	require.NoError(t, reg.Set("serial", serial))
	require.NoError(t, reg.Set("limited", limited))

	s, tag, others := reg.Resolve([]any{"plain", "limited", "serial"})
	assert.Same(t, limited, s, "the first bound tag wins")
	assert.Equal(t, "limited", tag)
	assert.Equal(t, []any{"serial"}, others)

	_, ok := reg.Clear("limited")
	assert.True(t, ok, "Clear reports the removed scheduler")
	s, _, _ = reg.Resolve([]any{"limited"})
	assert.Nil(t, s, "a cleared tag does not resolve")
	assert.Equal(t, 1, reg.Len())
}

func TestSingleThreadedRunsOneAtATime(t *testing.T) {
	s := NewSingleThreaded()
	s.Init(goPool)

	var running, maxRunning atomic.Int32
	var mu sync.Mutex
	var order []int
	var outcomes []<-chan outcome

	for i := 0; i < 5; i++ {
		i := i
		sub, done := newSubmission(context.Background(), func() error {
			n := running.Add(1)
			for {
				m := maxRunning.Load()
				if n <= m || maxRunning.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			running.Add(-1)
			return nil
		})
		s.Submit(sub)
		outcomes = append(outcomes, done)
	}

	for _, done := range outcomes {
		o := waitOutcome(t, done)
		require.True(t, o.ran, "submission was not run: %+v", o)
	}
	assert.EqualValues(t, 1, maxRunning.Load(), "at most one concurrent run")
	mu.Lock()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order, "submission order")
	mu.Unlock()
	assert.Zero(t, s.Pending())
}

func TestRateLimitedRejectsCancelledWaiters(t *testing.T) {
	s := NewRateLimited(0.001, 1)
	s.Init(goPool)

	first, firstDone := newSubmission(context.Background(), func() error { return nil })
	s.Submit(first)
	require.True(t, waitOutcome(t, firstDone).ran, "the burst token lets the first submission through")

	ctx, cancel := context.WithCancel(context.Background())
	second, secondDone := newSubmission(ctx, func() error { return nil })
	s.Submit(second)
	cancel()

	o := waitOutcome(t, secondDone)
	require.False(t, o.ran, "a cancelled waiter must not run")
	assert.ErrorIs(t, o.rejected, context.Canceled)
}

func TestBreakerOpensAfterFailures(t *testing.T) {
	b := NewBreaker(BreakerSettings{Name: "flaky", MaxFailures: 2, OpenTimeout: time.Minute})
	b.Init(goPool)

	fail := errors.New("upstream down")
	for i := 0; i < 2; i++ {
		sub, done := newSubmission(context.Background(), func() error { return fail })
		b.Submit(sub)
		require.True(t, waitOutcome(t, done).ran, "submission %d runs while closed", i)
	}

	// The breaker records the outcome after Run returns.
	require.Eventually(t, func() bool { return b.State() == gobreaker.StateOpen }, time.Second, time.Millisecond)

	sub, done := newSubmission(context.Background(), func() error { return nil })
	b.Submit(sub)
	o := waitOutcome(t, done)
	require.False(t, o.ran, "an open breaker must not run submissions")
	assert.ErrorIs(t, o.rejected, gobreaker.ErrOpenState)
}

func TestBreakerIgnoresCancellation(t *testing.T) {
	b := NewBreaker(BreakerSettings{Name: "cancelled", MaxFailures: 1})
	b.Init(goPool)

	for i := 0; i < 3; i++ {
		sub, done := newSubmission(context.Background(), func() error { return task.ErrCancelled })
		b.Submit(sub)
		waitOutcome(t, done)
	}
	assert.Equal(t, gobreaker.StateClosed, b.State(), "cancellations do not trip the breaker")
}

func TestFromConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.TagSchedulerConfig
		want    TaskScheduler
		wantErr bool
	}{
		{name: "single", cfg: config.TagSchedulerConfig{Type: config.SchedulerSingleThreaded}, want: &SingleThreaded{}},
		{name: "rate", cfg: config.TagSchedulerConfig{Type: config.SchedulerRateLimited, Rate: 2}, want: &RateLimited{}},
		{name: "breaker", cfg: config.TagSchedulerConfig{Type: config.SchedulerCircuitBreaker, MaxFailures: 3}, want: &Breaker{}},
		{name: "rate without rate", cfg: config.TagSchedulerConfig{Type: config.SchedulerRateLimited}, wantErr: true},
		{name: "unknown", cfg: config.TagSchedulerConfig{Type: "lifo"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := FromConfig(tt.name, tt.cfg, nil)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.IsType(t, tt.want, s)
		})
	}
}
