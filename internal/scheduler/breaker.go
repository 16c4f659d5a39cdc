package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/aristath/taskexec/internal/task"
)

// BreakerSettings configures a Breaker.
type BreakerSettings struct {
	Name        string        // Breaker name, usually the tag
	MaxFailures uint32        // Consecutive failures before opening (default 5)
	OpenTimeout time.Duration // How long to stay open before probing (default 30s)
	MaxProbes   uint32        // Submissions let through while half-open (default 1)
	Logger      *slog.Logger
}

// Breaker runs submissions through a circuit breaker. While the breaker is
// open, submissions are rejected without running. Cancellation does not
// count as a failure.
type Breaker struct {
	mu   sync.Mutex
	pool Executor
	name string
	cb   *gobreaker.CircuitBreaker
}

// NewBreaker creates a closed breaker.
func NewBreaker(settings BreakerSettings) *Breaker {
	if settings.MaxFailures == 0 {
		settings.MaxFailures = 5
	}
	if settings.OpenTimeout <= 0 {
		settings.OpenTimeout = 30 * time.Second
	}
	if settings.MaxProbes == 0 {
		settings.MaxProbes = 1
	}
	logger := settings.Logger
	if logger == nil {
		logger = slog.Default()
	}

	b := &Breaker{name: settings.Name}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        settings.Name,
		MaxRequests: settings.MaxProbes,
		Interval:    0,
		Timeout:     settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= settings.MaxFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("tag scheduler breaker changed state",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, task.ErrCancelled) ||
				errors.Is(err, context.Canceled) ||
				errors.Is(err, context.DeadlineExceeded)
		},
	})
	return b
}

// Init implements TaskScheduler.
func (b *Breaker) Init(pool Executor) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pool = pool
}

// Submit implements TaskScheduler.
func (b *Breaker) Submit(sub Submission) {
	b.mu.Lock()
	pool := b.pool
	b.mu.Unlock()

	execute(pool, func() {
		_, err := b.cb.Execute(func() (interface{}, error) {
			return nil, sub.Run()
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			sub.Reject(fmt.Errorf("tag scheduler %q: %w", b.name, err))
		}
	})
}

// State returns the breaker state.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}
