package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/aristath/taskexec/internal/task"
)

// RetryConfig configures exponential backoff between attempts.
type RetryConfig struct {
	MaxRetries          uint64        // Attempts after the first; zero disables retries
	InitialInterval     time.Duration // Default 100ms
	MaxInterval         time.Duration // Default 10s
	MaxElapsedTime      time.Duration // Default 2min
	Multiplier          float64       // Default 2.0
	RandomizationFactor float64       // Default 0.5
}

// DefaultRetryConfig returns the default policy with the given retry count.
func DefaultRetryConfig(maxRetries uint64) RetryConfig {
	return RetryConfig{
		MaxRetries:          maxRetries,
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		MaxElapsedTime:      2 * time.Minute,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

func (c RetryConfig) policy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialInterval
	b.MaxInterval = c.MaxInterval
	b.MaxElapsedTime = c.MaxElapsedTime
	b.Multiplier = c.Multiplier
	b.RandomizationFactor = c.RandomizationFactor
	return backoff.WithContext(backoff.WithMaxRetries(b, c.MaxRetries), ctx)
}

// Retry wraps job so failed attempts are repeated with backoff. Interrupts
// are never retried.
func Retry(job task.Job, cfg RetryConfig) task.Job {
	if cfg.MaxRetries == 0 {
		return job
	}
	return &retryJob{job: job, cfg: cfg}
}

type retryJob struct {
	job task.Job
	cfg RetryConfig
}

func (r *retryJob) Run(ctx context.Context) (any, error) {
	var value any
	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		v, err := r.job.Run(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, task.ErrCancelled) {
				return backoff.Permanent(err)
			}
			return err
		}
		value = v
		return nil
	}

	if err := backoff.Retry(operation, r.cfg.policy(ctx)); err != nil {
		return nil, err
	}
	return value, nil
}
