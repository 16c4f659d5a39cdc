package scheduler

import (
	"fmt"
	"log/slog"

	"github.com/aristath/taskexec/internal/config"
)

// FromConfig builds the scheduler declared for tag.
func FromConfig(tag string, cfg config.TagSchedulerConfig, logger *slog.Logger) (TaskScheduler, error) {
	switch cfg.Type {
	case config.SchedulerSingleThreaded:
		return NewSingleThreaded(), nil
	case config.SchedulerRateLimited:
		if cfg.Rate <= 0 {
			return nil, fmt.Errorf("tag %q: rate must be positive", tag)
		}
		return NewRateLimited(cfg.Rate, cfg.Burst), nil
	case config.SchedulerCircuitBreaker:
		return NewBreaker(BreakerSettings{
			Name:        tag,
			MaxFailures: cfg.MaxFailures,
			OpenTimeout: cfg.OpenTimeout.D(),
			Logger:      logger,
		}), nil
	default:
		return nil, fmt.Errorf("tag %q: unknown scheduler type %q", tag, cfg.Type)
	}
}
