package scheduler

import (
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimited starts submissions no faster than a token-bucket limit allows.
// A submission cancelled while waiting for a token is rejected.
type RateLimited struct {
	mu      sync.Mutex
	pool    Executor
	limiter *rate.Limiter
}

// NewRateLimited allows perSecond starts per second with the given burst.
func NewRateLimited(perSecond float64, burst int) *RateLimited {
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Init implements TaskScheduler.
func (s *RateLimited) Init(pool Executor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pool = pool
}

// Submit implements TaskScheduler.
func (s *RateLimited) Submit(sub Submission) {
	s.mu.Lock()
	pool := s.pool
	s.mu.Unlock()

	execute(pool, func() {
		if err := s.limiter.Wait(sub.Ctx); err != nil {
			sub.Reject(fmt.Errorf("waiting for rate limit: %w", err))
			return
		}
		_ = sub.Run()
	})
}

// Limit returns the configured rate in starts per second.
func (s *RateLimited) Limit() float64 {
	return float64(s.limiter.Limit())
}
