package scheduler

import "sync"

// SingleThreaded runs the submissions of its tag one at a time, in
// submission order. Waiting submissions are queued rather than parked on a
// goroutine.
type SingleThreaded struct {
	mu      sync.Mutex
	pool    Executor
	queue   []Submission
	running bool
}

// NewSingleThreaded creates an idle scheduler.
func NewSingleThreaded() *SingleThreaded {
	return &SingleThreaded{}
}

// Init implements TaskScheduler.
func (s *SingleThreaded) Init(pool Executor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pool = pool
}

// Submit implements TaskScheduler.
func (s *SingleThreaded) Submit(sub Submission) {
	s.mu.Lock()
	if s.running {
		s.queue = append(s.queue, sub)
		s.mu.Unlock()
		return
	}
	s.running = true
	pool := s.pool
	s.mu.Unlock()

	s.dispatch(pool, sub)
}

// Pending returns how many submissions are waiting behind the running one.
func (s *SingleThreaded) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *SingleThreaded) dispatch(pool Executor, sub Submission) {
	execute(pool, func() {
		defer s.next()
		_ = sub.Run()
	})
}

func (s *SingleThreaded) next() {
	s.mu.Lock()
	if len(s.queue) == 0 {
		s.running = false
		s.mu.Unlock()
		return
	}
	sub := s.queue[0]
	s.queue[0] = Submission{}
	s.queue = s.queue[1:]
	pool := s.pool
	s.mu.Unlock()

	s.dispatch(pool, sub)
}
