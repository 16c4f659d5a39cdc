package execution

import (
	"log/slog"
	"time"

	"github.com/aristath/taskexec/internal/events"
)

// Stats is a snapshot of the manager's counters.
type Stats struct {
	Total      int64 // Tasks ever submitted
	Incomplete int64 // Submitted tasks without a recorded outcome
	Active     int64 // Tasks whose job is executing
}

// Stats returns the current counters.
func (m *Manager) Stats() Stats {
	return Stats{
		Total:      m.total.Load(),
		Incomplete: m.incomplete.Load(),
		Active:     m.active.Load(),
	}
}

// TotalSubmitted returns the number of tasks ever submitted.
func (m *Manager) TotalSubmitted() int64 { return m.total.Load() }

// Incomplete returns the number of submitted tasks without an outcome.
func (m *Manager) Incomplete() int64 { return m.incomplete.Load() }

// Active returns the number of jobs currently executing.
func (m *Manager) Active() int64 { return m.active.Load() }

func (m *Manager) activeUp() {
	n := m.active.Add(1)
	if roundThreshold(n) {
		m.logger.Warn("active task count reached threshold", slog.Int64("active", n))
	}
}

// roundThreshold reports 100, 1000 and every multiple of 1000 after it.
func roundThreshold(n int64) bool {
	return n == 100 || (n >= 1000 && n%1000 == 0)
}

func (m *Manager) publishStats() {
	if m.bus == nil {
		return
	}
	s := m.Stats()
	m.bus.Publish(events.TopicManager, events.ManagerStatsEvent{
		Total:      s.Total,
		Incomplete: s.Incomplete,
		Active:     s.Active,
		Timestamp:  time.Now(),
	})
}
