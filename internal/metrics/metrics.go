// Package metrics exposes execution manager counters and task outcomes as
// Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aristath/taskexec/internal/execution"
	"github.com/aristath/taskexec/internal/task"
)

const namespace = "taskexec"

// StatsSource is satisfied by *execution.Manager.
type StatsSource interface {
	Stats() execution.Stats
}

// DropCounter is satisfied by *events.EventBus.
type DropCounter interface {
	Dropped() uint64
}

// Metrics owns a private registry so several managers can coexist in one
// process, as they do in tests.
type Metrics struct {
	registry *prometheus.Registry

	outcomes *prometheus.CounterVec
	duration *prometheus.HistogramVec
	wait     prometheus.Histogram
}

// New registers manager gauges for src and, when bus is non-nil, the count
// of dropped events.
func New(src StatsSource, bus DropCounter) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "finished_total",
			Help:      "Tasks that reached a terminal state, labelled by state.",
		}, []string{"state"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "run_duration_seconds",
			Help:      "Time from job start to end, labelled by terminal state.",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
		}, []string{"state"}),
		wait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "queue_wait_seconds",
			Help:      "Time from submission to job start.",
			Buckets:   []float64{0.0001, 0.001, 0.01, 0.1, 1, 10},
		}),
	}

	reg.MustRegister(m.outcomes, m.duration, m.wait)
	reg.MustRegister(
		gauge("submitted_total", "Tasks ever submitted.", func() float64 { return float64(src.Stats().Total) }),
		gauge("incomplete", "Submitted tasks without an outcome.", func() float64 { return float64(src.Stats().Incomplete) }),
		gauge("active", "Jobs currently executing.", func() float64 { return float64(src.Stats().Active) }),
	)
	if bus != nil {
		reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Events dropped because a subscriber was full.",
		}, func() float64 { return float64(bus.Dropped()) }))
	}
	reg.MustRegister(collectors.NewGoCollector())
	return m
}

func gauge(name, help string, fn func() float64) prometheus.GaugeFunc {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "manager",
		Name:      name,
		Help:      help,
	}, fn)
}

// OnTaskDone implements execution.Listener.
func (m *Metrics) OnTaskDone(t *task.Task) {
	st := t.Status()
	state := st.State.String()
	m.outcomes.WithLabelValues(state).Inc()
	if st.Started.IsZero() {
		return
	}
	if !st.Submitted.IsZero() {
		m.wait.Observe(st.Started.Sub(st.Submitted).Seconds())
	}
	if !st.Ended.IsZero() {
		m.duration.WithLabelValues(state).Observe(st.Ended.Sub(st.Started).Seconds())
	}
}

// Registry returns the registry holding every collector.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
