package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/turnstile-solver/internal/progress"
)

// PrometheusSink exports task progress metrics via Prometheus. It owns the
// collectors for tasks queued/started/completed/running and attempt counts.
type PrometheusSink struct {
	tasksQueued    prometheus.Counter
	tasksStarted   prometheus.Counter
	tasksCompleted *prometheus.CounterVec
	tasksRunning   prometheus.Gauge
	taskRuntime    *prometheus.HistogramVec
	startWait      prometheus.Histogram
	attempts       *prometheus.CounterVec

	tracker *taskTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		tasksQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "solver_progress_tasks_queued_total",
			Help: "Total tasks accepted for solving.",
		}),
		tasksStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "solver_progress_tasks_started_total",
			Help: "Total tasks that acquired a browser worker.",
		}),
		tasksCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "solver_progress_tasks_completed_total",
			Help: "Total tasks completed partitioned by result.",
		}, []string{"result"}),
		tasksRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "solver_progress_tasks_running",
			Help: "Current number of tasks holding a browser worker.",
		}),
		taskRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "solver_progress_task_runtime_seconds",
			Help:    "Solve time per completed task.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
		}, []string{"result"}),
		startWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "solver_progress_start_wait_seconds",
			Help:    "Time between submission and worker acquisition.",
			Buckets: []float64{0.001, 0.1, 0.5, 1, 5, 15, 30, 60},
		}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "solver_progress_attempts_total",
			Help: "Interaction attempts partitioned by site.",
		}, []string{"site"}),
		tracker: newTaskTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.tasksQueued,
		s.tasksStarted,
		s.tasksCompleted,
		s.tasksRunning,
		s.taskRuntime,
		s.startWait,
		s.attempts,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageTaskQueued:
		s.tasksQueued.Inc()
	case progress.StageTaskStart:
		s.tasksStarted.Inc()
		if evt.Dur > 0 {
			s.startWait.Observe(evt.Dur.Seconds())
		}
		if s.tracker.start(evt.TaskID) {
			s.tasksRunning.Inc()
		}
	case progress.StageTaskAttempt:
		site := evt.Site
		if site == "" {
			site = "unknown"
		}
		s.attempts.WithLabelValues(site).Inc()
	case progress.StageTaskSolved:
		s.complete(evt, "success")
	case progress.StageTaskFailed:
		s.complete(evt, "failure")
	}
}

func (s *PrometheusSink) complete(evt progress.Event, label string) {
	s.tasksCompleted.WithLabelValues(label).Inc()
	if evt.Dur > 0 {
		s.taskRuntime.WithLabelValues(label).Observe(evt.Dur.Seconds())
	}
	if s.tracker.complete(evt.TaskID) {
		s.tasksRunning.Dec()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type taskTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newTaskTracker() *taskTracker {
	return &taskTracker{running: make(map[string]struct{})}
}

func (t *taskTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *taskTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
