package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/jobcrawl/internal/progress"
)

// PrometheusSink exports task lifecycle metrics via Prometheus. It owns all
// collectors for tasks started/finished/running and batch completions.
type PrometheusSink struct {
	tasksStarted  *prometheus.CounterVec
	tasksFinished *prometheus.CounterVec
	tasksRunning  *prometheus.GaugeVec
	taskRuntime   *prometheus.HistogramVec
	batches       prometheus.Counter
	batchProgress prometheus.Gauge

	tracker *taskTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		tasksStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobcrawl_tasks_started_total",
			Help: "Tasks that have started, per platform.",
		}, []string{"platform"}),
		tasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobcrawl_tasks_finished_total",
			Help: "Tasks that reached a terminal status, per platform and status.",
		}, []string{"platform", "status"}),
		tasksRunning: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "jobcrawl_tasks_running",
			Help: "Tasks currently running, per platform.",
		}, []string{"platform"}),
		taskRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "jobcrawl_task_runtime_seconds",
			Help:    "Wall time per finished task.",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"platform", "status"}),
		batches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobcrawl_batches_completed_total",
			Help: "Crawl batches whose tasks all reached a terminal status.",
		}),
		batchProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jobcrawl_batch_progress_percent",
			Help: "Finished share of the current batch.",
		}),
		tracker: newTaskTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.tasksStarted,
		s.tasksFinished,
		s.tasksRunning,
		s.taskRuntime,
		s.batches,
		s.batchProgress,
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
	platform := evt.Platform
	if platform == "" {
		platform = "unknown"
	}
	switch evt.Type {
	case progress.EventTaskStarted:
		s.tasksStarted.WithLabelValues(platform).Inc()
		if s.tracker.start(evt.TaskID) {
			s.tasksRunning.WithLabelValues(platform).Inc()
		}
	case progress.EventTaskCompleted, progress.EventTaskFailed, progress.EventTaskCancelled:
		status := string(evt.Status)
		s.tasksFinished.WithLabelValues(platform, status).Inc()
		if s.tracker.complete(evt.TaskID) {
			s.tasksRunning.WithLabelValues(platform).Dec()
		}
		if evt.Dur > 0 {
			s.taskRuntime.WithLabelValues(platform, status).Observe(evt.Dur.Seconds())
		}
	case progress.EventBatchProgress:
		if evt.Overall != nil {
			s.batchProgress.Set(evt.Overall.Progress)
		}
	case progress.EventBatchComplete:
		s.batches.Inc()
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
