package progress

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/jobcrawl/internal/id/uuid"
)

var (
	// ErrTaskNotFound is returned for an unknown task id.
	ErrTaskNotFound = errors.New("task not found")
	// ErrInvalidTransition is returned when a lifecycle call does not apply to
	// the task's current status.
	ErrInvalidTransition = errors.New("invalid task transition")
)

// Listener receives tracker events synchronously. Listeners must not call
// back into the tracker's mutating methods.
type Listener func(Event)

// TrackerConfig configures a Tracker.
//   - Now defaults to time.Now in UTC.
//   - NewID defaults to UUIDv7 strings.
//   - Emitter, when set, receives every event after the listeners (typically a Hub).
type TrackerConfig struct {
	Now     func() time.Time
	NewID   func() string
	Emitter Emitter
	Logger  *zap.Logger
}

// Tracker is the task lifecycle registry. It is safe for concurrent use.
type Tracker struct {
	mu       sync.Mutex
	tasks    map[string]*Task
	order    []string
	counters Counters
	started  time.Time

	now     func() time.Time
	newID   func() string
	emitter Emitter
	logger  *zap.Logger

	lmu       sync.RWMutex
	nextLID   int
	listeners map[int]Listener
}

// NewTracker builds an empty Tracker.
func NewTracker(cfg TrackerConfig) *Tracker {
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	newID := cfg.NewID
	if newID == nil {
		newID = uuid.MustNewID
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		tasks:     make(map[string]*Task),
		started:   now(),
		now:       now,
		newID:     newID,
		emitter:   cfg.Emitter,
		logger:    logger,
		listeners: make(map[int]Listener),
	}
}

// Subscribe registers fn and returns a function that removes it.
func (t *Tracker) Subscribe(fn Listener) func() {
	if fn == nil {
		return func() {}
	}
	t.lmu.Lock()
	defer t.lmu.Unlock()
	id := t.nextLID
	t.nextLID++
	t.listeners[id] = fn
	return func() {
		t.lmu.Lock()
		delete(t.listeners, id)
		t.lmu.Unlock()
	}
}

// AddTask registers a pending task and returns its id.
func (t *Tracker) AddTask(platform, taskType string, opts TaskOptions) string {
	t.mu.Lock()
	id := t.newID()
	task := &Task{
		ID:         id,
		Platform:   platform,
		Type:       taskType,
		Status:     StatusPending,
		CreatedAt:  t.now(),
		ItemsTotal: opts.ItemsTotal,
		Metadata:   cloneMeta(opts.Metadata),
	}
	t.tasks[id] = task
	t.order = append(t.order, id)
	evt := t.taskEventLocked(EventTaskAdded, task)
	t.mu.Unlock()

	t.publish(evt)
	return id
}

// StartTask moves a pending task to running.
func (t *Tracker) StartTask(id string) error {
	t.mu.Lock()
	task, err := t.lookupLocked(id)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	if task.Status != StatusPending {
		t.mu.Unlock()
		return fmt.Errorf("start %s from %s: %w", id, task.Status, ErrInvalidTransition)
	}
	ts := t.now()
	task.Status = StatusRunning
	task.StartedAt = &ts
	t.counters.Started++
	evt := t.taskEventLocked(EventTaskStarted, task)
	t.mu.Unlock()

	t.publish(evt)
	return nil
}

// UpdateProgress applies u to a running task.
func (t *Tracker) UpdateProgress(id string, u Update) error {
	t.mu.Lock()
	task, err := t.lookupLocked(id)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	if task.Status != StatusRunning {
		t.mu.Unlock()
		return fmt.Errorf("update %s in %s: %w", id, task.Status, ErrInvalidTransition)
	}
	if u.ItemsProcessed != nil {
		task.ItemsProcessed = *u.ItemsProcessed
	}
	if u.ItemsTotal != nil {
		task.ItemsTotal = *u.ItemsTotal
	}
	switch {
	case u.Percent != nil:
		task.Progress = math.Min(100, math.Max(0, *u.Percent))
	case task.ItemsTotal > 0:
		task.Progress = math.Round(float64(task.ItemsProcessed) / float64(task.ItemsTotal) * 100)
	}
	if len(u.Metadata) > 0 {
		if task.Metadata == nil {
			task.Metadata = make(map[string]any, len(u.Metadata))
		}
		for k, v := range u.Metadata {
			task.Metadata[k] = cloneValue(v)
		}
	}
	evt := t.taskEventLocked(EventTaskProgress, task)
	t.mu.Unlock()

	t.publish(evt)
	return nil
}

// CompleteTask marks a running task completed at 100%. A non-nil result is
// stored under the "result" metadata key.
func (t *Tracker) CompleteTask(id string, result any) error {
	return t.finish(id, StatusCompleted, func(task *Task) {
		task.Progress = 100
		if result != nil {
			if task.Metadata == nil {
				task.Metadata = make(map[string]any, 1)
			}
			task.Metadata["result"] = cloneValue(result)
		}
		t.counters.Completed++
	})
}

// FailTask marks a running task failed with cause.
func (t *Tracker) FailTask(id string, cause error) error {
	return t.finish(id, StatusFailed, func(task *Task) {
		if cause != nil {
			task.Error = cause.Error()
		}
		t.counters.Failed++
	})
}

// CancelTask cancels a pending or running task. Cancelling a task that is
// already terminal is a no-op.
func (t *Tracker) CancelTask(id string) error {
	return t.finish(id, StatusCancelled, func(*Task) {
		t.counters.Cancelled++
	})
}

func (t *Tracker) finish(id string, status Status, apply func(*Task)) error {
	t.mu.Lock()
	task, err := t.lookupLocked(id)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	switch {
	case task.Status.Terminal():
		if status == StatusCancelled {
			t.mu.Unlock()
			return nil
		}
		t.mu.Unlock()
		return fmt.Errorf("%s %s: already %s: %w", status, id, task.Status, ErrInvalidTransition)
	case status != StatusCancelled && task.Status != StatusRunning:
		t.mu.Unlock()
		return fmt.Errorf("%s %s from %s: %w", status, id, task.Status, ErrInvalidTransition)
	}

	ts := t.now()
	task.Status = status
	task.CompletedAt = &ts
	apply(task)

	var typ EventType
	switch status {
	case StatusCompleted:
		typ = EventTaskCompleted
	case StatusFailed:
		typ = EventTaskFailed
	default:
		typ = EventTaskCancelled
	}
	evts := []Event{t.taskEventLocked(typ, task)}
	overall := t.overallLocked()
	evts = append(evts, Event{Type: EventBatchProgress, TS: ts, Overall: &overall})
	if t.completeLocked() {
		done := overall
		evts = append(evts, Event{Type: EventBatchComplete, TS: ts, Overall: &done})
	}
	t.mu.Unlock()

	for _, evt := range evts {
		t.publish(evt)
	}
	return nil
}

// Task returns a copy of the task with id.
func (t *Tracker) Task(id string) (Task, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	task, err := t.lookupLocked(id)
	if err != nil {
		return Task{}, err
	}
	return task.clone(), nil
}

// List returns copies of the tasks matching f in registration order.
func (t *Tracker) List(f Filter) []Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Task, 0, len(t.order))
	for _, id := range t.order {
		task := t.tasks[id]
		if f.match(task) {
			out = append(out, task.clone())
		}
	}
	return out
}

// Summary counts task statuses per platform.
func (t *Tracker) Summary() map[string]PlatformSummary {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]PlatformSummary)
	for _, task := range t.tasks {
		s := out[task.Platform]
		s.add(task.Status)
		out[task.Platform] = s
	}
	return out
}

// Platforms returns the platforms with registered tasks, sorted.
func (t *Tracker) Platforms() []string {
	summary := t.Summary()
	out := make([]string, 0, len(summary))
	for p := range summary {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Overall returns the batch-wide progress snapshot.
func (t *Tracker) Overall() Overall {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.overallLocked()
}

// IsComplete reports whether at least one task exists and none is pending or
// running.
func (t *Tracker) IsComplete() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.completeLocked()
}

// Reset forgets every task and restarts the elapsed clock. Listeners are kept.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tasks = make(map[string]*Task)
	t.order = nil
	t.counters = Counters{}
	t.started = t.now()
}

func (t *Tracker) lookupLocked(id string) (*Task, error) {
	task, ok := t.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return task, nil
}

func (t *Tracker) completeLocked() bool {
	if len(t.tasks) == 0 {
		return false
	}
	for _, task := range t.tasks {
		if !task.Status.Terminal() {
			return false
		}
	}
	return true
}

func (t *Tracker) overallLocked() Overall {
	total := len(t.tasks)
	elapsed := t.now().Sub(t.started)
	o := Overall{
		TotalTasks: total,
		Counters:   t.counters,
		Elapsed:    elapsed,
	}
	if total > 0 {
		o.Progress = math.Round(float64(t.counters.Finished()) / float64(total) * 100)
	}
	if elapsed > 0 {
		o.TasksPerSecond = float64(t.counters.Completed) / elapsed.Seconds()
	}
	return o
}

func (t *Tracker) taskEventLocked(typ EventType, task *Task) Event {
	evt := Event{
		Type:           typ,
		TS:             t.now(),
		TaskID:         task.ID,
		Platform:       task.Platform,
		TaskType:       task.Type,
		Status:         task.Status,
		Progress:       task.Progress,
		ItemsProcessed: task.ItemsProcessed,
		ItemsTotal:     task.ItemsTotal,
		Err:            task.Error,
	}
	if typ.Terminal() {
		evt.Dur = task.Duration()
	}
	return evt
}

func (t *Tracker) publish(evt Event) {
	t.lmu.RLock()
	fns := make([]Listener, 0, len(t.listeners))
	for _, fn := range t.listeners {
		fns = append(fns, fn)
	}
	t.lmu.RUnlock()
	for _, fn := range fns {
		fn(evt)
	}
	if t.emitter != nil {
		t.emitter.Emit(evt)
	}
	if evt.Type == EventBatchComplete {
		t.logger.Info("all tasks finished",
			zap.Int("total", evt.Overall.TotalTasks),
			zap.Int("completed", evt.Overall.Counters.Completed),
			zap.Int("failed", evt.Overall.Counters.Failed),
			zap.Int("cancelled", evt.Overall.Counters.Cancelled),
		)
	}
}

