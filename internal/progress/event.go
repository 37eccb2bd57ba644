package progress

import (
	"errors"
	"fmt"
	"time"
)

// EventType identifies a tracker notification.
type EventType string

// Supported event types.
const (
	EventTaskAdded     EventType = "task_added"
	EventTaskStarted   EventType = "task_started"
	EventTaskProgress  EventType = "task_progress"
	EventTaskCompleted EventType = "task_completed"
	EventTaskFailed    EventType = "task_failed"
	EventTaskCancelled EventType = "task_cancelled"
	// EventBatchProgress follows every terminal transition.
	EventBatchProgress EventType = "batch_progress"
	// EventBatchComplete fires once all registered tasks are terminal.
	EventBatchComplete EventType = "batch_complete"
)

// Terminal reports whether the event closes out a task.
func (t EventType) Terminal() bool {
	switch t {
	case EventTaskCompleted, EventTaskFailed, EventTaskCancelled:
		return true
	default:
		return false
	}
}

// Event captures a single task transition or batch milestone.
type Event struct {
	Type EventType
	// TS is the UTC timestamp recorded by the tracker.
	TS       time.Time
	TaskID   string
	Platform string
	TaskType string
	Status   Status
	// Progress is the task percentage (0-100) for task events.
	Progress       float64
	ItemsProcessed int
	ItemsTotal     int
	// Dur is the task's run time on terminal events.
	Dur time.Duration
	// Err carries the failure message for EventTaskFailed.
	Err string
	// Overall is populated on batch events.
	Overall *Overall
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Type {
	case EventTaskAdded, EventTaskStarted, EventTaskProgress,
		EventTaskCompleted, EventTaskFailed, EventTaskCancelled:
		if e.TaskID == "" {
			return errors.New("task id is required")
		}
	case EventBatchProgress, EventBatchComplete:
		if e.Overall == nil {
			return errors.New("batch events require overall progress")
		}
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
