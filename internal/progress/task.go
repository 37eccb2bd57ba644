package progress

import (
	"maps"
	"slices"
	"time"
)

// Status is a task lifecycle state.
type Status string

// Task states. Completed, failed and cancelled are terminal.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Task is one tracked unit of work. Values handed out by the Tracker are
// copies; mutating them has no effect on the tracker.
type Task struct {
	ID             string         `json:"id"`
	Platform       string         `json:"platform"`
	Type           string         `json:"type"`
	Status         Status         `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	Progress       float64        `json:"progress"`
	ItemsProcessed int            `json:"items_processed"`
	ItemsTotal     int            `json:"items_total"`
	Error          string         `json:"error,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Duration is the time from start (or creation) to completion, or zero while
// the task is still open.
func (t Task) Duration() time.Duration {
	if t.CompletedAt == nil {
		return 0
	}
	from := t.CreatedAt
	if t.StartedAt != nil {
		from = *t.StartedAt
	}
	return t.CompletedAt.Sub(from)
}

func (t *Task) clone() Task {
	out := *t
	if t.StartedAt != nil {
		ts := *t.StartedAt
		out.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		out.CompletedAt = &ts
	}
	out.Metadata = cloneMeta(t.Metadata)
	return out
}

// cloneMeta copies m deeply enough that nested maps and slices built from
// JSON-like values are not shared. Other values are copied as-is.
func cloneMeta(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		if v == nil {
			return v
		}
		out := make(map[string]any, len(v))
		for k, inner := range v {
			out[k] = cloneValue(inner)
		}
		return out
	case []any:
		if v == nil {
			return v
		}
		out := make([]any, len(v))
		for i, inner := range v {
			out[i] = cloneValue(inner)
		}
		return out
	case map[string]string:
		return maps.Clone(v)
	case []string:
		return slices.Clone(v)
	default:
		return v
	}
}

// TaskOptions are optional attributes for AddTask.
type TaskOptions struct {
	ItemsTotal int
	Metadata   map[string]any
}

// Update describes a progress report for a running task. Nil fields are left
// unchanged. When Percent is nil the percentage is derived from the counts.
type Update struct {
	ItemsProcessed *int
	ItemsTotal     *int
	Percent        *float64
	Metadata       map[string]any
}

// Filter narrows List results. Empty fields match everything.
type Filter struct {
	Platform string
	Status   Status
	Type     string
}

func (f Filter) match(t *Task) bool {
	if f.Platform != "" && t.Platform != f.Platform {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.Type != "" && t.Type != f.Type {
		return false
	}
	return true
}

// PlatformSummary counts tasks per status for one platform.
type PlatformSummary struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

func (s *PlatformSummary) add(status Status) {
	s.Total++
	switch status {
	case StatusPending:
		s.Pending++
	case StatusRunning:
		s.Running++
	case StatusCompleted:
		s.Completed++
	case StatusFailed:
		s.Failed++
	case StatusCancelled:
		s.Cancelled++
	}
}

// Counters are lifetime transition counts since the last Reset.
type Counters struct {
	Started   int `json:"started"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// Finished is the number of tasks in a terminal state.
func (c Counters) Finished() int {
	return c.Completed + c.Failed + c.Cancelled
}

// Overall is a batch-wide progress snapshot.
type Overall struct {
	TotalTasks int `json:"total_tasks"`
	// Progress is finished/total as a percentage.
	Progress float64       `json:"progress"`
	Counters Counters      `json:"counters"`
	Elapsed  time.Duration `json:"elapsed"`
	// TasksPerSecond is completed tasks over elapsed time.
	TasksPerSecond float64 `json:"tasks_per_second"`
}
