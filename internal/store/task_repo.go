package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// TaskStatus mirrors the crawl_tasks.status column.
type TaskStatus string

// Task statuses persisted in crawl_tasks.status.
const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// TaskRecord models one row of crawl_tasks.
type TaskRecord struct {
	ID       string
	Platform string
	Type     string
	Status   TaskStatus
	// CreatedAt is when the task was registered.
	CreatedAt time.Time
	// StartedAt is nil until the task runs.
	StartedAt *time.Time
	// FinishedAt is nil until the task reaches a terminal status.
	FinishedAt     *time.Time
	Progress       float64
	ItemsProcessed int
	ItemsTotal     int
	// ErrorMessage optionally stores the failure reason.
	ErrorMessage *string
}

// TaskFilter narrows ListTasks. Empty fields match everything.
type TaskFilter struct {
	Platform string
	Status   TaskStatus
	Limit    int
	Offset   int
}

// TaskRepository persists task lifecycle history.
type TaskRepository interface {
	// InsertTask records a newly registered task. Inserting an existing id is a no-op.
	InsertTask(ctx context.Context, rec TaskRecord) error
	// MarkStarted moves the task to running.
	MarkStarted(ctx context.Context, id string, at time.Time) error
	// UpdateProgress stores the latest progress counters.
	UpdateProgress(ctx context.Context, id string, progress float64, processed, total int) error
	// FinishTask stores the terminal status and optional error.
	FinishTask(ctx context.Context, id string, status TaskStatus, finishedAt time.Time, errMsg *string) error
	// GetTask loads one task or returns ErrNotFound.
	GetTask(ctx context.Context, id string) (TaskRecord, error)
	// ListTasks returns tasks newest first.
	ListTasks(ctx context.Context, f TaskFilter) ([]TaskRecord, error)
}
