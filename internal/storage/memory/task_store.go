package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/jobcrawl/internal/store"
)

// TaskStore provides an in-memory store.TaskRepository.
type TaskStore struct {
	mu    sync.RWMutex
	tasks map[string]store.TaskRecord
}

// NewTaskStore constructs a TaskStore.
func NewTaskStore() *TaskStore {
	return &TaskStore{tasks: make(map[string]store.TaskRecord)}
}

// InsertTask stores a new task. Existing ids are left untouched.
func (s *TaskStore) InsertTask(_ context.Context, rec store.TaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[rec.ID]; exists {
		return nil
	}
	if rec.Status == "" {
		rec.Status = store.TaskPending
	}
	s.tasks[rec.ID] = rec
	return nil
}

// MarkStarted moves a task to running.
func (s *TaskStore) MarkStarted(_ context.Context, id string, at time.Time) error {
	return s.update(id, func(rec *store.TaskRecord) {
		rec.Status = store.TaskRunning
		rec.StartedAt = pointerTime(at)
	})
}

// UpdateProgress stores the latest counters.
func (s *TaskStore) UpdateProgress(_ context.Context, id string, progress float64, processed, total int) error {
	return s.update(id, func(rec *store.TaskRecord) {
		rec.Progress = progress
		rec.ItemsProcessed = processed
		rec.ItemsTotal = total
	})
}

// FinishTask stores the terminal status.
func (s *TaskStore) FinishTask(
	_ context.Context,
	id string,
	status store.TaskStatus,
	finishedAt time.Time,
	errMsg *string,
) error {
	return s.update(id, func(rec *store.TaskRecord) {
		rec.Status = status
		rec.FinishedAt = pointerTime(finishedAt)
		rec.ErrorMessage = errMsg
		if status == store.TaskCompleted {
			rec.Progress = 100
		}
	})
}

// GetTask fetches a task by id.
func (s *TaskStore) GetTask(_ context.Context, id string) (store.TaskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.tasks[id]
	if !ok {
		return store.TaskRecord{}, fmt.Errorf("%w: task %s", store.ErrNotFound, id)
	}
	return rec, nil
}

// ListTasks returns matching tasks newest first.
func (s *TaskStore) ListTasks(_ context.Context, f store.TaskFilter) ([]store.TaskRecord, error) {
	s.mu.RLock()
	out := make([]store.TaskRecord, 0, len(s.tasks))
	for _, rec := range s.tasks {
		if f.Platform != "" && rec.Platform != f.Platform {
			continue
		}
		if f.Status != "" && rec.Status != f.Status {
			continue
		}
		out = append(out, rec)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return []store.TaskRecord{}, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *TaskStore) update(id string, apply func(*store.TaskRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: task %s", store.ErrNotFound, id)
	}
	apply(&rec)
	s.tasks[id] = rec
	return nil
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
