package sinks

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/jobcrawl/internal/logging"
	"github.com/JakeFAU/jobcrawl/internal/progress"
	"github.com/JakeFAU/jobcrawl/internal/store"
)

// StoreSink persists task lifecycle history via a store.TaskRepository.
// Progress updates within one batch are collapsed to the latest per task.
type StoreSink struct {
	repo   store.TaskRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.TaskRepository, logger *zap.Logger) *StoreSink {
	return &StoreSink{repo: repo, logger: logging.OrNop(logger)}
}

// Consume forwards the batch to the repository in order. It respects ctx
// deadlines and returns the first repository error.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	latest := make(map[string]int)
	for i, evt := range batch {
		if evt.Type == progress.EventTaskProgress {
			latest[evt.TaskID] = i
		}
	}

	for i, evt := range batch {
		if evt.Type == progress.EventTaskProgress && latest[evt.TaskID] != i {
			continue
		}
		if err := s.apply(ctx, evt); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				// The task was registered before the sink attached.
				s.logger.Debug("task missing from repository", zap.String("task_id", evt.TaskID), zap.Error(err))
				continue
			}
			return err
		}
	}
	return nil
}

func (s *StoreSink) apply(ctx context.Context, evt progress.Event) error {
	switch evt.Type {
	case progress.EventTaskAdded:
		rec := store.TaskRecord{
			ID:         evt.TaskID,
			Platform:   evt.Platform,
			Type:       evt.TaskType,
			Status:     store.TaskPending,
			CreatedAt:  evt.TS,
			ItemsTotal: evt.ItemsTotal,
		}
		if err := s.repo.InsertTask(ctx, rec); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
	case progress.EventTaskStarted:
		if err := s.repo.MarkStarted(ctx, evt.TaskID, evt.TS); err != nil {
			return fmt.Errorf("mark task started: %w", err)
		}
	case progress.EventTaskProgress:
		if err := s.repo.UpdateProgress(ctx, evt.TaskID, evt.Progress, evt.ItemsProcessed, evt.ItemsTotal); err != nil {
			return fmt.Errorf("update task progress: %w", err)
		}
	case progress.EventTaskCompleted, progress.EventTaskFailed, progress.EventTaskCancelled:
		var note *string
		if evt.Err != "" {
			note = &evt.Err
		}
		if err := s.repo.FinishTask(ctx, evt.TaskID, store.TaskStatus(evt.Status), evt.TS, note); err != nil {
			return fmt.Errorf("finish task: %w", err)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
