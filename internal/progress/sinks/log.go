package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/jobcrawl/internal/logging"
	"github.com/JakeFAU/jobcrawl/internal/progress"
)

// LogSink writes one log line per event. Failed tasks log at warn.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink logs to logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logging.OrNop(logger)}
}

func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("type", string(evt.Type)),
			zap.Time("ts", evt.TS),
		}
		if evt.Overall != nil {
			fields = append(fields,
				zap.Int("total", evt.Overall.TotalTasks),
				zap.Float64("progress", evt.Overall.Progress),
				zap.Int("completed", evt.Overall.Counters.Completed),
				zap.Int("failed", evt.Overall.Counters.Failed),
				zap.Int("cancelled", evt.Overall.Counters.Cancelled),
			)
			s.logger.Info("batch progress", fields...)
			continue
		}
		fields = append(fields,
			zap.String("task_id", evt.TaskID),
			zap.String("platform", evt.Platform),
			zap.String("task_type", evt.TaskType),
			zap.Float64("progress", evt.Progress),
			zap.Duration("dur", evt.Dur),
		)
		if evt.Err != "" {
			fields = append(fields, zap.String("error", evt.Err))
			s.logger.Warn("task event", fields...)
			continue
		}
		s.logger.Info("task event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
