package progress

import (
	"context"
	"log/slog"
)

// LogSink writes progress events to a logger. Failed events are logged at
// error level, everything else at info.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Publish(ctx context.Context, evt Event) {
	level := slog.LevelInfo
	if evt.Status == StatusFailed {
		level = slog.LevelError
	}
	s.logger.Log(ctx, level, "job progress",
		"job_id", evt.JobID,
		"status", evt.Status,
		"message", evt.Message,
		"level", evt.Level)
}
