package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/dougmens/handelsregister-abruf/internal/progress"
)

// LogSink emits one structured log line per event.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch. Terminal events log at info, the rest at debug.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("job_id", evt.JobID),
			zap.String("principal_id", evt.PrincipalID),
			zap.String("stage", string(evt.Stage)),
			zap.Int("progress", evt.Progress),
			zap.String("mode", string(evt.Mode)),
			zap.Duration("dur", evt.Dur),
			zap.String("note", evt.Note),
		}
		switch {
		case evt.Stage == progress.StageJobError:
			s.logger.Warn("job event", fields...)
		case evt.Terminal():
			s.logger.Info("job event", fields...)
		default:
			s.logger.Debug("job event", fields...)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
