package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/turnstile-solver/internal/progress"
)

// LogSink writes lifecycle events to the log. Terminal stages are logged at
// info as a per-task outcome record; the rest only at debug.
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

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("task_id", evt.TaskID),
			zap.String("stage", string(evt.Stage)),
			zap.String("site", evt.Site),
			zap.Int("slot", evt.Slot),
			zap.Int("attempt", evt.Attempt),
			zap.Duration("dur", evt.Dur),
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		if evt.Stage.Terminal() {
			s.logger.Info("task finished", fields...)
			continue
		}
		s.logger.Debug("progress event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
