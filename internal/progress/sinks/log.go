package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/jobcollector/internal/progress"
)

// LogSink writes progress events as structured logs at debug level, except
// term failures which are logged as warnings.
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

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.Stringer("run_id", evt.RunUUID()),
			zap.String("stage", string(evt.Stage)),
			zap.Int("worker", evt.Worker),
			zap.String("term", evt.Term),
			zap.Int("page", evt.Page),
			zap.Int("records", evt.Records),
			zap.Int("admitted", evt.Admitted),
			zap.Duration("dur", evt.Dur),
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		if evt.Stage == progress.StageTermError {
			s.logger.Warn("progress event", fields...)
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
