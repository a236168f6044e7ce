package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/docs2md/internal/progress"
)

// LogSink writes each progress event as a structured log line. State changes
// log at info, page outcomes at debug.
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
			zap.String("job_id", evt.JobID),
			zap.String("type", string(evt.Type)),
			zap.String("state", string(evt.State)),
			zap.Int("discovered", evt.Counters.Discovered),
			zap.Int("processed", evt.Counters.Processed),
			zap.Int("succeeded", evt.Counters.Succeeded),
			zap.Int("skipped", evt.Counters.Skipped),
		}
		if evt.Type == progress.EventPage {
			s.logger.Debug("page processed", append(fields,
				zap.String("url", evt.URL),
				zap.String("outcome", evt.Outcome),
			)...)
			continue
		}
		if evt.Reason != "" {
			fields = append(fields, zap.String("reason", evt.Reason))
		}
		s.logger.Info("job progress", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
