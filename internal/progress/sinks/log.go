package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/siteground/internal/progress"
)

// LogSink writes one structured line per event. Page events log at debug,
// run events at info.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the sink interface.
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
			zap.String("run_id", evt.RunID),
			zap.String("stage", string(evt.Stage)),
			zap.Time("ts", evt.TS),
		}
		switch evt.Stage {
		case progress.StagePageDone, progress.StagePageFailed:
			fields = append(fields,
				zap.String("url", evt.URL),
				zap.Int("level", evt.Level),
				zap.Int64("bytes", evt.Bytes),
				zap.Duration("dur", evt.Dur),
			)
			if evt.StatusCode != 0 {
				fields = append(fields, zap.Int("status_code", evt.StatusCode))
			}
			if evt.Note != "" {
				fields = append(fields, zap.String("note", evt.Note))
			}
			s.logger.Debug("page progress", fields...)
		default:
			fields = append(fields, zap.String("kind", evt.Kind), zap.Duration("dur", evt.Dur))
			if evt.Note != "" {
				fields = append(fields, zap.String("note", evt.Note))
			}
			s.logger.Info("run progress", fields...)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
