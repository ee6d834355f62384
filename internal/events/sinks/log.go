package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/site-insights/internal/events"
)

// LogSink writes one structured log line per event.
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
func (s *LogSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("type", string(evt.Type)),
			zap.String("site_id", evt.SiteID),
			zap.String("operation", evt.Operation),
			zap.Time("ts", evt.TS),
			zap.Duration("dur", evt.Dur),
		}
		switch evt.Type {
		case events.TypeAnalysisRecorded:
			fields = append(fields, zap.String("report_id", evt.Report.ID), zap.String("url", evt.Report.URL))
		case events.TypeChatRecorded:
			fields = append(fields, zap.Int("turns", len(evt.Turns)))
		case events.TypeOperationFailed:
			fields = append(fields, zap.String("kind", string(evt.Kind)), zap.String("note", evt.Note))
		}
		s.logger.Info("site event", fields...)
	}
	return nil
}

// Close is a no-op.
func (s *LogSink) Close(context.Context) error {
	return nil
}
