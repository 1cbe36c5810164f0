package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/slotwatch/internal/monitor"
)

// LogSink writes one structured line per event. It is the per-run action log.
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
func (s *LogSink) Consume(_ context.Context, batch []monitor.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("event", string(evt.Kind)),
			zap.Time("at", evt.Timestamp),
			zap.String("message", evt.Message),
		}
		if evt.RunID != "" {
			fields = append(fields, zap.String("run_id", evt.RunID))
		}
		if evt.MonitorID != 0 {
			fields = append(fields, zap.Int64("monitor_id", evt.MonitorID))
		}
		if evt.BookingID != 0 {
			fields = append(fields, zap.Int64("booking_id", evt.BookingID))
		}
		s.logger.Info("monitor event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
