package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/slotwatch/internal/monitor"
)

// StoreSink appends every event to the event history table. The per-cycle
// slot_check heartbeat is skipped unless KeepHeartbeats is set.
type StoreSink struct {
	repo           monitor.EventStore
	keepHeartbeats bool
	logger         *zap.Logger
}

// NewStoreSink constructs a StoreSink for repo.
func NewStoreSink(repo monitor.EventStore, keepHeartbeats bool, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, keepHeartbeats: keepHeartbeats, logger: logger}
}

// Consume writes the batch in one call.
func (s *StoreSink) Consume(ctx context.Context, batch []monitor.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	rows := batch
	if !s.keepHeartbeats {
		rows = make([]monitor.Event, 0, len(batch))
		for _, evt := range batch {
			if evt.Kind != monitor.EventSlotCheck {
				rows = append(rows, evt)
			}
		}
	}
	if len(rows) == 0 {
		return nil
	}
	if err := s.repo.AppendEvents(ctx, rows); err != nil {
		return fmt.Errorf("append events: %w", err)
	}
	s.logger.Debug("events persisted", zap.Int("count", len(rows)))
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
