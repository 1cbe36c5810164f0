package sinks

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/slotwatch/internal/monitor"
)

// EventPublisher exports a single event to a message broker.
type EventPublisher interface {
	PublishEvent(ctx context.Context, evt monitor.Event) (string, error)
}

// PubSubSink forwards selected events to a broker topic.
type PubSubSink struct {
	pub   EventPublisher
	kinds map[monitor.EventKind]struct{}
	close func() error
}

// NewPubSubSink publishes events whose kind is listed, or all events when
// kinds is empty. closeFn, if set, runs on Close.
func NewPubSubSink(pub EventPublisher, kinds []string, closeFn func() error) *PubSubSink {
	s := &PubSubSink{pub: pub, close: closeFn}
	if len(kinds) > 0 {
		s.kinds = make(map[monitor.EventKind]struct{}, len(kinds))
		for _, k := range kinds {
			s.kinds[monitor.EventKind(k)] = struct{}{}
		}
	}
	return s
}

// Consume publishes each selected event; failures are joined and returned
// after the whole batch was attempted.
func (s *PubSubSink) Consume(ctx context.Context, batch []monitor.Event) error {
	var errs []error
	for _, evt := range batch {
		if s.kinds != nil {
			if _, ok := s.kinds[evt.Kind]; !ok {
				continue
			}
		}
		if _, err := s.pub.PublishEvent(ctx, evt); err != nil {
			errs = append(errs, fmt.Errorf("publish %s: %w", evt.Kind, err))
		}
	}
	return errors.Join(errs...)
}

// Close releases the publisher.
func (s *PubSubSink) Close(context.Context) error {
	if s.close == nil {
		return nil
	}
	return s.close()
}
