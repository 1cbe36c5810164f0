// Package bus fans status events out to live observers.
//
// Membership is a set keyed by observer identity. Delivery takes a snapshot of
// the set under the lock and sends outside it, so a slow or failing observer
// never holds up registration. Observers whose send fails are evicted; there
// is no retry and no replay.
package bus

import (
	"context"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/slotwatch/internal/monitor"
	"github.com/JakeFAU/slotwatch/internal/progress"
)

// Observer receives events. Send must not block for long; a non-nil error
// evicts the observer. Implementations must be comparable (pointer types).
type Observer interface {
	Send(ctx context.Context, evt monitor.Event) error
}

// Bus is safe for concurrent use.
type Bus struct {
	mu        sync.Mutex
	observers map[Observer]struct{}
	tap       progress.Emitter
	logger    *zap.Logger
}

// Option customises a Bus.
type Option func(*Bus)

// WithTap copies every delivered event into e, typically the progress hub.
func WithTap(e progress.Emitter) Option {
	return func(b *Bus) { b.tap = e }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// New returns an empty Bus.
func New(opts ...Option) *Bus {
	b := &Bus{observers: make(map[Observer]struct{}), logger: zap.NewNop()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Register adds o. Registering the same observer twice is a no-op.
func (b *Bus) Register(o Observer) {
	b.mu.Lock()
	b.observers[o] = struct{}{}
	n := len(b.observers)
	b.mu.Unlock()
	b.logger.Debug("observer registered", zap.Int("observers", n))
}

// Unregister removes o if present.
func (b *Bus) Unregister(o Observer) {
	b.mu.Lock()
	_, ok := b.observers[o]
	delete(b.observers, o)
	n := len(b.observers)
	b.mu.Unlock()
	if ok {
		b.logger.Debug("observer unregistered", zap.Int("observers", n))
	}
}

// Len returns the number of registered observers.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.observers)
}

// Deliver sends evt to every registered observer and returns how many
// accepted it. Failed observers are removed and closed if they implement
// io.Closer.
func (b *Bus) Deliver(ctx context.Context, evt monitor.Event) int {
	if b.tap != nil {
		b.tap.Emit(evt)
	}

	b.mu.Lock()
	snapshot := make([]Observer, 0, len(b.observers))
	for o := range b.observers {
		snapshot = append(snapshot, o)
	}
	b.mu.Unlock()

	delivered := 0
	var failed []Observer
	for _, o := range snapshot {
		if err := o.Send(ctx, evt); err != nil {
			b.logger.Debug("observer send failed", zap.String("event", string(evt.Kind)), zap.Error(err))
			failed = append(failed, o)
			continue
		}
		delivered++
	}
	if len(failed) == 0 {
		return delivered
	}

	b.mu.Lock()
	for _, o := range failed {
		delete(b.observers, o)
	}
	remaining := len(b.observers)
	b.mu.Unlock()

	for _, o := range failed {
		if c, ok := o.(io.Closer); ok {
			_ = c.Close()
		}
	}
	b.logger.Info("evicted failed observers", zap.Int("evicted", len(failed)), zap.Int("observers", remaining))
	return delivered
}

// Notify implements monitor.Notifier for in-process producers.
func (b *Bus) Notify(ctx context.Context, evt monitor.Event) error {
	b.Deliver(ctx, evt)
	return nil
}
