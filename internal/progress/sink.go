package progress

import (
	"context"

	"github.com/JakeFAU/slotwatch/internal/monitor"
)

// Sink consumes batches of events. Consume is called from the hub goroutine
// only, with a per-call deadline.
type Sink interface {
	Consume(ctx context.Context, batch []monitor.Event) error
	Close(ctx context.Context) error
}

// Emitter accepts individual events without blocking.
type Emitter interface {
	Emit(evt monitor.Event)
}
