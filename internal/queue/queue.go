// Package queue carries tasks from the registry to workers, together with
// the cancellation signals that stop running monitors.
package queue

import (
	"context"
	"errors"

	"github.com/JakeFAU/slotwatch/internal/monitor"
)

// ErrClosed is returned by Dequeue once the queue has been shut down.
var ErrClosed = errors.New("queue closed")

// Queue is implemented by the memory and redis transports.
type Queue interface {
	Enqueue(ctx context.Context, task monitor.Task) error
	// Dequeue blocks until a task is available or ctx ends.
	Dequeue(ctx context.Context) (monitor.Task, error)
	// Cancel records runID as cancelled and notifies subscribers.
	Cancel(ctx context.Context, runID string) error
	// Cancelled reports whether runID was cancelled, so workers can skip
	// tasks that were stopped before they started.
	Cancelled(ctx context.Context, runID string) (bool, error)
	// Subscribe streams cancelled run IDs until ctx ends.
	Subscribe(ctx context.Context) (<-chan string, error)
	Close() error
}
