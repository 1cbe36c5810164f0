// Package dispatcher turns registry decisions into queue tasks.
package dispatcher

import (
	"context"
	"fmt"

	"github.com/JakeFAU/slotwatch/internal/monitor"
	"github.com/JakeFAU/slotwatch/internal/queue"
)

// Dispatcher implements monitor.Dispatcher over a queue.
type Dispatcher struct {
	queue queue.Queue
	clock monitor.Clock
}

// New creates a Dispatcher.
func New(q queue.Queue, clock monitor.Clock) *Dispatcher {
	return &Dispatcher{queue: q, clock: clock}
}

// DispatchMonitor enqueues a monitoring task for s.
func (d *Dispatcher) DispatchMonitor(ctx context.Context, s monitor.Session) error {
	task := monitor.Task{
		Kind:        monitor.TaskMonitor,
		RunID:       s.RunID,
		Flow:        s.Flow,
		Config:      s.Config,
		ApplicantID: s.ApplicantID,
		Submitted:   d.clock.Now(),
	}
	if err := d.queue.Enqueue(ctx, task); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

// DispatchBooking enqueues a booking task for b.
func (d *Dispatcher) DispatchBooking(ctx context.Context, b monitor.Booking) error {
	task := monitor.Task{
		Kind:        monitor.TaskBooking,
		RunID:       b.RunID,
		BookingID:   b.ID,
		ApplicantID: b.ApplicantID,
		FormData:    b.FormData,
		Submitted:   d.clock.Now(),
	}
	if err := d.queue.Enqueue(ctx, task); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

// CancelMonitor signals workers to stop runID.
func (d *Dispatcher) CancelMonitor(ctx context.Context, runID string) error {
	if err := d.queue.Cancel(ctx, runID); err != nil {
		return fmt.Errorf("queue cancel: %w", err)
	}
	return nil
}
