// Package memory provides an in-process queue for single-binary deployments
// and tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/slotwatch/internal/monitor"
	"github.com/JakeFAU/slotwatch/internal/queue"
)

const subscriberBuffer = 16

// Queue is a bounded channel of tasks plus a fan-out of cancellations.
type Queue struct {
	ch     chan monitor.Task
	done   chan struct{}
	mu     sync.Mutex
	closed bool
	subs   map[chan string]struct{}
	gone   map[string]struct{}
}

// NewQueue constructs a queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	return &Queue{
		ch:   make(chan monitor.Task, capacity),
		done: make(chan struct{}),
		subs: make(map[chan string]struct{}),
		gone: make(map[string]struct{}),
	}
}

// Enqueue pushes a task or returns when ctx ends.
func (q *Queue) Enqueue(ctx context.Context, task monitor.Task) error {
	select {
	case <-q.done:
		return queue.ErrClosed
	default:
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-q.done:
		return queue.ErrClosed
	case q.ch <- task:
		return nil
	}
}

// Dequeue pops the next task.
func (q *Queue) Dequeue(ctx context.Context) (monitor.Task, error) {
	select {
	case <-ctx.Done():
		return monitor.Task{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case <-q.done:
		return monitor.Task{}, queue.ErrClosed
	case task := <-q.ch:
		return task, nil
	}
}

// Cancel marks runID and wakes every subscriber. Slow subscribers block the
// caller until ctx ends.
func (q *Queue) Cancel(ctx context.Context, runID string) error {
	q.mu.Lock()
	q.gone[runID] = struct{}{}
	subs := make([]chan string, 0, len(q.subs))
	for ch := range q.subs {
		subs = append(subs, ch)
	}
	q.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- runID:
		case <-ctx.Done():
			return fmt.Errorf("publish cancel: %w", ctx.Err())
		case <-q.done:
			return queue.ErrClosed
		}
	}
	return nil
}

// Cancelled reports whether Cancel was called for runID.
func (q *Queue) Cancelled(_ context.Context, runID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.gone[runID]
	return ok, nil
}

// Subscribe returns a channel of cancelled run IDs. It is closed when ctx
// ends or the queue closes.
func (q *Queue) Subscribe(ctx context.Context) (<-chan string, error) {
	ch := make(chan string, subscriberBuffer)
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, queue.ErrClosed
	}
	q.subs[ch] = struct{}{}
	q.mu.Unlock()

	out := make(chan string)
	go func() {
		defer close(out)
		defer func() {
			q.mu.Lock()
			delete(q.subs, ch)
			q.mu.Unlock()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case <-q.done:
				return
			case id := <-ch:
				select {
				case out <- id:
				case <-ctx.Done():
					return
				case <-q.done:
					return
				}
			}
		}
	}()
	return out, nil
}

// Close shuts the queue down. Safe to call repeatedly.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.done)
	return nil
}
