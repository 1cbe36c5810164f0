// Package redis implements the task queue on Redis: a list for tasks, a
// pub/sub channel for cancellations and expiring keys as cancel tombstones.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/slotwatch/internal/monitor"
	"github.com/JakeFAU/slotwatch/internal/queue"
)

// Config names the Redis keys used by the queue.
type Config struct {
	Prefix       string
	PollTimeout  time.Duration
	TombstoneTTL time.Duration
}

const (
	defaultPrefix       = "slotwatch"
	defaultPollTimeout  = time.Second
	defaultTombstoneTTL = 24 * time.Hour
)

// Queue is a queue.Queue backed by Redis.
type Queue struct {
	client  *redis.Client
	tasks   string
	cancels string
	prefix  string
	cfg     Config
	closed  atomic.Bool
	logger  *zap.Logger
}

// Connect parses url, pings the server and returns a Queue.
func Connect(ctx context.Context, url string, cfg Config, logger *zap.Logger) (*Queue, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return New(client, cfg, logger), nil
}

// New wraps an existing client.
func New(client *redis.Client, cfg Config, logger *zap.Logger) *Queue {
	if cfg.Prefix == "" {
		cfg.Prefix = defaultPrefix
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	if cfg.TombstoneTTL <= 0 {
		cfg.TombstoneTTL = defaultTombstoneTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		client:  client,
		tasks:   cfg.Prefix + ":tasks",
		cancels: cfg.Prefix + ":cancel",
		prefix:  cfg.Prefix,
		cfg:     cfg,
		logger:  logger,
	}
}

// Ping checks that the server answers.
func (q *Queue) Ping(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

func (q *Queue) tombstone(runID string) string {
	return q.prefix + ":cancelled:" + runID
}

// Enqueue pushes task onto the list.
func (q *Queue) Enqueue(ctx context.Context, task monitor.Task) error {
	if q.closed.Load() {
		return queue.ErrClosed
	}
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if err := q.client.LPush(ctx, q.tasks, data).Err(); err != nil {
		return fmt.Errorf("enqueue task: %w", err)
	}
	return nil
}

// Dequeue blocks on the list in PollTimeout slices so ctx is observed
// promptly. Undecodable entries are dropped with a warning.
func (q *Queue) Dequeue(ctx context.Context) (monitor.Task, error) {
	for {
		if q.closed.Load() {
			return monitor.Task{}, queue.ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return monitor.Task{}, fmt.Errorf("dequeue canceled: %w", err)
		}
		res, err := q.client.BRPop(ctx, q.cfg.PollTimeout, q.tasks).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return monitor.Task{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
			}
			return monitor.Task{}, fmt.Errorf("dequeue task: %w", err)
		}
		// BRPOP replies with [key, value].
		var task monitor.Task
		if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
			q.logger.Warn("dropping undecodable task", zap.Error(err))
			continue
		}
		return task, nil
	}
}

// Cancel writes a tombstone and publishes runID.
func (q *Queue) Cancel(ctx context.Context, runID string) error {
	if err := q.client.Set(ctx, q.tombstone(runID), "1", q.cfg.TombstoneTTL).Err(); err != nil {
		return fmt.Errorf("write cancel tombstone: %w", err)
	}
	if err := q.client.Publish(ctx, q.cancels, runID).Err(); err != nil {
		return fmt.Errorf("publish cancel: %w", err)
	}
	return nil
}

// Cancelled checks for a tombstone.
func (q *Queue) Cancelled(ctx context.Context, runID string) (bool, error) {
	n, err := q.client.Exists(ctx, q.tombstone(runID)).Result()
	if err != nil {
		return false, fmt.Errorf("check cancel tombstone: %w", err)
	}
	return n > 0, nil
}

// Subscribe listens on the cancel channel until ctx ends.
func (q *Queue) Subscribe(ctx context.Context) (<-chan string, error) {
	sub := q.client.Subscribe(ctx, q.cancels)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe cancels: %w", err)
	}
	out := make(chan string)
	go func() {
		defer close(out)
		defer func() { _ = sub.Close() }()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close releases the client.
func (q *Queue) Close() error {
	if !q.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := q.client.Close(); err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	return nil
}
