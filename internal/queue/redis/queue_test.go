package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/slotwatch/internal/monitor"
	"github.com/JakeFAU/slotwatch/internal/queue"
)

func setupQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := New(client, Config{Prefix: "test", PollTimeout: time.Second}, nil)
	t.Cleanup(func() { _ = q.Close() })
	return q, mr
}

func TestQueueRoundTrip(t *testing.T) {
	q, mr := setupQueue(t)
	ctx := context.Background()

	first := monitor.Task{Kind: monitor.TaskMonitor, RunID: "run_1", Flow: "visa", Config: json.RawMessage(`{"target_url":"https://a.test"}`)}
	second := monitor.Task{Kind: monitor.TaskBooking, RunID: "run_1", BookingID: 9, ApplicantID: "user_1"}
	require.NoError(t, q.Enqueue(ctx, first))
	require.NoError(t, q.Enqueue(ctx, second))

	items, err := mr.List("test:tasks")
	require.NoError(t, err)
	require.Len(t, items, 2)

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "run_1", got.RunID)
	require.Equal(t, monitor.TaskMonitor, got.Kind)
	require.JSONEq(t, `{"target_url":"https://a.test"}`, string(got.Config))

	got, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(9), got.BookingID)
}

func TestQueueDequeueHonoursContext(t *testing.T) {
	q, _ := setupQueue(t)
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueueSkipsGarbage(t *testing.T) {
	q, mr := setupQueue(t)
	_, err := mr.Lpush("test:tasks", "{not json")
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(context.Background(), monitor.Task{RunID: "run_ok"}))

	// The garbage entry is older, so it is popped first.
	got, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, "run_ok", got.RunID)
}

func TestQueueCancel(t *testing.T) {
	q, mr := setupQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := q.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, q.Cancel(context.Background(), "run_a"))
	select {
	case id := <-ch:
		require.Equal(t, "run_a", id)
	case <-time.After(2 * time.Second):
		t.Fatal("cancel not received")
	}

	gone, err := q.Cancelled(context.Background(), "run_a")
	require.NoError(t, err)
	require.True(t, gone)
	require.True(t, mr.Exists("test:cancelled:run_a"))
	require.Positive(t, mr.TTL("test:cancelled:run_a"))

	gone, err = q.Cancelled(context.Background(), "run_b")
	require.NoError(t, err)
	require.False(t, gone)
}

func TestQueueClosed(t *testing.T) {
	q, _ := setupQueue(t)
	require.NoError(t, q.Close())
	require.NoError(t, q.Close())
	require.ErrorIs(t, q.Enqueue(context.Background(), monitor.Task{}), queue.ErrClosed)
	_, err := q.Dequeue(context.Background())
	require.ErrorIs(t, err, queue.ErrClosed)
}

var _ queue.Queue = (*Queue)(nil)

func TestQueuePing(t *testing.T) {
	q, mr := setupQueue(t)
	require.NoError(t, q.Ping(context.Background()))

	mr.SetError("LOADING server is loading")
	require.Error(t, q.Ping(context.Background()))
	mr.SetError("")
}
