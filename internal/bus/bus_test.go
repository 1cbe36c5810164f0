package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/JakeFAU/slotwatch/internal/monitor"
)

type recordingObserver struct {
	mu       sync.Mutex
	got      []monitor.Event
	attempts atomic.Int32
	fail     atomic.Bool
	closed   atomic.Bool
}

func (o *recordingObserver) Send(_ context.Context, evt monitor.Event) error {
	o.attempts.Add(1)
	if o.fail.Load() {
		return errors.New("connection reset")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.got = append(o.got, evt)
	return nil
}

func (o *recordingObserver) Close() error {
	o.closed.Store(true)
	return nil
}

func (o *recordingObserver) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.got)
}

type tapRecorder struct {
	mu     sync.Mutex
	events []monitor.Event
}

func (t *tapRecorder) Emit(evt monitor.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, evt)
}

func sample(kind monitor.EventKind) monitor.Event {
	return monitor.Event{Kind: kind, Timestamp: time.Now(), Message: "m"}
}

func TestDeliverEvictsFailedObservers(t *testing.T) {
	t.Parallel()

	b := New()
	a, c, failing := &recordingObserver{}, &recordingObserver{}, &recordingObserver{}
	failing.fail.Store(true)
	b.Register(a)
	b.Register(c)
	b.Register(failing)
	require.Equal(t, 3, b.Len())

	attempts := func() int32 { return a.attempts.Load() + c.attempts.Load() + failing.attempts.Load() }

	require.Equal(t, 2, b.Deliver(context.Background(), sample(monitor.EventNoSlots)))
	require.Equal(t, int32(3), attempts())
	require.Equal(t, 2, b.Len())
	require.True(t, failing.closed.Load())

	require.Equal(t, 2, b.Deliver(context.Background(), sample(monitor.EventSlotsFound)))
	require.Equal(t, int32(5), attempts())
	require.Equal(t, int32(1), failing.attempts.Load())
	require.Equal(t, 2, a.count())
	require.Equal(t, 2, c.count())
	require.Zero(t, failing.count())
}

func TestDeliverWithNoObservers(t *testing.T) {
	t.Parallel()

	tap := &tapRecorder{}
	b := New(WithTap(tap))
	require.Zero(t, b.Deliver(context.Background(), sample(monitor.EventMonitorCreated)))
	require.Len(t, tap.events, 1)
}

func TestRegisterIsIdempotent(t *testing.T) {
	t.Parallel()

	b := New()
	o := &recordingObserver{}
	b.Register(o)
	b.Register(o)
	require.Equal(t, 1, b.Len())
	require.Equal(t, 1, b.Deliver(context.Background(), sample(monitor.EventNoSlots)))

	b.Unregister(o)
	b.Unregister(o)
	require.Zero(t, b.Len())
}

func TestNotifyDelivers(t *testing.T) {
	t.Parallel()

	b := New()
	o := &recordingObserver{}
	b.Register(o)
	require.NoError(t, b.Notify(context.Background(), sample(monitor.EventNoSlots)))
	require.Equal(t, 1, o.count())
}

// TestConcurrentMembershipAndDelivery exercises the bus under the race detector.
func TestConcurrentMembershipAndDelivery(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := New()
	stable := &recordingObserver{}
	b.Register(stable)

	const workers = 8
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := range 50 {
				o := &recordingObserver{}
				if (i+j)%3 == 0 {
					o.fail.Store(true)
				}
				b.Register(o)
				if j%2 == 0 {
					b.Unregister(o)
				}
			}
		}()
		go func() {
			defer wg.Done()
			for j := range 50 {
				b.Deliver(context.Background(), sample(monitor.EventKind(fmt.Sprintf("e%d", j))))
			}
		}()
	}
	wg.Wait()

	require.Equal(t, workers*50, stable.count())
	b.Deliver(context.Background(), sample(monitor.EventNoSlots))
	b.mu.Lock()
	defer b.mu.Unlock()
	for o := range b.observers {
		require.False(t, o.(*recordingObserver).fail.Load(), "failing observer survived a delivery")
	}
}
