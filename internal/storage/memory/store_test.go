package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/slotwatch/internal/monitor"
)

func TestActivateMonitorDemotesSameFlow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewStore()

	first, demoted, err := s.ActivateMonitor(ctx, monitor.Session{Flow: "schengen", RunID: "run_a"})
	require.NoError(t, err)
	require.Empty(t, demoted)
	require.Equal(t, int64(1), first.ID)
	require.Equal(t, monitor.StatusActive, first.Status)
	require.False(t, first.CreatedAt.IsZero())

	other, _, err := s.ActivateMonitor(ctx, monitor.Session{Flow: "uk", RunID: "run_b"})
	require.NoError(t, err)

	second, demoted, err := s.ActivateMonitor(ctx, monitor.Session{Flow: "schengen", RunID: "run_c"})
	require.NoError(t, err)
	require.Len(t, demoted, 1)
	require.Equal(t, first.ID, demoted[0].ID)
	require.Equal(t, monitor.StatusStopped, demoted[0].Status)

	active, err := s.FindMonitors(ctx, "schengen", monitor.StatusActive)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, second.ID, active[0].ID)

	got, err := s.GetMonitor(ctx, other.ID)
	require.NoError(t, err)
	require.Equal(t, monitor.StatusActive, got.Status)

	all, err := s.FindMonitors(ctx, "", "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, []int64{3, 2, 1}, []int64{all[0].ID, all[1].ID, all[2].ID})
}

func TestActivateMonitorRequiresFlow(t *testing.T) {
	t.Parallel()
	_, _, err := NewStore().ActivateMonitor(context.Background(), monitor.Session{})
	require.ErrorIs(t, err, monitor.ErrInvalid)
}

func TestAtMostOneActivePerFlowUnderContention(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewStore()

	var wg sync.WaitGroup
	stop := make(chan struct{})
	violations := make(chan int, 1)
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			active, _ := s.FindMonitors(ctx, "schengen", monitor.StatusActive)
			if len(active) > 1 {
				select {
				case violations <- len(active):
				default:
				}
			}
		}
	}()

	for i := range 50 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, _, err := s.ActivateMonitor(ctx, monitor.Session{Flow: "schengen", RunID: fmt.Sprintf("run_%d", i)}); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()
	close(stop)

	select {
	case n := <-violations:
		t.Fatalf("observed %d active records for one flow", n)
	default:
	}
	active, err := s.FindMonitors(ctx, "schengen", monitor.StatusActive)
	require.NoError(t, err)
	require.Len(t, active, 1)
	all, err := s.FindMonitors(ctx, "schengen", "")
	require.NoError(t, err)
	require.Len(t, all, 50)
}

func TestMonitorNotFound(t *testing.T) {
	t.Parallel()
	s := NewStore()
	_, err := s.GetMonitor(context.Background(), 42)
	require.True(t, errors.Is(err, monitor.ErrNotFound))
	require.ErrorIs(t, s.SetMonitorStatus(context.Background(), 42, monitor.StatusStopped), monitor.ErrNotFound)
}

func TestStoreCopiesConfig(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewStore()
	cfg := json.RawMessage(`{"a":1}`)
	rec, _, err := s.ActivateMonitor(ctx, monitor.Session{Flow: "f", Config: cfg})
	require.NoError(t, err)
	cfg[2] = 'b'
	got, err := s.GetMonitor(ctx, rec.ID)
	require.NoError(t, err)
	require.JSONEq(t, `{"a":1}`, string(got.Config))
}

func TestBookingLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewStore()

	b, err := s.CreateBooking(ctx, monitor.Booking{ApplicantID: "user_1", RunID: "run_a"})
	require.NoError(t, err)
	require.Equal(t, monitor.BookingQueued, b.Status)
	require.Nil(t, b.PDFURL)

	require.NoError(t, s.UpdateBooking(ctx, b.ID, monitor.BookingInProgress, nil))
	url := "https://example.com/c.pdf"
	require.NoError(t, s.UpdateBooking(ctx, b.ID, monitor.BookingCompleted, &url))

	got, err := s.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, monitor.BookingCompleted, got.Status)
	require.NotNil(t, got.PDFURL)
	require.Equal(t, url, *got.PDFURL)

	_, err = s.CreateBooking(ctx, monitor.Booking{ApplicantID: "user_2"})
	require.NoError(t, err)
	list, err := s.ListBookings(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, int64(2), list[0].ID)

	require.ErrorIs(t, s.UpdateBooking(ctx, 99, monitor.BookingFailed, nil), monitor.ErrNotFound)
	_, err = s.GetBooking(ctx, 99)
	require.ErrorIs(t, err, monitor.ErrNotFound)
}

func TestAppendEvents(t *testing.T) {
	t.Parallel()
	s := NewStore()
	require.NoError(t, s.AppendEvents(context.Background(), []monitor.Event{
		{Kind: monitor.EventMonitorStarted, RunID: "run_a"},
		{Kind: monitor.EventNoSlots, RunID: "run_b"},
		{Kind: monitor.EventSlotsFound, RunID: "run_a"},
	}))
	require.Len(t, s.Events(""), 3)
	got := s.Events("run_a")
	require.Len(t, got, 2)
	require.Equal(t, monitor.EventSlotsFound, got[1].Kind)
}
