package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/slotwatch/internal/monitor"
)

// Store is an in-memory monitor.Store and monitor.EventStore. A single mutex
// guards every table so ActivateMonitor is atomic with respect to readers.
type Store struct {
	mu       sync.RWMutex
	now      func() time.Time
	monitors map[int64]monitor.Session
	bookings map[int64]monitor.Booking
	events   []monitor.Event
	nextMon  int64
	nextBook int64
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		now:      func() time.Time { return time.Now().UTC() },
		monitors: make(map[int64]monitor.Session),
		bookings: make(map[int64]monitor.Booking),
	}
}

// ActivateMonitor demotes every active record of the flow and inserts s.
func (s *Store) ActivateMonitor(_ context.Context, rec monitor.Session) (monitor.Session, []monitor.Session, error) {
	if rec.Flow == "" {
		return monitor.Session{}, nil, fmt.Errorf("flow is required: %w", monitor.ErrInvalid)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var demoted []monitor.Session
	for id, existing := range s.monitors {
		if existing.Flow == rec.Flow && existing.Status == monitor.StatusActive {
			existing.Status = monitor.StatusStopped
			s.monitors[id] = existing
			demoted = append(demoted, cloneSession(existing))
		}
	}
	sort.Slice(demoted, func(i, j int) bool { return demoted[i].ID < demoted[j].ID })

	s.nextMon++
	rec.ID = s.nextMon
	rec.Status = monitor.StatusActive
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	rec = cloneSession(rec)
	s.monitors[rec.ID] = rec
	return cloneSession(rec), demoted, nil
}

// GetMonitor returns the record with id or monitor.ErrNotFound.
func (s *Store) GetMonitor(_ context.Context, id int64) (monitor.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.monitors[id]
	if !ok {
		return monitor.Session{}, fmt.Errorf("monitor %d: %w", id, monitor.ErrNotFound)
	}
	return cloneSession(rec), nil
}

// SetMonitorStatus updates the status of an existing record.
func (s *Store) SetMonitorStatus(_ context.Context, id int64, status monitor.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.monitors[id]
	if !ok {
		return fmt.Errorf("monitor %d: %w", id, monitor.ErrNotFound)
	}
	rec.Status = status
	s.monitors[id] = rec
	return nil
}

// FindMonitors returns matching records newest first.
func (s *Store) FindMonitors(_ context.Context, flow string, status monitor.Status) ([]monitor.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]monitor.Session, 0, len(s.monitors))
	for _, rec := range s.monitors {
		if flow != "" && rec.Flow != flow {
			continue
		}
		if status != "" && rec.Status != status {
			continue
		}
		out = append(out, cloneSession(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

// CreateBooking inserts b and assigns its ID.
func (s *Store) CreateBooking(_ context.Context, b monitor.Booking) (monitor.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextBook++
	b.ID = s.nextBook
	if b.Status == "" {
		b.Status = monitor.BookingQueued
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = s.now()
	}
	b = cloneBooking(b)
	s.bookings[b.ID] = b
	return cloneBooking(b), nil
}

// GetBooking returns the booking with id or monitor.ErrNotFound.
func (s *Store) GetBooking(_ context.Context, id int64) (monitor.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bookings[id]
	if !ok {
		return monitor.Booking{}, fmt.Errorf("booking %d: %w", id, monitor.ErrNotFound)
	}
	return cloneBooking(b), nil
}

// UpdateBooking sets the status and, when non-nil, the confirmation URL.
func (s *Store) UpdateBooking(_ context.Context, id int64, status monitor.BookingStatus, pdfURL *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[id]
	if !ok {
		return fmt.Errorf("booking %d: %w", id, monitor.ErrNotFound)
	}
	b.Status = status
	if pdfURL != nil {
		u := *pdfURL
		b.PDFURL = &u
	}
	s.bookings[id] = b
	return nil
}

// ListBookings returns every booking newest first.
func (s *Store) ListBookings(_ context.Context) ([]monitor.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]monitor.Booking, 0, len(s.bookings))
	for _, b := range s.bookings {
		out = append(out, cloneBooking(b))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

// AppendEvents records events in arrival order.
func (s *Store) AppendEvents(_ context.Context, events []monitor.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
	return nil
}

// Events returns the recorded history for runID, or all events when runID
// is empty.
func (s *Store) Events(runID string) []monitor.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]monitor.Event, 0, len(s.events))
	for _, evt := range s.events {
		if runID == "" || evt.RunID == runID {
			out = append(out, evt)
		}
	}
	return out
}

func cloneSession(s monitor.Session) monitor.Session {
	if s.Config != nil {
		s.Config = append([]byte(nil), s.Config...)
	}
	return s
}

func cloneBooking(b monitor.Booking) monitor.Booking {
	if b.FormData != nil {
		b.FormData = append([]byte(nil), b.FormData...)
	}
	if b.PDFURL != nil {
		u := *b.PDFURL
		b.PDFURL = &u
	}
	return b
}
