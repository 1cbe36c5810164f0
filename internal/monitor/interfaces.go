package monitor

import (
	"context"
	"time"
)

// Page is a single browser tab the session engine drives.
type Page interface {
	Navigate(ctx context.Context, url string, timeout time.Duration) error
	// WaitForLoad blocks until network activity settles or the timeout passes.
	WaitForLoad(ctx context.Context, timeout time.Duration) error
	// FindVisible reports whether locator becomes visible within timeout.
	FindVisible(ctx context.Context, locator string, timeout time.Duration) (bool, error)
	// ExtractMarkup returns the inner markup of locator, or ErrElementNotFound.
	ExtractMarkup(ctx context.Context, locator string, timeout time.Duration) (string, error)
	Close() error
}

// InteractivePage adds the interactions booking automation needs.
type InteractivePage interface {
	Page
	Click(ctx context.Context, locator string, timeout time.Duration) error
	Fill(ctx context.Context, locator, value string, timeout time.Duration) error
	Location(ctx context.Context) (string, error)
	PrintPDF(ctx context.Context) ([]byte, error)
}

// Browser opens pages.
type Browser interface {
	NewPage(ctx context.Context) (Page, error)
}

// Notifier delivers an event towards the distribution bus.
type Notifier interface {
	Notify(ctx context.Context, evt Event) error
}

// MonitorStore persists monitor sessions.
type MonitorStore interface {
	// ActivateMonitor stops every active record of s.Flow and inserts s as the
	// only active record, atomically. It returns the inserted record and the
	// records it demoted.
	ActivateMonitor(ctx context.Context, s Session) (Session, []Session, error)
	GetMonitor(ctx context.Context, id int64) (Session, error)
	SetMonitorStatus(ctx context.Context, id int64, status Status) error
	// FindMonitors filters by flow and status; empty values match everything.
	// Results are newest first.
	FindMonitors(ctx context.Context, flow string, status Status) ([]Session, error)
}

// BookingStore persists booking requests.
type BookingStore interface {
	CreateBooking(ctx context.Context, b Booking) (Booking, error)
	GetBooking(ctx context.Context, id int64) (Booking, error)
	UpdateBooking(ctx context.Context, id int64, status BookingStatus, pdfURL *string) error
	ListBookings(ctx context.Context) ([]Booking, error)
}

// EventStore appends delivered events to the run history.
type EventStore interface {
	AppendEvents(ctx context.Context, events []Event) error
}

// Store is the full persistence surface used by the registry.
type Store interface {
	MonitorStore
	BookingStore
}

// Dispatcher hands background work to workers.
type Dispatcher interface {
	DispatchMonitor(ctx context.Context, s Session) error
	DispatchBooking(ctx context.Context, b Booking) error
	CancelMonitor(ctx context.Context, runID string) error
}

// BlobStore writes artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time and sleeps cooperatively.
type Clock interface {
	Now() time.Time
	// Sleep returns early with ctx.Err() when ctx is done.
	Sleep(ctx context.Context, d time.Duration) error
}

// IDGenerator produces run and applicant identifiers.
type IDGenerator interface {
	NewRunID() (string, error)
	NewApplicantID() (string, error)
}
