package monitor

import (
	"errors"
	"strings"
	"time"
)

// EventKind names a status event.
type EventKind string

// Session engine events.
const (
	EventSlotCheck       EventKind = "slot_check"
	EventMonitorStarted  EventKind = "monitor_started"
	EventSlotsFound      EventKind = "slots_found"
	EventNoSlots         EventKind = "no_slots"
	EventCaptchaDetected EventKind = "captcha_detected"
	EventNoContent       EventKind = "no_content"
	EventError           EventKind = "error"
	EventMonitorFailed   EventKind = "monitor_failed"
	EventCriticalError   EventKind = "critical_error"
)

// Registry lifecycle events.
const (
	EventMonitorCreated EventKind = "monitor_created"
	EventMonitorStopped EventKind = "monitor_stopped"
	EventBookingStarted EventKind = "booking_started"
)

// Booking automation events.
const (
	EventBookingInProgress EventKind = "booking_in_progress"
	EventBookingCaptcha    EventKind = "booking_captcha"
	EventBookingCompleted  EventKind = "booking_completed"
	EventBookingFailed     EventKind = "booking_failed"
)

// Observer channel control events.
const (
	EventConnected EventKind = "connected"
	EventPong      EventKind = "pong"
)

// Event is a status message flowing from producers to observers.
type Event struct {
	Kind        EventKind `json:"event"`
	Timestamp   time.Time `json:"timestamp"`
	Message     string    `json:"message"`
	RunID       string    `json:"run_id,omitempty"`
	MonitorID   int64     `json:"monitor_id,omitempty"`
	BookingID   int64     `json:"booking_id,omitempty"`
	ApplicantID string    `json:"applicant_id,omitempty"`
	PDFURL      string    `json:"pdf_url,omitempty"`
}

// timestampLayouts are the wire forms accepted from producers, most precise
// first. Zone-less forms are read as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// ParseTimestamp reads a producer timestamp leniently. A bare clock time
// ("15:04:05") is placed on the received date. Anything unreadable, or empty,
// yields received.
func ParseTimestamp(raw string, received time.Time) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return received
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t
		}
	}
	if clock, err := time.Parse("15:04:05", raw); err == nil {
		day := received.UTC()
		return time.Date(day.Year(), day.Month(), day.Day(),
			clock.Hour(), clock.Minute(), clock.Second(), 0, time.UTC)
	}
	return received
}

// Validate reports whether the event carries the minimum fields.
func (e Event) Validate() error {
	if e.Kind == "" {
		return errors.New("event kind is required")
	}
	if e.Timestamp.IsZero() {
		return errors.New("event timestamp is required")
	}
	return nil
}

// Terminal reports whether the event ends a monitoring run.
func (e Event) Terminal() bool {
	switch e.Kind {
	case EventMonitorFailed, EventCriticalError, EventMonitorStopped:
		return true
	default:
		return false
	}
}

// BookingStatusFor maps a booking automation event to the status it implies.
func BookingStatusFor(kind EventKind) (BookingStatus, bool) {
	switch kind {
	case EventBookingInProgress, EventBookingCaptcha:
		return BookingInProgress, true
	case EventBookingCompleted:
		return BookingCompleted, true
	case EventBookingFailed:
		return BookingFailed, true
	default:
		return "", false
	}
}
