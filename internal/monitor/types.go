package monitor

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a monitor record.
type Status string

// Monitor status values persisted in the store.
const (
	StatusActive  Status = "active"
	StatusStopped Status = "stopped"
)

// Session is the persisted record of one monitoring run for a flow.
type Session struct {
	ID          int64           `json:"id"`
	Flow        string          `json:"flow"`
	ApplicantID string          `json:"applicant_id"`
	RunID       string          `json:"run_id"`
	Status      Status          `json:"status"`
	Config      json.RawMessage `json:"config,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// BookingStatus is the lifecycle state of a booking request.
type BookingStatus string

// Booking status values persisted in the store.
const (
	BookingQueued     BookingStatus = "queued"
	BookingInProgress BookingStatus = "in_progress"
	BookingCompleted  BookingStatus = "completed"
	BookingFailed     BookingStatus = "failed"
)

// Booking is the persisted record of one booking attempt.
type Booking struct {
	ID          int64           `json:"id"`
	ApplicantID string          `json:"applicant_id"`
	RunID       string          `json:"run_id"`
	Status      BookingStatus   `json:"status"`
	FormData    json.RawMessage `json:"form_data,omitempty"`
	PDFURL      *string         `json:"pdf_url"`
	CreatedAt   time.Time       `json:"created_at"`
}

// TaskKind discriminates the work items carried by the dispatch queue.
type TaskKind string

// Task kinds understood by the worker.
const (
	TaskMonitor TaskKind = "monitor"
	TaskBooking TaskKind = "booking"
)

// Task is a unit of background work handed from the registry to a worker.
type Task struct {
	Kind        TaskKind        `json:"kind"`
	RunID       string          `json:"run_id"`
	Flow        string          `json:"flow,omitempty"`
	Config      json.RawMessage `json:"config,omitempty"`
	BookingID   int64           `json:"booking_id,omitempty"`
	ApplicantID string          `json:"applicant_id,omitempty"`
	FormData    json.RawMessage `json:"form_data,omitempty"`
	Submitted   time.Time       `json:"submitted_at"`
}
