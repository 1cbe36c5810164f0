// Package registry owns monitor and booking records. It guarantees that a
// flow has at most one active monitor: creating a monitor demotes the
// previous active record in the same transaction and cancels its run.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/slotwatch/internal/monitor"
)

const maxFlowLength = 128

// Observers reports how many live observers are attached to the bus.
type Observers interface {
	Len() int
}

// CreateMonitorRequest describes a new monitoring run.
type CreateMonitorRequest struct {
	Flow        string          `json:"flow"`
	ApplicantID string          `json:"applicant_id,omitempty"`
	Config      json.RawMessage `json:"config,omitempty"`
}

// CreateBookingRequest describes a booking attempt.
type CreateBookingRequest struct {
	ApplicantID string          `json:"applicant_id"`
	RunID       string          `json:"run_id,omitempty"`
	FormData    json.RawMessage `json:"form_data,omitempty"`
}

// StatusReport summarises the live state of the system.
type StatusReport struct {
	Active      *monitor.Session `json:"active"`
	ActiveCount int              `json:"active_count"`
	Connections int              `json:"connections"`
}

// Registry coordinates the store, the dispatcher and the event bus.
type Registry struct {
	store      monitor.Store
	dispatcher monitor.Dispatcher
	notifier   monitor.Notifier
	ids        monitor.IDGenerator
	clock      monitor.Clock
	observers  Observers
	logger     *zap.Logger
}

// Option customises a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithObservers reports the live observer count in Status.
func WithObservers(o Observers) Option {
	return func(r *Registry) { r.observers = o }
}

// New wires a Registry.
func New(
	store monitor.Store,
	dispatcher monitor.Dispatcher,
	notifier monitor.Notifier,
	ids monitor.IDGenerator,
	clock monitor.Clock,
	opts ...Option,
) *Registry {
	r := &Registry{
		store:      store,
		dispatcher: dispatcher,
		notifier:   notifier,
		ids:        ids,
		clock:      clock,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.Named("registry")
	return r
}

// CreateMonitor activates a new run for req.Flow, demoting and cancelling any
// run already active for that flow.
func (r *Registry) CreateMonitor(ctx context.Context, req CreateMonitorRequest) (monitor.Session, error) {
	flow := strings.TrimSpace(req.Flow)
	if err := validateFlow(flow); err != nil {
		return monitor.Session{}, err
	}
	cfg, err := normalizeObject("config", req.Config)
	if err != nil {
		return monitor.Session{}, err
	}
	runID, err := r.ids.NewRunID()
	if err != nil {
		return monitor.Session{}, fmt.Errorf("generate run id: %w", err)
	}
	applicantID := strings.TrimSpace(req.ApplicantID)
	if applicantID == "" {
		if applicantID, err = r.ids.NewApplicantID(); err != nil {
			return monitor.Session{}, fmt.Errorf("generate applicant id: %w", err)
		}
	}

	rec, demoted, err := r.store.ActivateMonitor(ctx, monitor.Session{
		Flow:        flow,
		ApplicantID: applicantID,
		RunID:       runID,
		Config:      cfg,
	})
	if err != nil {
		return monitor.Session{}, persistErr("activate monitor", err)
	}
	logger := r.logger.With(zap.String("flow", flow), zap.String("run_id", rec.RunID), zap.Int64("monitor_id", rec.ID))

	// Demoted runs keep running until the new one is safely queued.
	if err := r.dispatcher.DispatchMonitor(ctx, rec); err != nil {
		r.rollbackActivation(context.WithoutCancel(ctx), rec, demoted, logger)
		return monitor.Session{}, fmt.Errorf("dispatch monitor: %w: %w", monitor.ErrDispatch, err)
	}

	for _, old := range demoted {
		if err := r.dispatcher.CancelMonitor(ctx, old.RunID); err != nil {
			logger.Warn("cancel demoted run failed", zap.String("demoted_run_id", old.RunID), zap.Error(err))
		}
		r.emit(ctx, monitor.Event{
			Kind:      monitor.EventMonitorStopped,
			Message:   "Monitor replaced by a newer run",
			RunID:     old.RunID,
			MonitorID: old.ID,
		})
	}

	logger.Info("monitor created", zap.Int("demoted", len(demoted)))
	r.emit(ctx, monitor.Event{
		Kind:        monitor.EventMonitorCreated,
		Message:     "Monitor created for flow " + flow,
		RunID:       rec.RunID,
		MonitorID:   rec.ID,
		ApplicantID: rec.ApplicantID,
	})
	return rec, nil
}

// rollbackActivation stops an undispatched record and reinstates the runs it
// demoted, which were never cancelled.
func (r *Registry) rollbackActivation(ctx context.Context, rec monitor.Session, demoted []monitor.Session, logger *zap.Logger) {
	if err := r.store.SetMonitorStatus(ctx, rec.ID, monitor.StatusStopped); err != nil {
		logger.Error("stop undispatched monitor failed", zap.Error(err))
		return
	}
	for _, old := range demoted {
		if err := r.store.SetMonitorStatus(ctx, old.ID, monitor.StatusActive); err != nil {
			logger.Error("reinstate demoted monitor failed", zap.Int64("demoted_monitor_id", old.ID), zap.Error(err))
		}
	}
}

// StopMonitor marks the record stopped and cancels its run. Stopping an
// already stopped record returns it unchanged.
func (r *Registry) StopMonitor(ctx context.Context, id int64) (monitor.Session, error) {
	rec, err := r.store.GetMonitor(ctx, id)
	if err != nil {
		return monitor.Session{}, persistErr("get monitor", err)
	}
	if rec.Status == monitor.StatusStopped {
		return rec, nil
	}
	if err := r.store.SetMonitorStatus(ctx, id, monitor.StatusStopped); err != nil {
		return monitor.Session{}, persistErr("stop monitor", err)
	}
	rec.Status = monitor.StatusStopped

	logger := r.logger.With(zap.String("flow", rec.Flow), zap.String("run_id", rec.RunID), zap.Int64("monitor_id", rec.ID))
	if err := r.dispatcher.CancelMonitor(ctx, rec.RunID); err != nil {
		logger.Warn("cancel run failed", zap.Error(err))
	}
	logger.Info("monitor stopped")
	r.emit(ctx, monitor.Event{
		Kind:      monitor.EventMonitorStopped,
		Message:   "Monitor stopped",
		RunID:     rec.RunID,
		MonitorID: rec.ID,
	})
	return rec, nil
}

// StopAll stops every active monitor and returns how many were stopped.
func (r *Registry) StopAll(ctx context.Context) (int, error) {
	active, err := r.store.FindMonitors(ctx, "", monitor.StatusActive)
	if err != nil {
		return 0, persistErr("find active monitors", err)
	}
	stopped := 0
	var errs []error
	for _, rec := range active {
		if _, err := r.StopMonitor(ctx, rec.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		stopped++
	}
	return stopped, errors.Join(errs...)
}

// ListMonitors returns every record, newest first.
func (r *Registry) ListMonitors(ctx context.Context) ([]monitor.Session, error) {
	out, err := r.store.FindMonitors(ctx, "", "")
	if err != nil {
		return nil, persistErr("list monitors", err)
	}
	return out, nil
}

// GetMonitor returns one record.
func (r *Registry) GetMonitor(ctx context.Context, id int64) (monitor.Session, error) {
	rec, err := r.store.GetMonitor(ctx, id)
	if err != nil {
		return monitor.Session{}, persistErr("get monitor", err)
	}
	return rec, nil
}

// Status reports the newest active monitor and the live observer count.
func (r *Registry) Status(ctx context.Context) (StatusReport, error) {
	active, err := r.store.FindMonitors(ctx, "", monitor.StatusActive)
	if err != nil {
		return StatusReport{}, persistErr("find active monitors", err)
	}
	report := StatusReport{ActiveCount: len(active)}
	if len(active) > 0 {
		report.Active = &active[0]
	}
	if r.observers != nil {
		report.Connections = r.observers.Len()
	}
	return report, nil
}

// CreateBooking persists a queued booking and dispatches it.
func (r *Registry) CreateBooking(ctx context.Context, req CreateBookingRequest) (monitor.Booking, error) {
	applicantID := strings.TrimSpace(req.ApplicantID)
	if applicantID == "" {
		return monitor.Booking{}, fmt.Errorf("applicant_id is required: %w", monitor.ErrInvalid)
	}
	form, err := normalizeObject("form_data", req.FormData)
	if err != nil {
		return monitor.Booking{}, err
	}
	runID := strings.TrimSpace(req.RunID)
	if runID == "" {
		if runID, err = r.ids.NewRunID(); err != nil {
			return monitor.Booking{}, fmt.Errorf("generate run id: %w", err)
		}
	}

	b, err := r.store.CreateBooking(ctx, monitor.Booking{
		ApplicantID: applicantID,
		RunID:       runID,
		Status:      monitor.BookingQueued,
		FormData:    form,
	})
	if err != nil {
		return monitor.Booking{}, persistErr("create booking", err)
	}
	logger := r.logger.With(zap.Int64("booking_id", b.ID), zap.String("run_id", b.RunID))

	if err := r.dispatcher.DispatchBooking(ctx, b); err != nil {
		if setErr := r.store.UpdateBooking(context.WithoutCancel(ctx), b.ID, monitor.BookingFailed, nil); setErr != nil {
			logger.Error("fail undispatched booking failed", zap.Error(setErr))
		}
		return monitor.Booking{}, fmt.Errorf("dispatch booking: %w: %w", monitor.ErrDispatch, err)
	}

	logger.Info("booking queued")
	r.emit(ctx, monitor.Event{
		Kind:        monitor.EventBookingStarted,
		Message:     "Booking session queued",
		RunID:       b.RunID,
		BookingID:   b.ID,
		ApplicantID: b.ApplicantID,
	})
	return b, nil
}

// GetBooking returns one booking.
func (r *Registry) GetBooking(ctx context.Context, id int64) (monitor.Booking, error) {
	b, err := r.store.GetBooking(ctx, id)
	if err != nil {
		return monitor.Booking{}, persistErr("get booking", err)
	}
	return b, nil
}

// ListBookings returns every booking, newest first.
func (r *Registry) ListBookings(ctx context.Context) ([]monitor.Booking, error) {
	out, err := r.store.ListBookings(ctx)
	if err != nil {
		return nil, persistErr("list bookings", err)
	}
	return out, nil
}

// ApplyBookingEvent persists the status implied by a booking automation
// event. Other events are ignored.
func (r *Registry) ApplyBookingEvent(ctx context.Context, evt monitor.Event) error {
	status, ok := monitor.BookingStatusFor(evt.Kind)
	if !ok || evt.BookingID == 0 {
		return nil
	}
	var pdfURL *string
	if evt.PDFURL != "" {
		u := evt.PDFURL
		pdfURL = &u
	}
	if err := r.store.UpdateBooking(ctx, evt.BookingID, status, pdfURL); err != nil {
		return persistErr("update booking", err)
	}
	r.logger.Debug("booking status applied",
		zap.Int64("booking_id", evt.BookingID), zap.String("status", string(status)))
	return nil
}

func (r *Registry) emit(ctx context.Context, evt monitor.Event) {
	evt.Timestamp = r.clock.Now()
	if err := r.notifier.Notify(ctx, evt); err != nil {
		r.logger.Warn("event delivery failed", zap.String("event", string(evt.Kind)), zap.Error(err))
	}
}

func validateFlow(flow string) error {
	if flow == "" {
		return fmt.Errorf("flow is required: %w", monitor.ErrInvalid)
	}
	if len(flow) > maxFlowLength {
		return fmt.Errorf("flow longer than %d bytes: %w", maxFlowLength, monitor.ErrInvalid)
	}
	return nil
}

// normalizeObject accepts an absent, null or object value and returns nil
// for the first two.
func normalizeObject(field string, raw json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	if trimmed[0] != '{' || !json.Valid(trimmed) {
		return nil, fmt.Errorf("%s must be a JSON object: %w", field, monitor.ErrInvalid)
	}
	return trimmed, nil
}

// persistErr keeps ErrNotFound visible and tags everything else as a
// persistence failure.
func persistErr(op string, err error) error {
	if errors.Is(err, monitor.ErrNotFound) || errors.Is(err, monitor.ErrInvalid) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, monitor.ErrPersistence, err)
}
