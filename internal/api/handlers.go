package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/slotwatch/internal/monitor"
	"github.com/JakeFAU/slotwatch/internal/registry"
)

type activeMonitor struct {
	ID          *int64  `json:"id"`
	RunID       *string `json:"run_id"`
	ApplicantID *string `json:"applicant_id"`
	CreatedAt   *string `json:"created_at"`
}

type monitorStatusResponse struct {
	ActiveMonitor        activeMonitor `json:"active_monitor"`
	ActiveCount          int           `json:"active_count"`
	WebsocketConnections int           `json:"websocket_connections"`
	Timestamp            string        `json:"timestamp"`
}

func (s *Server) createMonitor(w http.ResponseWriter, r *http.Request) {
	var req registry.CreateMonitorRequest
	if !decodeBody(w, r, &req) {
		return
	}
	session, err := s.registry.CreateMonitor(r.Context(), req)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (s *Server) listMonitors(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.registry.ListMonitors(r.Context())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) getMonitor(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "monitor_id")
	if !ok {
		return
	}
	session, err := s.registry.GetMonitor(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) stopMonitor(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "monitor_id")
	if !ok {
		return
	}
	session, err := s.registry.StopMonitor(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":    "Monitor stopped successfully",
		"monitor_id": session.ID,
		"run_id":     session.RunID,
	})
}

func (s *Server) stopAll(w http.ResponseWriter, r *http.Request) {
	n, err := s.registry.StopAll(r.Context())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"stopped": n})
}

func (s *Server) monitorStatus(w http.ResponseWriter, r *http.Request) {
	report, err := s.registry.Status(r.Context())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	resp := monitorStatusResponse{
		ActiveCount:          report.ActiveCount,
		WebsocketConnections: report.Connections,
		Timestamp:            s.clock.Now().UTC().Format(timeLayout),
	}
	if a := report.Active; a != nil {
		created := a.CreatedAt.UTC().Format(timeLayout)
		resp.ActiveMonitor = activeMonitor{
			ID:          &a.ID,
			RunID:       &a.RunID,
			ApplicantID: &a.ApplicantID,
			CreatedAt:   &created,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) createBooking(w http.ResponseWriter, r *http.Request) {
	var req registry.CreateBookingRequest
	if !decodeBody(w, r, &req) {
		return
	}
	booking, err := s.registry.CreateBooking(r.Context(), req)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, booking)
}

func (s *Server) listBookings(w http.ResponseWriter, r *http.Request) {
	bookings, err := s.registry.ListBookings(r.Context())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bookings)
}

func (s *Server) getBooking(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "booking_id")
	if !ok {
		return
	}
	booking, err := s.registry.GetBooking(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, booking)
}

// writeDomainError maps registry sentinels onto status codes.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, monitor.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, monitor.ErrInvalid):
		status = http.StatusBadRequest
	case errors.Is(err, monitor.ErrDispatch):
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("request_id", requestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	writeError(w, status, err.Error())
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return id, true
}
