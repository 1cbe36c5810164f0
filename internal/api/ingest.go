package api

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/slotwatch/internal/metrics"
	"github.com/JakeFAU/slotwatch/internal/monitor"
	"github.com/JakeFAU/slotwatch/internal/notify/webhook"
)

const timeLayout = time.RFC3339Nano

// ingestPayload reads the timestamp as text so producers that do not send
// RFC 3339 are still accepted.
type ingestPayload struct {
	monitor.Event
	Timestamp string `json:"timestamp"`
}

// ingestEvent accepts an event from a worker, fans it out to observers and
// applies booking status changes.
func (s *Server) ingestEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		metrics.ObserveIngest("invalid")
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if s.cfg.WebhookSecret != "" &&
		!webhook.Verify([]byte(s.cfg.WebhookSecret), body, r.Header.Get(webhook.SignatureHeader)) {
		metrics.ObserveIngest("unauthorized")
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	var payload ingestPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		metrics.ObserveIngest("invalid")
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	evt := payload.Event
	evt.Timestamp = monitor.ParseTimestamp(payload.Timestamp, s.clock.Now())
	if err := evt.Validate(); err != nil {
		metrics.ObserveIngest("invalid")
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.logger.Debug("event received",
		zap.String("event", string(evt.Kind)), zap.String("run_id", evt.RunID), zap.String("message", evt.Message))
	connections := s.bus.Deliver(r.Context(), evt)
	metrics.SetObservers(connections)

	if err := s.registry.ApplyBookingEvent(r.Context(), evt); err != nil {
		s.logger.Error("apply booking event failed",
			zap.Int64("booking_id", evt.BookingID), zap.String("event", string(evt.Kind)), zap.Error(err))
		metrics.ObserveIngest("error")
	} else {
		metrics.ObserveIngest("ok")
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "received", "connections": connections})
}
