package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/JakeFAU/slotwatch/internal/bus"
	"github.com/JakeFAU/slotwatch/internal/bus/ws"
	"github.com/JakeFAU/slotwatch/internal/metrics"
	"github.com/JakeFAU/slotwatch/internal/monitor"
	"github.com/JakeFAU/slotwatch/internal/registry"
)

const maxBodyBytes = 1 << 20

// Config controls server behavior.
type Config struct {
	RequestTimeout time.Duration
	// RequestsPerMinute limits management calls per client IP. Zero disables
	// the limit.
	RequestsPerMinute int
	// WebhookSecret, when set, requires a valid signature on ingested events.
	WebhookSecret  string
	ObserverBuffer int
}

// ReadyCheck probes a downstream dependency for /readyz.
type ReadyCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Server wires HTTP handlers to the registry and the event bus.
type Server struct {
	router   chi.Router
	registry *registry.Registry
	bus      *bus.Bus
	clock    monitor.Clock
	checks   []ReadyCheck
	cfg      Config
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	reg *registry.Registry,
	b *bus.Bus,
	clock monitor.Clock,
	cfg Config,
	logger *zap.Logger,
	checks ...ReadyCheck,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	metrics.Init()
	s := &Server{
		registry: reg,
		bus:      b,
		clock:    clock,
		checks:   checks,
		cfg:      cfg,
		logger:   logger.Named("api"),
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(recoverMiddleware(s.logger))
	r.Use(middleware.StripSlashes)

	// Websocket upgrades need the raw connection, so the stream route sits
	// outside the timeout and tracing wrappers.
	stream := ws.NewHandler(b, cfg.ObserverBuffer, s.logger)
	r.Get("/ws/monitor-updates", func(w http.ResponseWriter, req *http.Request) {
		stream.ServeHTTP(w, req)
		metrics.SetObservers(s.bus.Len())
	})

	r.Group(func(r chi.Router) {
		r.Use(otelhttp.NewMiddleware("slotwatch-api"))
		r.Use(metrics.Middleware)
		r.Use(loggingMiddleware(s.logger))
		r.Use(timeoutMiddleware(cfg.RequestTimeout))

		r.Get("/healthz", s.healthz)
		r.Get("/readyz", s.readyz)
		r.Get("/status", s.serviceStatus)
		r.Method(http.MethodGet, "/metrics", metrics.Handler())

		r.Post("/webhooks/monitor-event", s.ingestEvent)

		r.Group(func(r chi.Router) {
			if cfg.RequestsPerMinute > 0 {
				r.Use(httprate.LimitByIP(cfg.RequestsPerMinute, time.Minute))
			}
			r.Route("/monitors", func(r chi.Router) {
				r.Post("/", s.createMonitor)
				r.Get("/", s.listMonitors)
				r.Get("/status", s.monitorStatus)
				r.Post("/stop-all", s.stopAll)
				r.Route("/{monitor_id}", func(r chi.Router) {
					r.Get("/", s.getMonitor)
					r.Post("/stop", s.stopMonitor)
				})
			})
			r.Route("/bookings", func(r chi.Router) {
				r.Post("/", s.createBooking)
				r.Get("/", s.listBookings)
				r.Get("/{booking_id}", s.getBooking)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	failed := map[string]string{}
	for _, c := range s.checks {
		if err := c.Check(ctx); err != nil {
			failed[c.Name] = err.Error()
		}
	}
	if len(failed) > 0 {
		s.logger.Warn("readiness check failed", zap.Any("failures", failed))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failures": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) serviceStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"service":   "api",
		"timestamp": s.clock.Now().UTC(),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
