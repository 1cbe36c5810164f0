package app_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/slotwatch/internal/app"
	"github.com/JakeFAU/slotwatch/internal/config"
	"github.com/JakeFAU/slotwatch/internal/monitor"
)

type chanObserver struct {
	events chan monitor.Event
}

func (o *chanObserver) Send(_ context.Context, evt monitor.Event) error {
	select {
	case o.events <- evt:
	default:
	}
	return nil
}

func testConfig(t *testing.T, target string) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Browser.Driver = "static"
	cfg.Booking.Enabled = false
	cfg.Monitor.TargetURL = target
	cfg.Monitor.SettleDelayMs = 0
	cfg.Monitor.ContentSelectors = []string{".slots"}
	cfg.RateLimit.RequestsPerMinute = 0
	return cfg
}

func TestApp_InMemoryEndToEnd(t *testing.T) {
	page := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body><div class="slots">No appointments</div></body></html>`)
	}))
	t.Cleanup(page.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, testConfig(t, page.URL), zap.NewNop(), app.WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	defer a.Close(context.Background())

	server, err := a.Server(ctx)
	require.NoError(t, err)
	b, err := a.Bus(ctx)
	require.NoError(t, err)
	obs := &chanObserver{events: make(chan monitor.Event, 64)}
	b.Register(obs)

	w, err := a.Worker(ctx, b)
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	req := httptest.NewRequest(http.MethodPost, "/monitors", strings.NewReader(`{"flow":"visa"}`))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	deadline := time.After(5 * time.Second)
	for started := false; !started; {
		select {
		case evt := <-obs.events:
			started = evt.Kind == monitor.EventMonitorStarted
		case <-deadline:
			t.Fatal("monitor_started not observed")
		}
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestApp_BusIsShared(t *testing.T) {
	ctx := context.Background()
	a, err := app.New(ctx, testConfig(t, "https://example.test"), nil, app.WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	defer a.Close(ctx)

	first, err := a.Bus(ctx)
	require.NoError(t, err)
	second, err := a.Bus(ctx)
	require.NoError(t, err)
	require.Same(t, first, second)

	notifier, err := a.RemoteNotifier()
	require.NoError(t, err)
	require.NotNil(t, notifier)
}

func TestApp_PostgresUnreachableFailsFast(t *testing.T) {
	cfg := testConfig(t, "https://example.test")
	cfg.DB.Driver = "postgres"
	cfg.DB.DSN = "postgres://nobody@127.0.0.1:1/none?connect_timeout=1"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := app.New(ctx, cfg, nil, app.WithRegisterer(prometheus.NewRegistry()))
	require.Error(t, err)
}

func TestApp_LocalNotifierPersistsBookingStatus(t *testing.T) {
	ctx := context.Background()
	a, err := app.New(ctx, testConfig(t, "https://example.test"), zap.NewNop(), app.WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	defer a.Close(ctx)

	server, err := a.Server(ctx)
	require.NoError(t, err)
	b, err := a.Bus(ctx)
	require.NoError(t, err)
	obs := &chanObserver{events: make(chan monitor.Event, 8)}
	b.Register(obs)

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/bookings",
		strings.NewReader(`{"applicant_id":"user_1","run_id":"run_m"}`)))
	require.Equal(t, http.StatusCreated, rec.Code)
	var created monitor.Booking
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	notifier, err := a.LocalNotifier(ctx)
	require.NoError(t, err)
	require.NoError(t, notifier.Notify(ctx, monitor.Event{
		Kind:      monitor.EventBookingCompleted,
		Timestamp: time.Now(),
		Message:   "confirmed",
		RunID:     "run_m",
		BookingID: created.ID,
		PDFURL:    "mem://confirmations/c.pdf",
	}))

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, fmt.Sprintf("/bookings/%d", created.ID), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var got monitor.Booking
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, monitor.BookingCompleted, got.Status)
	require.NotNil(t, got.PDFURL)
	require.Equal(t, "mem://confirmations/c.pdf", *got.PDFURL)

	deadline := time.After(2 * time.Second)
	for seen := false; !seen; {
		select {
		case evt := <-obs.events:
			seen = evt.Kind == monitor.EventBookingCompleted
		case <-deadline:
			t.Fatal("booking_completed not delivered to observers")
		}
	}
}
