package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/slotwatch/internal/bus"
	"github.com/JakeFAU/slotwatch/internal/clock/system"
	"github.com/JakeFAU/slotwatch/internal/dispatcher"
	"github.com/JakeFAU/slotwatch/internal/id/uuid"
	"github.com/JakeFAU/slotwatch/internal/monitor"
	"github.com/JakeFAU/slotwatch/internal/notify/webhook"
	queueMemory "github.com/JakeFAU/slotwatch/internal/queue/memory"
	"github.com/JakeFAU/slotwatch/internal/registry"
	storageMemory "github.com/JakeFAU/slotwatch/internal/storage/memory"
)

type testEnv struct {
	server *Server
	store  *storageMemory.Store
	queue  *queueMemory.Queue
	bus    *bus.Bus
}

func newTestEnv(t *testing.T, cfg Config, checks ...ReadyCheck) *testEnv {
	t.Helper()
	store := storageMemory.NewStore()
	q := queueMemory.NewQueue(16)
	t.Cleanup(func() { _ = q.Close() })
	clock := system.New()
	b := bus.New()
	reg := registry.New(store, dispatcher.New(q, clock), b, uuid.New(), clock, registry.WithObservers(b))
	return &testEnv{
		server: NewServer(reg, b, clock, cfg, zap.NewNop(), checks...),
		store:  store,
		queue:  q,
		bus:    b,
	}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func eventBody(t *testing.T, evt monitor.Event) string {
	t.Helper()
	raw, err := json.Marshal(evt)
	require.NoError(t, err)
	return string(raw)
}

func TestServer_CreateMonitorDispatchesAndDemotes(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{})

	rec := env.do(t, http.MethodPost, "/monitors/", `{"flow":"visa","config":{"poll_interval_seconds":30}}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	first := decode[monitor.Session](t, rec)
	require.Equal(t, "visa", first.Flow)
	require.Equal(t, monitor.StatusActive, first.Status)
	require.True(t, strings.HasPrefix(first.RunID, "run_"))
	require.True(t, strings.HasPrefix(first.ApplicantID, "user_"))

	task, err := env.queue.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, first.RunID, task.RunID)
	require.JSONEq(t, `{"poll_interval_seconds":30}`, string(task.Config))

	rec = env.do(t, http.MethodPost, "/monitors", `{"flow":"visa","applicant_id":"user_fixed"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	second := decode[monitor.Session](t, rec)
	require.Equal(t, "user_fixed", second.ApplicantID)

	cancelled, err := env.queue.Cancelled(context.Background(), first.RunID)
	require.NoError(t, err)
	require.True(t, cancelled)

	rec = env.do(t, http.MethodGet, "/monitors", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]monitor.Session](t, rec)
	require.Len(t, list, 2)
	require.Equal(t, second.ID, list[0].ID)
	require.Equal(t, monitor.StatusStopped, list[1].Status)
}

func TestServer_CreateMonitorValidation(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{})

	rec := env.do(t, http.MethodPost, "/monitors", "{invalid")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "invalid JSON")

	rec = env.do(t, http.MethodPost, "/monitors", `{"flow":""}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/monitors", `{"flow":"visa","config":[1]}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_CreateMonitorDispatchFailure(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{})
	require.NoError(t, env.queue.Close())

	rec := env.do(t, http.MethodPost, "/monitors", `{"flow":"visa"}`)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	sessions, err := env.store.FindMonitors(context.Background(), "visa", monitor.StatusActive)
	require.NoError(t, err)
	require.Empty(t, sessions)
}

func TestServer_StopMonitor(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{})

	rec := env.do(t, http.MethodPost, "/monitors/99/stop", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, "/monitors/abc/stop", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	created := decode[monitor.Session](t, env.do(t, http.MethodPost, "/monitors", `{"flow":"visa"}`))
	rec = env.do(t, http.MethodPost, fmt.Sprintf("/monitors/%d/stop", created.ID), "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	require.Equal(t, "Monitor stopped successfully", body["message"])
	require.EqualValues(t, created.ID, body["monitor_id"])

	got := decode[monitor.Session](t, env.do(t, http.MethodGet, fmt.Sprintf("/monitors/%d", created.ID), ""))
	require.Equal(t, monitor.StatusStopped, got.Status)

	cancelled, err := env.queue.Cancelled(context.Background(), created.RunID)
	require.NoError(t, err)
	require.True(t, cancelled)
}

func TestServer_StopAllAndStatus(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{})

	status := decode[monitorStatusResponse](t, env.do(t, http.MethodGet, "/monitors/status", ""))
	require.Nil(t, status.ActiveMonitor.ID)
	require.Zero(t, status.WebsocketConnections)

	env.do(t, http.MethodPost, "/monitors", `{"flow":"visa"}`)
	latest := decode[monitor.Session](t, env.do(t, http.MethodPost, "/monitors", `{"flow":"work-permit"}`))

	status = decode[monitorStatusResponse](t, env.do(t, http.MethodGet, "/monitors/status", ""))
	require.NotNil(t, status.ActiveMonitor.ID)
	require.Equal(t, latest.ID, *status.ActiveMonitor.ID)
	require.Equal(t, latest.RunID, *status.ActiveMonitor.RunID)
	require.Equal(t, 2, status.ActiveCount)

	rec := env.do(t, http.MethodPost, "/monitors/stop-all", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, map[string]int{"stopped": 2}, decode[map[string]int](t, rec))

	status = decode[monitorStatusResponse](t, env.do(t, http.MethodGet, "/monitors/status", ""))
	require.Nil(t, status.ActiveMonitor.ID)
}

func TestServer_Bookings(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{})

	rec := env.do(t, http.MethodPost, "/bookings", `{"run_id":"run_1"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/bookings/", `{"applicant_id":"user_1","run_id":"run_1","form_data":{"first_name":"Ana"}}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode[monitor.Booking](t, rec)
	require.Equal(t, monitor.BookingQueued, created.Status)
	require.Nil(t, created.PDFURL)

	task, err := env.queue.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, monitor.TaskBooking, task.Kind)
	require.Equal(t, created.ID, task.BookingID)

	got := decode[monitor.Booking](t, env.do(t, http.MethodGet, fmt.Sprintf("/bookings/%d", created.ID), ""))
	require.Equal(t, "user_1", got.ApplicantID)

	rec = env.do(t, http.MethodGet, "/bookings/404", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	list := decode[[]monitor.Booking](t, env.do(t, http.MethodGet, "/bookings", ""))
	require.Len(t, list, 1)
}

func TestServer_IngestEventAppliesBookingStatus(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{})

	created := decode[monitor.Booking](t, env.do(t, http.MethodPost, "/bookings", `{"applicant_id":"user_1"}`))

	rec := env.do(t, http.MethodPost, "/webhooks/monitor-event", eventBody(t, monitor.Event{
		Kind:      monitor.EventBookingCompleted,
		Timestamp: time.Now().UTC(),
		Message:   "done",
		BookingID: created.ID,
		PDFURL:    "memory://bookings/x.pdf",
	}))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"received","connections":0}`, rec.Body.String())

	got, err := env.store.GetBooking(context.Background(), created.ID)
	require.NoError(t, err)
	require.Equal(t, monitor.BookingCompleted, got.Status)
	require.NotNil(t, got.PDFURL)
	require.Equal(t, "memory://bookings/x.pdf", *got.PDFURL)
}

func TestServer_IngestEventRejectsInvalid(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{})

	rec := env.do(t, http.MethodPost, "/webhooks/monitor-event", "not json")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/webhooks/monitor-event", `{"message":"no kind"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

type lastEvent struct {
	ch chan monitor.Event
}

func (o *lastEvent) Send(_ context.Context, evt monitor.Event) error {
	o.ch <- evt
	return nil
}

func TestServer_IngestEventAcceptsLooseTimestamps(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{})
	obs := &lastEvent{ch: make(chan monitor.Event, 1)}
	env.bus.Register(obs)

	cases := map[string]func(time.Time) bool{
		`"14:03:22"`: func(ts time.Time) bool {
			return ts.Hour() == 14 && ts.Minute() == 3 && ts.Second() == 22
		},
		`"2024-05-01T09:00:00"`: func(ts time.Time) bool {
			return ts.Equal(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))
		},
		`"2024-05-01T09:00:00.000000+00:00"`: func(ts time.Time) bool {
			return ts.Equal(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))
		},
		`""`: func(ts time.Time) bool { return time.Since(ts) < time.Minute },
	}
	for raw, check := range cases {
		body := `{"event":"slot_check","timestamp":` + raw + `,"message":"Checking for slots"}`
		rec := env.do(t, http.MethodPost, "/webhooks/monitor-event", body)
		require.Equal(t, http.StatusOK, rec.Code, raw)
		evt := <-obs.ch
		require.Equal(t, monitor.EventSlotCheck, evt.Kind)
		require.True(t, check(evt.Timestamp), "%s parsed as %v", raw, evt.Timestamp)
	}
}

func TestServer_IngestEventSignature(t *testing.T) {
	t.Parallel()
	secret := "s3cret"
	env := newTestEnv(t, Config{WebhookSecret: secret})
	body := eventBody(t, monitor.Event{Kind: monitor.EventNoSlots, Timestamp: time.Now().UTC(), Message: "nothing"})

	rec := env.do(t, http.MethodPost, "/webhooks/monitor-event", body)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/monitor-event", strings.NewReader(body))
	req.Header.Set(webhook.SignatureHeader, webhook.Sign([]byte(secret), []byte(body)))
	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_WebsocketReceivesIngestedEvents(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{})
	srv := httptest.NewServer(env.server.Handler())
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/monitor-updates"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })

	read := func() monitor.Event {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var evt monitor.Event
		require.NoError(t, conn.ReadJSON(&evt))
		return evt
	}
	require.Equal(t, monitor.EventConnected, read().Kind)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping")))
	require.Equal(t, monitor.EventPong, read().Kind)

	body := eventBody(t, monitor.Event{
		Kind: monitor.EventSlotsFound, Timestamp: time.Now().UTC(), Message: "SLOT AVAILABLE!", RunID: "run_ws",
	})
	httpResp, err := http.Post(srv.URL+"/webhooks/monitor-event", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	var ack map[string]any
	require.NoError(t, json.NewDecoder(httpResp.Body).Decode(&ack))
	require.NoError(t, httpResp.Body.Close())
	require.Equal(t, "received", ack["status"])
	require.EqualValues(t, 1, ack["connections"])

	got := read()
	require.Equal(t, monitor.EventSlotsFound, got.Kind)
	require.Equal(t, "run_ws", got.RunID)

	status := decode[monitorStatusResponse](t, env.do(t, http.MethodGet, "/monitors/status", ""))
	require.Equal(t, 1, status.WebsocketConnections)
}

func TestServer_HealthReadinessAndMetrics(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{}, ReadyCheck{Name: "db", Check: func(context.Context) error {
		return errors.New("connection refused")
	}})

	rec := env.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get(RequestIDHeader))

	rec = env.do(t, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "connection refused")

	rec = env.do(t, http.MethodGet, "/status/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"service":"api"`)

	rec = env.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestServer_RateLimit(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{RequestsPerMinute: 2})

	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/monitors", "").Code)
	}
	require.Equal(t, http.StatusTooManyRequests, env.do(t, http.MethodGet, "/monitors", "").Code)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/healthz", "").Code)
}

func TestServer_RequestIDPropagates(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(RequestIDHeader, "req-123")
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, "req-123", rec.Header().Get(RequestIDHeader))
}
