package ws

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/slotwatch/internal/bus"
	"github.com/JakeFAU/slotwatch/internal/monitor"
)

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) monitor.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var evt monitor.Event
	require.NoError(t, conn.ReadJSON(&evt))
	return evt
}

func TestHandlerLifecycle(t *testing.T) {
	t.Parallel()

	b := bus.New()
	srv := httptest.NewServer(NewHandler(b, 4, nil))
	t.Cleanup(srv.Close)

	conn := dial(t, srv)
	require.Equal(t, monitor.EventConnected, readEvent(t, conn).Kind)
	require.Eventually(t, func() bool { return b.Len() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping")))
	require.Equal(t, monitor.EventPong, readEvent(t, conn).Kind)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hello")))
	delivered := b.Deliver(context.Background(), monitor.Event{
		Kind: monitor.EventSlotsFound, Timestamp: time.Now(), Message: "SLOT AVAILABLE!", RunID: "run_x",
	})
	require.Equal(t, 1, delivered)
	got := readEvent(t, conn)
	require.Equal(t, monitor.EventSlotsFound, got.Kind)
	require.Equal(t, "run_x", got.RunID)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return b.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHandlerBroadcastsToAllObservers(t *testing.T) {
	t.Parallel()

	b := bus.New()
	srv := httptest.NewServer(NewHandler(b, 4, nil))
	t.Cleanup(srv.Close)

	first, second := dial(t, srv), dial(t, srv)
	readEvent(t, first)
	readEvent(t, second)
	require.Eventually(t, func() bool { return b.Len() == 2 }, time.Second, 5*time.Millisecond)

	require.Equal(t, 2, b.Deliver(context.Background(), monitor.Event{Kind: monitor.EventNoSlots, Timestamp: time.Now()}))
	require.Equal(t, monitor.EventNoSlots, readEvent(t, first).Kind)
	require.Equal(t, monitor.EventNoSlots, readEvent(t, second).Kind)
}

func TestConnSendAfterClose(t *testing.T) {
	t.Parallel()

	c := newConn(nil, 1, time.Now, nil)
	close(c.done)
	require.ErrorIs(t, c.Send(context.Background(), monitor.Event{Kind: monitor.EventNoSlots}), ErrClosed)
}

func TestConnSlowConsumer(t *testing.T) {
	t.Parallel()

	c := newConn(nil, 1, time.Now, nil)
	evt := monitor.Event{Kind: monitor.EventNoSlots, Timestamp: time.Now()}
	require.NoError(t, c.Send(context.Background(), evt))
	require.ErrorIs(t, c.Send(context.Background(), evt), ErrSlowConsumer)
}
