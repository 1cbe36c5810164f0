// Package ws adapts websocket connections to bus observers.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/JakeFAU/slotwatch/internal/bus"
	"github.com/JakeFAU/slotwatch/internal/monitor"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 512
	// DefaultBuffer is the outbound queue length per connection.
	DefaultBuffer = 64
)

var (
	// ErrClosed is returned by Send after the connection has gone away.
	ErrClosed = errors.New("observer connection closed")
	// ErrSlowConsumer is returned by Send when the outbound queue is full.
	ErrSlowConsumer = errors.New("observer outbound queue full")
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// Conn is one connected observer. Send only enqueues; a dedicated goroutine
// writes to the socket.
type Conn struct {
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	now       func() time.Time
	logger    *zap.Logger
}

func newConn(c *websocket.Conn, buffer int, now func() time.Time, logger *zap.Logger) *Conn {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Conn{
		conn:   c,
		send:   make(chan []byte, buffer),
		done:   make(chan struct{}),
		now:    now,
		logger: logger,
	}
}

// Send implements bus.Observer.
func (c *Conn) Send(_ context.Context, evt monitor.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		return ErrSlowConsumer
	}
}

// Close stops the writer and closes the socket. Safe to call repeatedly.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *Conn) control(kind monitor.EventKind, msg string) monitor.Event {
	return monitor.Event{Kind: kind, Timestamp: c.now(), Message: msg}
}

// readPump answers text pings and otherwise discards input. It returns when
// the peer goes away.
func (c *Conn) readPump() {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		kind, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("observer read failed", zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if kind == websocket.TextMessage && strings.TrimSpace(string(payload)) == "ping" {
			if err := c.Send(context.Background(), c.control(monitor.EventPong, "pong")); err != nil {
				return
			}
		}
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Close()
	}()
	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}

// Handler upgrades requests and registers each connection with b until the
// peer disconnects.
type Handler struct {
	bus    *bus.Bus
	buffer int
	now    func() time.Time
	logger *zap.Logger
}

// NewHandler builds a Handler. buffer <= 0 uses DefaultBuffer.
func NewHandler(b *bus.Bus, buffer int, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{bus: b, buffer: buffer, now: func() time.Time { return time.Now().UTC() }, logger: logger}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c := newConn(raw, h.buffer, h.now, h.logger)
	if err := c.Send(r.Context(), c.control(monitor.EventConnected, "Connected to slot monitor")); err != nil {
		_ = c.Close()
		return
	}
	h.bus.Register(c)
	h.logger.Info("observer connected", zap.String("remote", r.RemoteAddr), zap.Int("observers", h.bus.Len()))

	go c.writePump()
	c.readPump()

	h.bus.Unregister(c)
	_ = c.Close()
	h.logger.Info("observer disconnected", zap.String("remote", r.RemoteAddr), zap.Int("observers", h.bus.Len()))
}
