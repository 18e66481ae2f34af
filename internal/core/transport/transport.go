package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// ReadTimeout is how long a connection may stay silent before reads fail.
	// Pongs and inbound frames both extend it.
	ReadTimeout = 60 * time.Second

	handshakeTimeout = 15 * time.Second
	writeTimeout     = 5 * time.Second
)

// Conn represents a WebSocket connection that carries JSON text frames.
type Conn interface {
	// Send writes one text frame.
	Send(ctx context.Context, data []byte) error
	// Recv blocks until a text frame is received or the connection fails.
	Recv(ctx context.Context) ([]byte, error)
	// Close closes the underlying connection.
	Close() error
	// Ping sends a WebSocket-level ping frame.
	Ping() error
	// SetReadDeadline sets the read deadline on the underlying connection.
	SetReadDeadline(t time.Time) error
}

// Dialer creates WebSocket connections to the gateway.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Conn, error)
}

// --- WebSocket Conn implementation ---

type wsConn struct {
	ws  *websocket.Conn
	mu  sync.Mutex // protects writes
	log *slog.Logger
}

// NewConn wraps an established gorilla connection.
func NewConn(ws *websocket.Conn, log *slog.Logger) Conn {
	c := &wsConn{ws: ws, log: log}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(ReadTimeout))
	})
	return c
}

func (c *wsConn) Send(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("transport: write deadline: %w", err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

func (c *wsConn) Recv(_ context.Context) ([]byte, error) {
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("transport: read: %w", err)
		}
		if msgType != websocket.TextMessage {
			c.log.Debug("skipping non-text frame", "type", msgType, "bytes", len(data))
			continue
		}
		return data, nil
	}
}

func (c *wsConn) Close() error {
	c.mu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.mu.Unlock()
	return c.ws.Close()
}

func (c *wsConn) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, []byte("keepalive"), time.Now().Add(writeTimeout))
}

func (c *wsConn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

// --- Gateway Dialer ---

// WSDialer dials the gateway's plain websocket endpoint.
type WSDialer struct {
	log *slog.Logger
}

// NewWSDialer creates a gateway dialer.
func NewWSDialer(log *slog.Logger) *WSDialer {
	return &WSDialer{log: log}
}

// Dial opens a websocket to endpoint, e.g. ws://192.168.1.20:443.
func (d *WSDialer) Dial(ctx context.Context, endpoint string) (Conn, error) {
	d.log.Info("dialing gateway", "url", endpoint)

	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
	}

	ws, resp, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("transport: dial %s: HTTP %d: %w", endpoint, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("transport: dial %s: %w", endpoint, err)
	}

	d.log.Info("connected to gateway", "url", endpoint)
	return NewConn(ws, d.log), nil
}
