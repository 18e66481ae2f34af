// Package connection owns the websocket session with the gateway.
package connection

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/trymwestin/deconzws/internal/core/transport"
)

// State is the lifecycle state of the gateway connection.
type State int32

const (
	Disconnected State = iota
	Connecting
	Open
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

const defaultPingInterval = 25 * time.Second

// Manager holds at most one gateway session at a time.
type Manager struct {
	dialer       transport.Dialer
	log          *slog.Logger
	pingInterval time.Duration

	mu        sync.Mutex
	state     State
	conn      transport.Conn
	done      chan struct{}
	cancel    context.CancelFunc
	onMessage []func([]byte)
	onOpen    []func()
	onClose   []func(cause error)
}

// NewManager creates a disconnected manager.
func NewManager(dialer transport.Dialer, log *slog.Logger) *Manager {
	closed := make(chan struct{})
	close(closed)
	return &Manager{
		dialer:       dialer,
		log:          log,
		pingInterval: defaultPingInterval,
		done:         closed,
	}
}

// OnMessage registers a handler for inbound frames. Handlers run on the
// session's read goroutine, one frame at a time, in arrival order.
func (m *Manager) OnMessage(h func(data []byte)) {
	m.mu.Lock()
	m.onMessage = append(m.onMessage, h)
	m.mu.Unlock()
}

// OnOpen registers a handler called after each successful Connect.
func (m *Manager) OnOpen(h func()) {
	m.mu.Lock()
	m.onOpen = append(m.onOpen, h)
	m.mu.Unlock()
}

// OnClose registers a handler called once per session when it ends.
func (m *Manager) OnClose(h func(cause error)) {
	m.mu.Lock()
	m.onClose = append(m.onClose, h)
	m.mu.Unlock()
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Done returns a channel closed when the current session ends.
// While disconnected it returns an already closed channel.
func (m *Manager) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done
}

// Connect dials endpoint and starts the session's read and keepalive loops.
func (m *Manager) Connect(ctx context.Context, endpoint string) (State, error) {
	m.mu.Lock()
	if m.state != Disconnected {
		st := m.state
		m.mu.Unlock()
		return st, ErrAlreadyConnected
	}
	m.state = Connecting
	m.mu.Unlock()

	conn, err := m.dialer.Dial(ctx, endpoint)
	if err != nil {
		m.mu.Lock()
		m.state = Disconnected
		m.mu.Unlock()
		return Disconnected, fmt.Errorf("connection: connect %s: %w", endpoint, err)
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.conn = conn
	m.state = Open
	m.done = make(chan struct{})
	m.cancel = cancel
	hooks := append([]func(){}, m.onOpen...)
	m.mu.Unlock()

	// extended by pongs and by every inbound frame
	_ = conn.SetReadDeadline(time.Now().Add(transport.ReadTimeout))

	m.log.Info("gateway connection open", "endpoint", endpoint)
	for _, h := range hooks {
		h()
	}

	go m.keepaliveLoop(sessCtx, conn)
	go m.readLoop(sessCtx, conn)
	return Open, nil
}

// Send writes one frame. It fails fast with ErrNotConnected unless the state is Open.
func (m *Manager) Send(data []byte) error {
	m.mu.Lock()
	conn := m.conn
	open := m.state == Open
	m.mu.Unlock()

	if !open || conn == nil {
		return ErrNotConnected
	}
	if err := conn.Send(context.Background(), data); err != nil {
		return fmt.Errorf("%w: %w", ErrSend, err)
	}
	return nil
}

// Close ends the current session, if any. Close hooks receive ErrClosed.
func (m *Manager) Close() error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()

	if conn == nil {
		return nil
	}
	m.drop(conn, ErrClosed)
	return nil
}

// drop tears down the session owning conn. Later calls for the same conn are no-ops.
func (m *Manager) drop(conn transport.Conn, cause error) {
	m.mu.Lock()
	if m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.state = Disconnected
	m.cancel()
	close(m.done)
	hooks := append([]func(error){}, m.onClose...)
	m.mu.Unlock()

	if err := conn.Close(); err != nil {
		m.log.Debug("closing gateway socket", "error", err)
	}
	m.log.Warn("gateway connection closed", "cause", cause)

	for _, h := range hooks {
		h(cause)
	}
}

func (m *Manager) readLoop(ctx context.Context, conn transport.Conn) {
	for {
		data, err := conn.Recv(ctx)
		if err != nil {
			m.drop(conn, fmt.Errorf("read: %w", err))
			return
		}

		_ = conn.SetReadDeadline(time.Now().Add(transport.ReadTimeout))

		m.mu.Lock()
		handlers := m.onMessage
		m.mu.Unlock()
		for _, h := range handlers {
			h(data)
		}
	}
}

func (m *Manager) keepaliveLoop(ctx context.Context, conn transport.Conn) {
	ticker := time.NewTicker(m.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.Ping(); err != nil {
				m.log.Warn("keepalive ping failed", "error", err)
				m.drop(conn, fmt.Errorf("keepalive: %w", err))
				return
			}
			m.log.Debug("keepalive ping sent")
		}
	}
}
