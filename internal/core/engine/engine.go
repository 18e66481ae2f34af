// Package engine synchronizes accessory state with the gateway.
//
// Inbound frames are decoded and routed to the accessory directory; host
// writes are validated, debounced and sent as set envelopes. One mutex
// serializes frame handling and every outbound send.
package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/trymwestin/deconzws/internal/config"
	"github.com/trymwestin/deconzws/internal/core/accessory"
	"github.com/trymwestin/deconzws/internal/core/connection"
	"github.com/trymwestin/deconzws/internal/core/debounce"
	"github.com/trymwestin/deconzws/internal/core/envelope"
	"github.com/trymwestin/deconzws/internal/core/router"
)

// Conn is the connection surface the engine uses.
type Conn interface {
	Send(data []byte) error
	State() connection.State
	OnMessage(h func(data []byte))
	OnClose(h func(cause error))
}

// Directory validates writes before they are queued.
type Directory interface {
	Value(name string, c accessory.Characteristic) (any, error)
	Validate(name string, c accessory.Characteristic, value any) (any, error)
}

// Router applies decoded inbound events.
type Router interface {
	Route(env envelope.Inbound) router.Outcome
}

// Debouncer coalesces continuous writes.
type Debouncer interface {
	Request(name string, c accessory.Characteristic, value any, send debounce.SendFunc) error
	Drop() int
	Fire() int
	Pending() []debounce.PendingWrite
}

// Options holds the engine's collaborators.
type Options struct {
	Directory Directory
	Codec     envelope.Codec
	Conn      Conn
	Router    Router
	Debouncer Debouncer
	// Policy decides what happens to pending writes on disconnect; empty means drop.
	Policy config.PendingPolicy
	Logger *slog.Logger
}

// Engine is the synchronization engine.
type Engine struct {
	mu sync.Mutex
	// queueMu serializes queueing in Set with the disconnect policy.
	queueMu sync.Mutex
	dir    Directory
	codec  envelope.Codec
	conn   Conn
	router Router
	deb    Debouncer
	policy config.PendingPolicy
	log    *slog.Logger
}

// New wires an engine to its connection.
func New(opts Options) (*Engine, error) {
	switch {
	case opts.Directory == nil:
		return nil, errors.New("engine: directory is required")
	case opts.Conn == nil:
		return nil, errors.New("engine: connection is required")
	case opts.Router == nil:
		return nil, errors.New("engine: router is required")
	case opts.Debouncer == nil:
		return nil, errors.New("engine: debouncer is required")
	}
	if opts.Policy == "" {
		opts.Policy = config.PendingDrop
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	e := &Engine{
		dir:    opts.Directory,
		codec:  opts.Codec,
		conn:   opts.Conn,
		router: opts.Router,
		deb:    opts.Debouncer,
		policy: opts.Policy,
		log:    opts.Logger,
	}
	e.conn.OnMessage(e.handleFrame)
	e.conn.OnClose(e.handleClose)
	return e, nil
}

// Set writes a characteristic value to the gateway. Continuous
// characteristics are debounced; the returned error then only reflects
// validation and connection state.
func (e *Engine) Set(name string, c accessory.Characteristic, value any) error {
	e.queueMu.Lock()
	defer e.queueMu.Unlock()

	if e.conn.State() != connection.Open {
		return connection.ErrNotConnected
	}

	v, err := e.dir.Validate(name, c, value)
	if err != nil {
		return fmt.Errorf("engine: set %s.%s: %w", name, c, err)
	}

	err = e.deb.Request(name, c, v, func(val any) error {
		return e.send(envelope.TopicSet, envelope.SetPayload{Name: name, Characteristic: c.String(), Value: val})
	})
	if err != nil {
		return err
	}
	// a disconnect that raced the queueing drops the write once queueMu is released
	if e.conn.State() != connection.Open {
		return connection.ErrNotConnected
	}
	return nil
}

// Get asks the gateway to report the current value of a characteristic.
func (e *Engine) Get(name string, c accessory.Characteristic) error {
	if e.conn.State() != connection.Open {
		return connection.ErrNotConnected
	}
	if _, err := e.dir.Value(name, c); err != nil {
		return fmt.Errorf("engine: get %s.%s: %w", name, c, err)
	}
	return e.send(envelope.TopicGet, envelope.GetPayload{Name: name, Characteristic: c.String()})
}

// SendAck reports the result of a platform operation to the gateway.
func (e *Engine) SendAck(ack bool, message string) error {
	return e.send(envelope.TopicResponse, envelope.ResponsePayload{Ack: ack, Message: message})
}

// SendAccessories publishes the accessory list to the gateway.
func (e *Engine) SendAccessories(list []accessory.Accessory) error {
	if list == nil {
		list = []accessory.Accessory{}
	}
	return e.send(envelope.TopicAccessories, list)
}

// Pending returns the debounced writes not yet sent.
func (e *Engine) Pending() []debounce.PendingWrite {
	return e.deb.Pending()
}

// State reports the gateway connection state.
func (e *Engine) State() connection.State {
	return e.conn.State()
}

func (e *Engine) send(topic envelope.Topic, payload any) error {
	data, err := e.codec.Encode(topic, payload)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.conn.Send(data); err != nil {
		return err
	}
	e.log.Debug("sent", "topic", topic, "bytes", len(data))
	return nil
}

func (e *Engine) handleFrame(data []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()

	env, err := e.codec.Decode(data)
	if err != nil {
		e.log.Warn("dropping malformed frame", "error", err, "bytes", len(data))
		return
	}

	out := e.router.Route(env)
	e.log.Debug("routed event", "event", env.Event, "id", env.ID, "status", out.Status, "reason", out.Reason)
}

// handleClose runs on the connection's close hook, without the engine mutex.
func (e *Engine) handleClose(cause error) {
	e.queueMu.Lock()
	defer e.queueMu.Unlock()

	switch e.policy {
	case config.PendingFail:
		if n := e.deb.Fire(); n > 0 {
			e.log.Warn("flushed pending writes after disconnect", "count", n, "cause", cause)
		}
	default:
		if n := e.deb.Drop(); n > 0 {
			e.log.Warn("dropped pending writes after disconnect", "count", n, "cause", cause)
		}
	}
}
