package engine

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trymwestin/deconzws/internal/config"
	"github.com/trymwestin/deconzws/internal/core/accessory"
	"github.com/trymwestin/deconzws/internal/core/connection"
	"github.com/trymwestin/deconzws/internal/core/debounce"
	"github.com/trymwestin/deconzws/internal/core/router"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeConn records frames and exposes the registered hooks.
type fakeConn struct {
	mu      sync.Mutex
	state   connection.State
	frames  []string
	onMsg   []func([]byte)
	onClose []func(error)
}

func (f *fakeConn) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != connection.Open {
		return connection.ErrNotConnected
	}
	f.frames = append(f.frames, string(data))
	return nil
}

func (f *fakeConn) State() connection.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeConn) OnMessage(h func([]byte)) { f.onMsg = append(f.onMsg, h) }
func (f *fakeConn) OnClose(h func(error))    { f.onClose = append(f.onClose, h) }

func (f *fakeConn) deliver(frame string) {
	for _, h := range f.onMsg {
		h([]byte(frame))
	}
}

func (f *fakeConn) drop() {
	f.mu.Lock()
	f.state = connection.Disconnected
	f.mu.Unlock()
	for _, h := range f.onClose {
		h(errors.New("read: EOF"))
	}
}

func (f *fakeConn) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.frames...)
}

type fixture struct {
	engine *Engine
	conn   *fakeConn
	dir    *accessory.Directory
	deb    *debounce.Debouncer
}

func newFixture(t *testing.T, policy config.PendingPolicy) *fixture {
	t.Helper()
	log := testLogger()
	bus := accessory.NewEventBus(log)
	dir := accessory.NewDirectory(bus, nil, log)
	for _, def := range []accessory.Definition{
		{Name: "lamp1", Service: "Switch"},
		{Name: "dimmer", Service: "Lightbulb"},
		{Name: "cover", Service: "WindowCovering"},
	} {
		_, err := dir.Add(def)
		require.NoError(t, err)
	}

	conn := &fakeConn{state: connection.Open}
	deb := debounce.New(log)
	settings := []config.DeviceSetting{{ID: "7", Name: "lamp1", Type: config.TypeToggleSwitch}}

	e, err := New(Options{
		Directory: dir,
		Conn:      conn,
		Router:    router.New(settings, dir, log),
		Debouncer: deb,
		Policy:    policy,
		Logger:    log,
	})
	require.NoError(t, err)
	return &fixture{engine: e, conn: conn, dir: dir, deb: deb}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestSet_DiscreteIsImmediate(t *testing.T) {
	f := newFixture(t, config.PendingDrop)

	require.NoError(t, f.engine.Set("lamp1", accessory.On, true))

	frames := f.conn.sent()
	require.Len(t, frames, 1)
	assert.JSONEq(t, `{"topic":"set","payload":{"name":"lamp1","characteristic":"On","value":true}}`, frames[0])
}

func TestSet_DiscreteBypassesPendingWrites(t *testing.T) {
	f := newFixture(t, config.PendingDrop)

	require.NoError(t, f.engine.Set("dimmer", accessory.Brightness, 70))
	require.Len(t, f.engine.Pending(), 1)

	require.NoError(t, f.engine.Set("dimmer", accessory.On, true))

	frames := f.conn.sent()
	require.Len(t, frames, 1)
	assert.JSONEq(t, `{"topic":"set","payload":{"name":"dimmer","characteristic":"On","value":true}}`, frames[0])

	pending := f.engine.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, accessory.Brightness, pending[0].Characteristic)
	assert.Equal(t, 70, pending[0].Value)
}

func TestSet_NotConnected(t *testing.T) {
	f := newFixture(t, config.PendingDrop)
	f.conn.state = connection.Disconnected

	err := f.engine.Set("dimmer", accessory.Brightness, 50)
	assert.ErrorIs(t, err, connection.ErrNotConnected)
	assert.Empty(t, f.engine.Pending())
	assert.Empty(t, f.conn.sent())
}

func TestSet_ValidationErrors(t *testing.T) {
	f := newFixture(t, config.PendingDrop)

	tests := []struct {
		name  string
		acc   string
		c     accessory.Characteristic
		value any
		want  error
	}{
		{name: "unknown accessory", acc: "ghost", c: accessory.On, value: true, want: accessory.ErrUnknownAccessory},
		{name: "unknown characteristic", acc: "lamp1", c: accessory.Brightness, value: 3, want: accessory.ErrUnknownCharacteristic},
		{name: "missing value", acc: "lamp1", c: accessory.On, value: nil, want: accessory.ErrMissingValue},
		{name: "out of range", acc: "cover", c: accessory.TargetPosition, value: 101, want: accessory.ErrOutOfRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, f.engine.Set(tt.acc, tt.c, tt.value), tt.want)
		})
	}
	assert.Empty(t, f.conn.sent())
	assert.Empty(t, f.engine.Pending())
}

func TestSet_ContinuousIsCoalesced(t *testing.T) {
	f := newFixture(t, config.PendingDrop)

	for _, v := range []int{10, 20, 30} {
		require.NoError(t, f.engine.Set("dimmer", accessory.Brightness, v))
	}
	assert.Empty(t, f.conn.sent())
	require.Len(t, f.engine.Pending(), 1)

	require.Eventually(t, func() bool { return len(f.conn.sent()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.JSONEq(t, `{"topic":"set","payload":{"name":"dimmer","characteristic":"Brightness","value":30}}`, f.conn.sent()[0])
}

func TestInbound_TogglesAccessory(t *testing.T) {
	f := newFixture(t, config.PendingDrop)

	f.conn.deliver(`{"e":"changed","id":"7"}`)
	v, err := f.dir.Value("lamp1", accessory.On)
	require.NoError(t, err)
	assert.Equal(t, true, v)

	f.conn.deliver(`not json`)
	f.conn.deliver(`{"e":"changed","id":"unknown"}`)
	v, err = f.dir.Value("lamp1", accessory.On)
	require.NoError(t, err)
	assert.Equal(t, true, v)
	assert.Empty(t, f.conn.sent(), "inbound events are not echoed")
}

func TestDisconnect_DropsPending(t *testing.T) {
	f := newFixture(t, config.PendingDrop)

	require.NoError(t, f.engine.Set("dimmer", accessory.Brightness, 40))
	require.NoError(t, f.engine.Set("cover", accessory.TargetPosition, 60))
	f.conn.drop()

	assert.Empty(t, f.engine.Pending())
	time.Sleep(debounce.Window + 100*time.Millisecond)
	assert.Empty(t, f.conn.sent())
}

func TestDisconnect_FailPolicyFlushes(t *testing.T) {
	f := newFixture(t, config.PendingFail)

	require.NoError(t, f.engine.Set("dimmer", accessory.Brightness, 40))
	f.conn.drop()

	assert.Empty(t, f.engine.Pending())
	// flushed sends fail against the closed connection and are only logged
	assert.Empty(t, f.conn.sent())
}

// disconnectingDir drops the connection from another goroutine while a
// write is being validated.
type disconnectingDir struct {
	*accessory.Directory
	conn   *fakeConn
	closed chan struct{}
}

func (d *disconnectingDir) Validate(name string, c accessory.Characteristic, value any) (any, error) {
	go func() {
		d.conn.drop()
		close(d.closed)
	}()
	for d.conn.State() != connection.Disconnected {
		time.Sleep(time.Millisecond)
	}
	return d.Directory.Validate(name, c, value)
}

func TestSet_DisconnectDuringQueueing(t *testing.T) {
	f := newFixture(t, config.PendingDrop)
	dir := &disconnectingDir{Directory: f.dir, conn: f.conn, closed: make(chan struct{})}
	f.conn.onClose = nil

	e, err := New(Options{
		Directory: dir,
		Conn:      f.conn,
		Router:    router.New(nil, f.dir, testLogger()),
		Debouncer: f.deb,
		Logger:    testLogger(),
	})
	require.NoError(t, err)

	err = e.Set("dimmer", accessory.Brightness, 55)
	assert.ErrorIs(t, err, connection.ErrNotConnected)

	select {
	case <-dir.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("close hook did not run")
	}
	assert.Empty(t, e.Pending())

	time.Sleep(debounce.Window + 100*time.Millisecond)
	assert.Empty(t, f.conn.sent())
}

func TestGet(t *testing.T) {
	f := newFixture(t, config.PendingDrop)

	require.NoError(t, f.engine.Get("cover", accessory.TargetPosition))
	assert.ErrorIs(t, f.engine.Get("cover", accessory.On), accessory.ErrUnknownCharacteristic)

	frames := f.conn.sent()
	require.Len(t, frames, 1)
	assert.JSONEq(t, `{"topic":"get","payload":{"name":"cover","characteristic":"TargetPosition"}}`, frames[0])

	f.conn.state = connection.Disconnected
	assert.ErrorIs(t, f.engine.Get("cover", accessory.TargetPosition), connection.ErrNotConnected)
}

func TestSendAckAndAccessories(t *testing.T) {
	f := newFixture(t, config.PendingDrop)

	require.NoError(t, f.engine.SendAck(true, "accessory 'x' is removed."))
	require.NoError(t, f.engine.SendAccessories(f.dir.List()))

	frames := f.conn.sent()
	require.Len(t, frames, 2)
	assert.JSONEq(t, `{"topic":"response","payload":{"ack":true,"message":"accessory 'x' is removed."}}`, frames[0])

	var out struct {
		Topic   string                `json:"topic"`
		Payload []accessory.Accessory `json:"payload"`
	}
	require.NoError(t, json.Unmarshal([]byte(frames[1]), &out))
	assert.Equal(t, "accessories", out.Topic)
	require.Len(t, out.Payload, 3)
	assert.Equal(t, "cover", out.Payload[0].Name)

	f.conn.state = connection.Disconnected
	assert.ErrorIs(t, f.engine.SendAck(false, "x"), connection.ErrNotConnected)
}
