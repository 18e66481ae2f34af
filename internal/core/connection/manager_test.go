package connection

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trymwestin/deconzws/internal/core/transport"
)

func newTestManager() *Manager {
	return NewManager(transport.NewWSDialer(testLogger()), testLogger())
}

func TestManager_ConnectSendReceive(t *testing.T) {
	gw := newFakeGateway(t)
	m := newTestManager()
	defer m.Close()

	var opened atomic.Int32
	m.OnOpen(func() { opened.Add(1) })

	var mu sync.Mutex
	var got []string
	m.OnMessage(func(data []byte) {
		mu.Lock()
		got = append(got, string(data))
		mu.Unlock()
	})

	st, err := m.Connect(context.Background(), gw.endpoint())
	require.NoError(t, err)
	assert.Equal(t, Open, st)
	assert.Equal(t, Open, m.State())
	assert.Equal(t, int32(1), opened.Load())

	ws := gw.next(t)
	require.NoError(t, m.Send([]byte(`{"topic":"get"}`)))
	require.Eventually(t, func() bool { return len(gw.messages()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, `{"topic":"get"}`, gw.messages()[0])

	for _, frame := range []string{`{"e":"1"}`, `{"e":"2"}`, `{"e":"3"}`} {
		require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(frame)))
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{`{"e":"1"}`, `{"e":"2"}`, `{"e":"3"}`}, got)
	mu.Unlock()
}

func TestManager_SendWhileDisconnected(t *testing.T) {
	m := newTestManager()
	assert.ErrorIs(t, m.Send([]byte("{}")), ErrNotConnected)
	assert.Equal(t, Disconnected, m.State())

	select {
	case <-m.Done():
	default:
		t.Fatal("Done should be closed while disconnected")
	}
}

func TestManager_ConnectFailure(t *testing.T) {
	m := newTestManager()

	st, err := m.Connect(context.Background(), refusedEndpoint(t))
	require.Error(t, err)
	assert.Equal(t, Disconnected, st)
	assert.Equal(t, Disconnected, m.State())
	assert.ErrorIs(t, m.Send([]byte("{}")), ErrNotConnected)
}

func TestManager_ConnectTwice(t *testing.T) {
	gw := newFakeGateway(t)
	m := newTestManager()
	defer m.Close()

	_, err := m.Connect(context.Background(), gw.endpoint())
	require.NoError(t, err)

	st, err := m.Connect(context.Background(), gw.endpoint())
	assert.ErrorIs(t, err, ErrAlreadyConnected)
	assert.Equal(t, Open, st)
}

func TestManager_RemoteClose(t *testing.T) {
	gw := newFakeGateway(t)
	m := newTestManager()

	causes := make(chan error, 4)
	m.OnClose(func(cause error) { causes <- cause })

	_, err := m.Connect(context.Background(), gw.endpoint())
	require.NoError(t, err)
	done := m.Done()

	gw.next(t).Close()

	select {
	case cause := <-causes:
		require.Error(t, cause)
		assert.NotErrorIs(t, cause, ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("close hook not called")
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Done not closed")
	}
	assert.Equal(t, Disconnected, m.State())
	assert.ErrorIs(t, m.Send([]byte("{}")), ErrNotConnected)
	assert.Empty(t, causes, "close hook must fire once per session")
}

func TestManager_Close(t *testing.T) {
	gw := newFakeGateway(t)
	m := newTestManager()

	var closes atomic.Int32
	var lastCause atomic.Value
	m.OnClose(func(cause error) {
		closes.Add(1)
		lastCause.Store(cause)
	})

	_, err := m.Connect(context.Background(), gw.endpoint())
	require.NoError(t, err)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	// the read loop's own failure must not fire the hook again
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), closes.Load())
	assert.True(t, errors.Is(lastCause.Load().(error), ErrClosed))

	_, err = m.Connect(context.Background(), gw.endpoint())
	require.NoError(t, err)
	m.Close()
}

func TestManager_KeepaliveKeepsSessionOpen(t *testing.T) {
	gw := newFakeGateway(t)
	m := newTestManager()
	m.pingInterval = 20 * time.Millisecond
	defer m.Close()

	_, err := m.Connect(context.Background(), gw.endpoint())
	require.NoError(t, err)

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, Open, m.State())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "disconnected", Disconnected.String())
	assert.Equal(t, "connecting", Connecting.String())
	assert.Equal(t, "open", Open.String())
}
