package main

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trymwestin/deconzws/internal/config"
	"github.com/trymwestin/deconzws/internal/core/accessory"
	"github.com/trymwestin/deconzws/internal/core/connection"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// closedPort returns a local port with nothing listening on it.
func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Gateway.Host = "127.0.0.1"
	cfg.Gateway.Port = closedPort(t)
	cfg.Reconnect.Enabled = false
	cfg.HTTP.Enabled = false
	cfg.Store.Path = filepath.Join(t.TempDir(), "state.db")
	cfg.DeviceSettings = []config.DeviceSetting{{ID: "7", Name: "lamp1", Type: config.TypeToggleSwitch}}
	cfg.Accessories = []config.AccessoryDef{{Name: "cover", Service: "WindowCovering"}}
	return cfg
}

func TestNewApp_WiresAccessories(t *testing.T) {
	a, err := newApp(testConfig(t), discardLogger())
	require.NoError(t, err)
	defer a.close()

	list := a.dir.List()
	require.Len(t, list, 2)
	assert.Equal(t, "cover", list[0].Name)
	assert.Equal(t, accessory.ServiceWindowCovering, list[0].Service)
	assert.Equal(t, "lamp1", list[1].Name)
	assert.Equal(t, accessory.ServiceSwitch, list[1].Service)

	assert.NotNil(t, a.store)
	assert.Nil(t, a.http)
	assert.Equal(t, connection.Disconnected, a.engine.State())
}

func TestApp_RunSurvivesUnreachableGateway(t *testing.T) {
	a, err := newApp(testConfig(t), discardLogger())
	require.NoError(t, err)
	defer a.close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.run(ctx) }()

	time.Sleep(200 * time.Millisecond)
	select {
	case err := <-done:
		t.Fatalf("run returned early: %v", err)
	default:
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}

func TestApp_RunConnectsGatewayWhileBrokerUnreachable(t *testing.T) {
	accepted := make(chan struct{}, 4)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		accepted <- struct{}{}
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := net.LookupPort("tcp", u.Port())
	require.NoError(t, err)

	cfg := testConfig(t)
	cfg.Gateway.Port = port
	cfg.MQTT.Enabled = true
	cfg.MQTT.Broker = "tcp://127.0.0.1:1"

	a, err := newApp(cfg, discardLogger())
	require.NoError(t, err)
	defer a.close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.run(ctx) }()

	select {
	case <-accepted:
	case <-time.After(3 * time.Second):
		t.Fatal("gateway was not dialed while the broker is unreachable")
	}
	require.Eventually(t, func() bool { return a.engine.State() == connection.Open }, 3*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(20 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("gateway:\n  port: 80\n"), 0o600))
	t.Setenv("DECONZWS_GATEWAY_HOST", "")

	err := run(context.Background(), path)
	assert.ErrorIs(t, err, config.ErrInvalid)
}
