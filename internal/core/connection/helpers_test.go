package connection

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeGateway is a websocket server recording what clients send.
type fakeGateway struct {
	srv      *httptest.Server
	accepted chan *websocket.Conn

	mu       sync.Mutex
	conns    []*websocket.Conn
	received []string
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	g := &fakeGateway{accepted: make(chan *websocket.Conn, 16)}
	upgrader := websocket.Upgrader{}
	g.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		g.mu.Lock()
		g.conns = append(g.conns, ws)
		g.mu.Unlock()
		g.accepted <- ws

		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			g.mu.Lock()
			g.received = append(g.received, string(data))
			g.mu.Unlock()
		}
	}))
	t.Cleanup(func() {
		g.closeAll()
		g.srv.Close()
	})
	return g
}

func (g *fakeGateway) endpoint() string {
	return "ws" + strings.TrimPrefix(g.srv.URL, "http")
}

func (g *fakeGateway) next(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case ws := <-g.accepted:
		return ws
	case <-time.After(5 * time.Second):
		t.Fatal("gateway: no connection accepted")
		return nil
	}
}

func (g *fakeGateway) messages() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.received...)
}

func (g *fakeGateway) closeAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, ws := range g.conns {
		_ = ws.Close()
	}
	g.conns = nil
}

// refusedEndpoint returns a websocket URL nothing listens on.
func refusedEndpoint(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()
	return endpoint
}
