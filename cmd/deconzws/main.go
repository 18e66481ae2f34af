// Command deconzws bridges a deCONZ-style websocket gateway to a set of
// named accessories, mirrored over MQTT and an HTTP control API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/trymwestin/deconzws/internal/config"
	"github.com/trymwestin/deconzws/internal/core/accessory"
	"github.com/trymwestin/deconzws/internal/core/connection"
	"github.com/trymwestin/deconzws/internal/core/debounce"
	"github.com/trymwestin/deconzws/internal/core/engine"
	"github.com/trymwestin/deconzws/internal/core/envelope"
	"github.com/trymwestin/deconzws/internal/core/router"
	"github.com/trymwestin/deconzws/internal/core/transport"
	"github.com/trymwestin/deconzws/internal/httpapi"
	"github.com/trymwestin/deconzws/internal/logging"
	"github.com/trymwestin/deconzws/internal/mqtt"
	"github.com/trymwestin/deconzws/internal/platform"
	"github.com/trymwestin/deconzws/internal/store"
)

// set at build time via -ldflags "-X main.version=..."
var version = "dev"

const shutdownTimeout = 5 * time.Second

func main() {
	configPath := flag.String("config", envOr("DECONZWS_CONFIG", "config.yaml"), "path to the YAML configuration file")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := logging.New(cfg.Log)
	log.Info("starting deconzws", "version", version, "config", configPath, "gateway", cfg.Gateway.Endpoint())

	a, err := newApp(cfg, log)
	if err != nil {
		return err
	}
	defer a.close()

	return a.run(ctx)
}

// app holds the wired components of one process.
type app struct {
	cfg        config.Config
	log        *slog.Logger
	store      *store.Store
	bus        *accessory.EventBus
	dir        *accessory.Directory
	manager    *connection.Manager
	supervisor *connection.Supervisor
	engine     *engine.Engine
	platform   *platform.Platform
	publisher  mqtt.Publisher
	http       *http.Server
}

func newApp(cfg config.Config, log *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}

	var persister accessory.Persister
	if cfg.Store.Path != "" {
		st, err := store.Open(cfg.Store)
		if err != nil {
			return nil, fmt.Errorf("opening store: %w", err)
		}
		a.store = st
		persister = st
		log.Info("characteristic store opened", "path", st.Path())
	}

	a.bus = accessory.NewEventBus(log.With("component", "bus"))
	a.dir = accessory.NewDirectory(a.bus, persister, log.With("component", "directory"))

	a.manager = connection.NewManager(transport.NewWSDialer(log.With("component", "transport")), log.With("component", "connection"))
	a.supervisor = connection.NewSupervisor(a.manager, cfg.Gateway.Endpoint(), connection.PolicyFromConfig(cfg.Reconnect), log.With("component", "supervisor"))

	eng, err := engine.New(engine.Options{
		Directory: a.dir,
		Codec:     envelope.Codec{},
		Conn:      a.manager,
		Router:    router.New(cfg.DeviceSettings, a.dir, log.With("component", "router")),
		Debouncer: debounce.New(log.With("component", "debounce")),
		Policy:    cfg.Sync.PendingOnDisconnect,
		Logger:    log.With("component", "engine"),
	})
	if err != nil {
		a.close()
		return nil, err
	}
	a.engine = eng

	a.platform = platform.New(a.dir, eng, a.bus, log.With("component", "platform"))
	a.manager.OnOpen(a.platform.HandleOpen)
	a.manager.OnClose(a.platform.HandleClose)
	a.platform.Bootstrap(cfg.DeviceSettings, cfg.Accessories)

	if cfg.MQTT.Enabled {
		a.publisher = mqtt.NewHAPublisher(cfg.MQTT, a.platform, a.dir, a.bus, log.With("component", "mqtt"))
	} else {
		a.publisher = mqtt.NewStubPublisher(log.With("component", "mqtt"))
	}

	if cfg.HTTP.Enabled {
		srv := httpapi.NewServer(a.platform, a.dir, eng, a.supervisor, cfg.HTTP.CORSAll, log.With("component", "http"))
		a.http = &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}
	return a, nil
}

// run blocks until ctx is cancelled. The gateway supervisor and HTTP start
// first; the MQTT mirror connects alongside them.
func (a *app) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	supErr := make(chan error, 1)
	go func() { supErr <- a.supervisor.Run(ctx) }()

	httpErr := make(chan error, 1)
	if a.http != nil {
		go func() {
			a.log.Info("HTTP API listening", "addr", a.http.Addr)
			if err := a.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				httpErr <- err
			}
		}()
		defer func() {
			stopCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
			defer stop()
			if err := a.http.Shutdown(stopCtx); err != nil {
				a.log.Error("error stopping HTTP API", "error", err)
			}
		}()
	}

	mqttStarted := make(chan bool, 1)
	go func() {
		if err := a.publisher.Start(ctx); err != nil {
			a.log.Error("MQTT mirror disabled", "error", err)
			mqttStarted <- false
			return
		}
		mqttStarted <- true
	}()
	defer func() {
		if !<-mqttStarted {
			return
		}
		stopCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
		defer stop()
		if err := a.publisher.Stop(stopCtx); err != nil {
			a.log.Error("error stopping mqtt", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			a.log.Info("shutting down")
			if supErr != nil {
				<-supErr
			}
			return nil
		case err := <-httpErr:
			cancel()
			if supErr != nil {
				<-supErr
			}
			return fmt.Errorf("http api: %w", err)
		case err := <-supErr:
			// HTTP and MQTT keep serving without a gateway.
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Error("gateway supervisor stopped", "error", err)
			}
			supErr = nil
		}
	}
}

func (a *app) close() {
	if a.manager != nil {
		a.manager.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Error("error closing store", "error", err)
		}
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
