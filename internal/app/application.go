package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"quizcast/internal/activity"
	"quizcast/internal/analytics"
	"quizcast/internal/api"
	"quizcast/internal/broadcast"
	"quizcast/internal/config"
	"quizcast/internal/database"
	"quizcast/internal/heartbeat"
	"quizcast/internal/hub"
	"quizcast/internal/registry"
	"quizcast/internal/router"
	"quizcast/internal/websocket"
	"quizcast/pkg/interfaces"
)

// ReasonShutdown is the close reason sent to clients when the server stops
const ReasonShutdown = "server shutting down"

// Application owns every component and their start/stop order
type Application struct {
	config     *config.Config
	logger     zerolog.Logger
	audit      *database.Manager
	registry   *registry.Registry
	store      *activity.Store
	router     *router.Router
	hub        *hub.Hub
	transport  *websocket.Transport
	httpServer *http.Server
	listener   net.Listener
	serveErr   chan error
}

// NewApplication wires components in dependency order:
// audit, registry, store, transport, engine, router, hub, monitor, HTTP
func NewApplication(cfg *config.Config, logger zerolog.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	policy, err := activity.ParseLatePolicy(cfg.Activity.LatePolicy)
	if err != nil {
		return nil, err
	}

	app := &Application{config: cfg, logger: logger.With().Str("component", "app").Logger()}

	var audit interfaces.AuditStore
	if cfg.Audit.Path != "" {
		manager, err := database.NewManager(database.DefaultConfig(cfg.Audit.Path), logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize audit store: %w", err)
		}
		app.audit = manager
		audit = manager
	}

	app.registry = registry.NewRegistry(logger)
	app.store = activity.NewStore(app.registry.Size, policy)
	app.transport = websocket.NewTransport()
	engine := broadcast.NewEngine(app.registry, app.transport, logger)
	cache := analytics.NewCache(cfg.Analytics.SnapshotTTL)

	app.router = router.NewRouter(app.registry, app.store, engine, cache, audit,
		router.Options{EventsPerMinute: cfg.RateLimit.EventsPerMinute}, logger)

	app.hub = hub.NewHub(app.router, cfg.Analytics.EvictionInterval, logger)
	app.hub.AddService(heartbeat.NewMonitor(app.registry, app.hub, app.router, heartbeat.Config{
		Interval:   cfg.Heartbeat.SweepInterval,
		Timeout:    cfg.Heartbeat.ConnectionTimeout,
		ProbeAfter: cfg.Heartbeat.ProbeAfter,
	}, logger))
	app.hub.AddTask(func(now time.Time) {
		if n := cache.Evict(now); n > 0 {
			app.logger.Debug().Int("evicted", n).Msg("expired analytics snapshots evicted")
		}
	})
	app.hub.AddTask(func(time.Time) {
		app.router.Limiter().Cleanup()
	})

	wsHandler := websocket.NewHandler(app.router, app.hub, app.transport, websocket.Options{
		PingInterval:    cfg.WebSocket.PingInterval,
		ReadTimeout:     cfg.WebSocket.ReadTimeout,
		WriteTimeout:    cfg.WebSocket.WriteTimeout,
		QueueSize:       cfg.WebSocket.BufferSize,
		MaxMessageBytes: cfg.WebSocket.MaxMessageBytes,
	}, logger)

	app.httpServer = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           api.NewServer(app.router, audit, wsHandler, logger),
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
	}

	return app, nil
}

// Start runs the hub and begins serving. It returns once the listener is bound.
func (app *Application) Start(ctx context.Context) error {
	if err := app.hub.Start(ctx); err != nil {
		app.closeAudit()
		return fmt.Errorf("failed to start hub: %w", err)
	}

	ln, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		_ = app.hub.Stop()
		app.closeAudit()
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	app.listener = ln
	app.serveErr = make(chan error, 1)

	go func() {
		if err := app.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.serveErr <- fmt.Errorf("HTTP server error: %w", err)
		}
		close(app.serveErr)
	}()

	app.logger.Info().
		Str("addr", ln.Addr().String()).
		Str("late_policy", string(app.store.Policy())).
		Bool("audit", app.audit != nil).
		Msg("quizcast started")
	return nil
}

// Err reports a fatal serve error; the channel closes when serving ends
func (app *Application) Err() <-chan error {
	return app.serveErr
}

// Stop shuts down in reverse order: HTTP, client sockets, hub, audit
func (app *Application) Stop(ctx context.Context) error {
	app.logger.Info().Msg("shutting down")

	var errs []error
	if err := app.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	app.transport.CloseAll(ReasonShutdown)

	if err := app.hub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		errs = append(errs, fmt.Errorf("hub stop: %w", err))
	}
	if err := app.closeAudit(); err != nil {
		errs = append(errs, err)
	}

	app.logger.Info().Msg("shutdown complete")
	return errors.Join(errs...)
}

func (app *Application) closeAudit() error {
	if app.audit == nil {
		return nil
	}
	if err := app.audit.Close(); err != nil {
		return fmt.Errorf("audit close: %w", err)
	}
	return nil
}

// Addr returns the bound address once started, else the configured one
func (app *Application) Addr() string {
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

// Router exposes the event router for embedding and tests
func (app *Application) Router() *router.Router {
	return app.router
}
