// Package app wires the ward session server together.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"wardsim/internal/api"
	"wardsim/internal/auth"
	"wardsim/internal/config"
	"wardsim/internal/database"
	"wardsim/internal/fanout"
	"wardsim/internal/hub"
	"wardsim/internal/redisclient"
	"wardsim/internal/session"
	"wardsim/internal/websocket"
	pkgdatabase "wardsim/pkg/database"
)

// Application coordinates all system components
type Application struct {
	config         *config.Config
	logger         *zap.Logger
	dbManager      *database.Manager
	redis          *redis.Client
	bus            fanout.Bus
	sessionManager *session.Manager
	registry       *websocket.Registry
	messageHub     *hub.Hub
	apiServer      *api.Server
	httpServer     *http.Server
	listenAddr     string

	mu          sync.Mutex
	listener    net.Listener
	stopWatcher context.CancelFunc
	watcherDone chan struct{}
}

// Option adjusts construction
type Option func(*Application)

// WithListenAddr overrides the host:port from configuration
func WithListenAddr(addr string) Option {
	return func(a *Application) { a.listenAddr = addr }
}

// NewApplication builds every component in dependency order:
// Database → Bus → Session → Registry → Hub → WebSocket → API → HTTP
func NewApplication(cfg *config.Config, logger *zap.Logger, opts ...Option) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	app := &Application{
		config:     cfg,
		logger:     logger,
		listenAddr: fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
	}
	for _, opt := range opts {
		opt(app)
	}

	authenticator, err := auth.New(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize authenticator: %w", err)
	}

	// STEP 1: database and schema
	dbConfig := pkgdatabase.DefaultConfig()
	dbConfig.DatabasePath = cfg.Database.Path
	dbConfig.WriteTimeout = cfg.Database.Timeout
	dbManager, err := database.NewManager(dbConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}
	if err := dbManager.Migrate(); err != nil {
		_ = dbManager.Close()
		return nil, fmt.Errorf("failed to apply database migrations: %w", err)
	}
	logger.Info("database migrations applied", zap.String("path", cfg.Database.Path))
	app.dbManager = dbManager

	// STEP 2: fan-out bus, in process unless redis is enabled
	if cfg.Redis.Enabled {
		client, err := redisclient.Connect(context.Background(), cfg.Redis, 5*time.Second)
		if err != nil {
			app.closeStores()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		app.redis = client
		bus, err := fanout.NewRedisBus(context.Background(), client, cfg.Redis.Channel, logger)
		if err != nil {
			app.closeStores()
			return nil, fmt.Errorf("failed to subscribe to %s: %w", cfg.Redis.Channel, err)
		}
		app.bus = bus
	} else {
		app.bus = fanout.NewLocalBus()
	}

	// STEP 3: session manager, primed from the database
	app.sessionManager = session.NewManager(dbManager, app.bus, session.WithLogger(logger))
	if err := app.sessionManager.LoadActiveSessions(context.Background()); err != nil {
		app.closeStores()
		return nil, fmt.Errorf("failed to load active sessions: %w", err)
	}

	// STEP 4: connection registry and hub
	app.registry = websocket.NewRegistry(logger)
	app.messageHub = hub.NewHub(app.registry, app.sessionManager, dbManager, app.bus, hub.Config{
		UpdateRate:  cfg.Session.UpdateRate,
		UpdateBurst: cfg.Session.UpdateBurst,
	}, logger)

	// STEP 5: WebSocket handler
	wsHandler := websocket.NewHandler(app.registry, authenticator, app.messageHub, websocket.Options{
		HandshakeTimeout: cfg.WebSocket.HandshakeTimeout,
		PingInterval:     cfg.WebSocket.PingInterval,
		ReadTimeout:      cfg.WebSocket.ReadTimeout,
		BufferSize:       cfg.WebSocket.BufferSize,
		AllowedOrigins:   cfg.HTTP.AllowedOrigins,
	}, logger)

	// STEP 6: REST API with the socket endpoints mounted
	app.apiServer = api.NewServer(api.Dependencies{
		Sessions:      app.sessionManager,
		Database:      dbManager,
		Verifier:      authenticator,
		Stats:         app.messageHub,
		WebSocket:     wsHandler.HandleWebSocket,
		AllowedOrigin: corsOrigin(cfg.HTTP.AllowedOrigins),
		Logger:        logger,
	})

	app.httpServer = &http.Server{
		Addr:         app.listenAddr,
		Handler:      app.apiServer,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}
	return app, nil
}

// corsOrigin echoes a single configured origin; anything else means "*"
func corsOrigin(origins []string) string {
	if len(origins) == 1 && origins[0] != "*" {
		return origins[0]
	}
	return ""
}

// Start runs the hub and the expiry watcher, then begins serving
func (app *Application) Start(ctx context.Context) error {
	app.logger.Info("starting wardsim server", zap.String("addr", app.listenAddr))

	if err := app.messageHub.Start(ctx); err != nil {
		return fmt.Errorf("failed to start message hub: %w", err)
	}

	ln, err := net.Listen("tcp", app.listenAddr)
	if err != nil {
		_ = app.messageHub.Stop()
		return fmt.Errorf("failed to listen on %s: %w", app.listenAddr, err)
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		app.sessionManager.RunExpiryWatcher(watchCtx, app.config.Session.ExpiryCheckInterval)
	}()

	app.mu.Lock()
	app.listener = ln
	app.stopWatcher = cancel
	app.watcherDone = done
	app.mu.Unlock()

	go func() {
		if err := app.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	app.logger.Info("wardsim server started", zap.String("addr", ln.Addr().String()))
	return nil
}

// Stop shuts down in reverse dependency order: HTTP → watcher → Hub → Bus → stores
func (app *Application) Stop(ctx context.Context) error {
	app.logger.Info("shutting down wardsim server")

	var errs []error
	if err := app.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP server shutdown: %w", err))
	}

	app.mu.Lock()
	cancel, done := app.stopWatcher, app.watcherDone
	app.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}

	if err := app.messageHub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		errs = append(errs, fmt.Errorf("message hub shutdown: %w", err))
	}
	app.closeStores()

	app.logger.Info("wardsim server shutdown complete")
	return errors.Join(errs...)
}

func (app *Application) closeStores() {
	if app.bus != nil {
		if err := app.bus.Close(); err != nil {
			app.logger.Warn("bus shutdown error", zap.Error(err))
		}
	}
	if app.redis != nil {
		if err := app.redis.Close(); err != nil {
			app.logger.Warn("redis shutdown error", zap.Error(err))
		}
	}
	if app.dbManager != nil {
		if err := app.dbManager.Close(); err != nil {
			app.logger.Warn("database shutdown error", zap.Error(err))
		}
	}
}

// GetAddr returns the bound address once started, else the configured one
func (app *Application) GetAddr() string {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.listenAddr
}

// Handler exposes the HTTP surface for in-process tests
func (app *Application) Handler() http.Handler {
	return app.apiServer
}
