// Package app assembles the server from its components and owns their
// lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"storyboard/internal/api"
	"storyboard/internal/cache"
	"storyboard/internal/config"
	"storyboard/internal/database"
	"storyboard/internal/fanout"
	"storyboard/internal/logging"
	"storyboard/internal/metrics"
	"storyboard/internal/notify"
	"storyboard/internal/room"
	"storyboard/internal/session"
	"storyboard/internal/websocket"
	dbconfig "storyboard/pkg/database"
	"storyboard/pkg/interfaces"
)

// Options carries what the caller supplies beyond the config file.
type Options struct {
	// Logger overrides the logger built from cfg.Log.
	Logger  *slog.Logger
	Version string
}

// Application coordinates all system components
// Clean dependency injection pattern with proper initialization order
type Application struct {
	config   *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry

	cache      *cache.Cache
	dbManager  *database.Manager
	rooms      *room.Registry
	fanout     *fanout.Registry
	dispatcher *notify.Dispatcher
	sessions   *session.Registry
	wsHandler  *websocket.Handler
	apiServer  *api.Server
	httpServer *http.Server

	mu       sync.Mutex
	listener net.Listener
	serveErr chan error
	stopOnce sync.Once
	stopErr  error
}

// NewApplication builds every component. Component initialization follows
// strict dependency order:
// Logging → Metrics → Cache → Database → Rooms → Fanout → Notify → Sessions → Gateway → API → HTTP
func NewApplication(cfg *config.Config, opts Options) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	// Validate configuration before component initialization
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	roles, err := cfg.RoleTable()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	// STEP 1: Cache, Redis when configured, otherwise in-process only
	var primary cache.Backend
	if cfg.Cache.RedisAddr != "" {
		primary = cache.NewRedisBackend(cache.RedisOptions{
			Addr:        cfg.Cache.RedisAddr,
			Password:    cfg.Cache.RedisPassword,
			DB:          cfg.Cache.RedisDB,
			DialTimeout: cfg.Cache.DialTimeout,
		})
	}
	c := cache.New(cache.Options{
		Primary:         primary,
		Prefix:          cfg.Cache.KeyPrefix,
		ProbeInterval:   cfg.Cache.ProbeInterval,
		JanitorInterval: cfg.Cache.JanitorInterval,
		Logger:          logger,
		Metrics:         m,
	})

	// STEP 2: Database manager and schema
	dbManager, err := OpenDatabase(context.Background(), cfg.Database, logger)
	if err != nil {
		_ = c.Close()
		return nil, err
	}

	// STEP 3: Presence and delivery
	rooms := room.NewRegistry(room.Options{
		GracePeriod: cfg.Session.EmptyGracePeriod,
		Cache:       c,
		CacheTTL:    cfg.Cache.RoomTTL,
		Logger:      logger,
		Metrics:     m,
	})
	fo := fanout.NewRegistry(logger, m)

	// STEP 4: Notifications never block a session
	var downstream interfaces.Notifier = notify.NewLogNotifier(logger)
	if cfg.Notify.WebhookURL != "" {
		downstream = notify.NewWebhookNotifier(cfg.Notify.WebhookURL, nil, cfg.Notify.Timeout)
	}
	dispatcher := notify.NewDispatcher(downstream, notify.Options{
		QueueSize: cfg.Notify.QueueSize,
		Timeout:   cfg.Notify.Timeout,
		Logger:    logger,
		Metrics:   m,
	})

	// STEP 5: Session coordinator
	sessions := session.NewRegistry(session.Options{
		Rooms:             rooms,
		Fanout:            fo,
		Cache:             c,
		Store:             dbManager,
		Notifier:          dispatcher,
		Roles:             roles,
		LeaseDuration:     cfg.Session.LeaseDuration,
		SnapshotTTL:       cfg.Cache.SnapshotTTL,
		PersistTimeout:    cfg.Session.PersistTimeout,
		ChangeLogCapacity: cfg.Session.ChangeLogCapacity,
		QueueSize:         cfg.Session.QueueSize,
		Logger:            logger,
		Metrics:           m,
	})

	// STEP 6: Gateway and HTTP surface
	wsHandler := websocket.NewHandler(sessions, cfg.WebSocket, logger, m)
	apiServer := api.NewServer(api.Deps{
		Sessions: sessions,
		Rooms:    rooms,
		Fanout:   fo,
		Cache:    c,
		Store:    dbManager,
		Gateway:  wsHandler,
		Gatherer: reg,
		Logger:   logger,
		Version:  opts.Version,
	})

	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           apiServer,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		ErrorLog:          slog.NewLogLogger(logging.Component(logger, "http").Handler(), slog.LevelWarn),
	}

	return &Application{
		config:     cfg,
		logger:     logging.Component(logger, "app"),
		registry:   reg,
		cache:      c,
		dbManager:  dbManager,
		rooms:      rooms,
		fanout:     fo,
		dispatcher: dispatcher,
		sessions:   sessions,
		wsHandler:  wsHandler,
		apiServer:  apiServer,
		httpServer: httpServer,
		serveErr:   make(chan error, 1),
	}, nil
}

// DatabaseConfig maps the database section onto the driver settings.
func DatabaseConfig(cfg *config.DatabaseConfig) *dbconfig.Config {
	dbCfg := dbconfig.DefaultConfig()
	dbCfg.DatabasePath = cfg.Path
	dbCfg.MaxConnections = cfg.MaxConnections
	dbCfg.WriteTimeout = cfg.Timeout
	if cfg.RetryDelay > 0 {
		dbCfg.RetryDelay = cfg.RetryDelay
	}
	return dbCfg
}

// OpenDatabase opens the store and applies pending migrations.
func OpenDatabase(ctx context.Context, cfg *config.DatabaseConfig, logger *slog.Logger) (*database.Manager, error) {
	dbManager, err := database.NewManager(DatabaseConfig(cfg), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}

	// Apply database migrations to ensure schema is up to date
	applied, err := dbconfig.NewMigrationManager(dbManager.GetDB()).ApplyMigrations(ctx)
	if err != nil {
		_ = dbManager.Close()
		return nil, fmt.Errorf("failed to apply database migrations: %w", err)
	}
	if len(applied) > 0 {
		logging.Component(logger, "database").Info("database migrations applied", "versions", applied)
	}
	return dbManager, nil
}

// Start binds the listener and serves in the background. Errors binding the
// address are returned; later serve errors arrive on Run.
func (app *Application) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ln, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	app.mu.Lock()
	app.listener = ln
	app.mu.Unlock()
	app.cache.Start()

	go func() {
		if err := app.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.serveErr <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	app.logger.Info("storyboard started", "addr", ln.Addr().String())
	return nil
}

// Run starts the application and blocks until ctx is cancelled or the HTTP
// server fails, then stops everything within shutdownTimeout.
func (app *Application) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	if err := app.Start(ctx); err != nil {
		_ = app.Stop(context.Background())
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case err := <-app.serveErr:
			return err
		case <-gctx.Done():
			return nil
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return app.Stop(stopCtx)
	})
	return g.Wait()
}

// Stop gracefully shuts down the application. It is safe to call more than
// once. Order: gateway → HTTP → sessions (final flush) → notifications →
// rooms → cache → database.
func (app *Application) Stop(ctx context.Context) error {
	app.stopOnce.Do(func() {
		app.logger.Info("shutting down storyboard")
		var errs []error

		// Hijacked WebSockets are invisible to http.Server.Shutdown.
		if err := app.wsHandler.Close(); err != nil {
			errs = append(errs, fmt.Errorf("websocket handler: %w", err))
		}
		if err := app.httpServer.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, fmt.Errorf("http server: %w", err))
		}
		if err := app.sessions.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("sessions: %w", err))
		}
		if err := app.dispatcher.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("notifications: %w", err))
		}
		app.rooms.Close()
		if err := app.cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("cache: %w", err))
		}
		if err := app.dbManager.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}

		app.stopErr = errors.Join(errs...)
		if app.stopErr != nil {
			app.logger.Error("shutdown finished with errors", "error", app.stopErr)
		} else {
			app.logger.Info("shutdown complete")
		}
	})
	return app.stopErr
}

// Addr is the bound address once started, the configured one before.
func (app *Application) Addr() string {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

// Handler exposes the HTTP handler for in-process tests.
func (app *Application) Handler() http.Handler {
	return app.apiServer
}
