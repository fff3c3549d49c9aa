// Package xray is the public API for embedding the xray pipeline trace server.
//
// Consumers import this package to construct and run the server without
// forking it:
//
//	app, err := xray.New(
//	    xray.WithVersion(version),
//	    xray.WithLogger(logger),
//	    xray.WithMiddleware(myMiddleware),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// Configuration comes from environment variables (see internal/config);
// options override individual values. The instrumentation SDK lives in
// sdk/go/xray.
package xray

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/xray/internal/auth"
	"github.com/ashita-ai/xray/internal/config"
	"github.com/ashita-ai/xray/internal/ingest"
	"github.com/ashita-ai/xray/internal/mcp"
	"github.com/ashita-ai/xray/internal/server"
	"github.com/ashita-ai/xray/internal/storage"
	"github.com/ashita-ai/xray/internal/storage/sqlite"
	"github.com/ashita-ai/xray/internal/telemetry"
	"github.com/ashita-ai/xray/migrations"
)

// shutdownTimeout bounds the HTTP drain during Shutdown.
const shutdownTimeout = 10 * time.Second

// Middleware wraps the HTTP handler chain.
type Middleware func(http.Handler) http.Handler

// App is the xray server lifecycle. Construct with New(), run with Run().
type App struct {
	cfg          config.Config
	store        storage.Store
	srv          *server.Server
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the xray server. It opens the configured store, runs
// migrations for PostgreSQL, wires ingestion, auth, MCP and HTTP, and returns
// a ready-to-run App. It does NOT accept HTTP connections; call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.Store = config.StorePostgres
		cfg.DatabaseURL = o.databaseURL
	}
	if o.sqlitePath != "" {
		cfg.Store = config.StoreSQLite
		cfg.SQLitePath = o.sqlitePath
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("xray starting", "version", version, "port", cfg.Port, "store", cfg.Store)

	ctx := context.Background()
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		_ = otelShutdown(ctx)
		return nil, err
	}

	var jwtMgr *auth.JWTManager
	var apiKeyHash string
	if cfg.AuthEnabled() {
		apiKeyHash = cfg.APIKeyHash
		if cfg.APIKey == "" {
			if err := auth.CheckHash(apiKeyHash); err != nil {
				store.Close(ctx)
				_ = otelShutdown(ctx)
				return nil, fmt.Errorf("XRAY_API_KEY_HASH: %w", err)
			}
		} else {
			if apiKeyHash, err = auth.HashAPIKey(cfg.APIKey); err != nil {
				store.Close(ctx)
				_ = otelShutdown(ctx)
				return nil, fmt.Errorf("auth: hash api key: %w", err)
			}
		}
		if jwtMgr, err = auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration); err != nil {
			store.Close(ctx)
			_ = otelShutdown(ctx)
			return nil, fmt.Errorf("auth: %w", err)
		}
		logger.Info("auth: bearer tokens required")
	} else {
		logger.Warn("auth: disabled (no XRAY_API_KEY), API is open")
	}

	svc := ingest.NewService(store, logger)

	srvCfg := server.ServerConfig{
		Store:               store,
		Ingest:              svc,
		Logger:              logger,
		JWTMgr:              jwtMgr,
		APIKeyHash:          apiKeyHash,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		StoreName:           cfg.Store,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	}
	if cfg.MCPEnabled {
		srvCfg.MCPServer = mcp.New(store, logger, version).MCPServer()
	}
	for _, mw := range o.middlewares {
		srvCfg.Middlewares = append(srvCfg.Middlewares, mw)
	}

	return &App{
		cfg:          cfg,
		store:        store,
		srv:          server.New(srvCfg),
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// openStore connects the configured backend. PostgreSQL gets the embedded
// migrations applied before use.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (storage.Store, error) {
	switch cfg.Store {
	case config.StoreSQLite:
		s, err := sqlite.New(cfg.SQLitePath, logger)
		if err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
		return s, nil
	default:
		db, err := storage.New(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
		if err := db.RunMigrations(ctx, migrations.FS); err != nil {
			db.Close(ctx)
			return nil, fmt.Errorf("migrations: %w", err)
		}
		return db, nil
	}
}

// Handler returns the root HTTP handler. Useful for tests and for serving
// xray from an existing http.Server.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// Run serves HTTP until ctx is cancelled or the server fails, then shuts
// down. Callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return a.Shutdown(context.Background())
	})
	return g.Wait()
}

// Shutdown stops accepting requests, drains in-flight ones, then closes the
// store and the OTEL providers.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("xray shutting down")

	httpCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	err := a.srv.Shutdown(httpCtx)
	cancel()
	if err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}

	if err := a.otelShutdown(ctx); err != nil {
		a.logger.Warn("telemetry shutdown error", "error", err)
	}
	a.store.Close(ctx)

	a.logger.Info("xray stopped")
	return err
}
