package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/target/memscope/config"
	"github.com/target/memscope/internal/acquisition"
	httpx "github.com/target/memscope/internal/http"
	"github.com/target/memscope/internal/service"
)

// HTTPServerConfig contains configuration for HTTP server.
type HTTPServerConfig struct {
	Config      *config.AppConfig
	Services    ServiceContainer
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

// StartHTTPServer creates and starts the HTTP server.
// Returns the server instance for graceful shutdown.
func StartHTTPServer(cfg *HTTPServerConfig) *http.Server {
	if cfg == nil {
		return nil
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	appCfg := cfg.Config
	if appCfg == nil {
		appCfg = &config.AppConfig{}
	}

	handler := buildHTTPHandler(httpHandlerConfig{
		Logger:   logger,
		Services: buildRouterServices(cfg, appCfg, logger),
	})

	// Long-polls must finish before the write deadline.
	return startServer(logger, handler, appCfg.HTTP.Addr, appCfg.HTTP.WatchTimeout+30*time.Second)
}

func buildRouterServices(cfg *HTTPServerConfig, appCfg *config.AppConfig, logger *slog.Logger) httpx.RouterServices {
	svc := cfg.Services
	services := httpx.RouterServices{
		Capabilities: &httpx.CapabilitiesHandler{
			Caps: svc.Capabilities,
			Disks: []httpx.DiskPath{
				{Name: "dump_dir", Path: appCfg.Pipeline.DumpDir},
				{Name: "work_dir", Path: appCfg.Pipeline.WorkDir},
			},
			DiskFree: acquisition.DiskFree,
			Memory:   mem.VirtualMemoryWithContext,
		},
		ReadyChecks:  buildReadyChecks(cfg),
		WatchTimeout: appCfg.HTTP.WatchTimeout,
		Logger:       logger,
	}
	if svc.Orchestrator != nil {
		services.Jobs = svc.Orchestrator
	}
	if svc.Archive != nil {
		services.Archive = svc.Archive
	}
	if svc.Publisher != nil {
		services.Snapshots = svc.Publisher
	}
	if svc.Observability.Prom != nil {
		services.Metrics = svc.Observability.Prom.Handler()
	}
	return services
}

// buildReadyChecks reports the reachability of every enabled backing store.
func buildReadyChecks(cfg *HTTPServerConfig) map[string]httpx.HealthCheck {
	checks := map[string]httpx.HealthCheck{}
	if cfg.DB != nil {
		checks["postgres"] = cfg.DB.PingContext
	}
	if cfg.Services.Publisher != nil {
		checks["redis"] = cfg.Services.Publisher.Health
	} else if cfg.RedisClient != nil {
		client := cfg.RedisClient
		checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
	}
	return checks
}

type httpHandlerConfig struct {
	Logger   *slog.Logger
	Services httpx.RouterServices
}

func buildHTTPHandler(cfg httpHandlerConfig) http.Handler {
	router := httpx.NewRouter(cfg.Services)

	// Order: Recover -> Logging -> Compression -> Router
	h := httpx.Compression(cfg.Logger)(router)
	h = httpx.Logging(cfg.Logger)(h)
	h = httpx.Recover(cfg.Logger)(h)

	return h
}

func startServer(logger *slog.Logger, handler http.Handler, addr string, writeTimeout time.Duration) *http.Server {
	// Guard against empty addr to avoid listening on Go default
	if addr == "" {
		addr = ":8080"
	}

	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		logger.Info("starting HTTP server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", "error", err)
		}
	}()

	return server
}

// ShutdownConfig contains dependencies for HTTP server shutdown.
type ShutdownConfig struct {
	Context      context.Context
	Server       *http.Server
	Orchestrator *service.Orchestrator
	Logger       *slog.Logger
}

// ShutdownHTTPServer gracefully shuts down the HTTP server.
func ShutdownHTTPServer(cfg ShutdownConfig) error {
	if cfg.Logger != nil {
		cfg.Logger.Info("shutting down HTTP server")
	}

	// Release long-polling watchers first so Shutdown does not wait on them.
	if cfg.Orchestrator != nil {
		cfg.Orchestrator.Close()
	}

	if cfg.Server == nil {
		return nil
	}

	if err := cfg.Server.Shutdown(cfg.Context); err != nil {
		return err
	}

	if cfg.Logger != nil {
		cfg.Logger.Info("HTTP server stopped")
	}

	return nil
}
