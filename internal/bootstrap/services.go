package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/target/memscope/config"
	"github.com/target/memscope/internal/core"
	"github.com/target/memscope/internal/data"
	"github.com/target/memscope/internal/observability/notify/pagerduty"
	"github.com/target/memscope/internal/observability/notify/slack"
	"github.com/target/memscope/internal/observability/prom"
	"github.com/target/memscope/internal/observability/statsd"
	"github.com/target/memscope/internal/pipeline"
	"github.com/target/memscope/internal/report"
	"github.com/target/memscope/internal/service"
	"github.com/target/memscope/internal/service/failurenotifier"
	"github.com/target/memscope/internal/tools"
)

// ServiceContainer holds all application services.
type ServiceContainer struct {
	Orchestrator *service.Orchestrator
	// Archive is nil unless Postgres is enabled.
	Archive *data.JobArchiveRepo
	// Publisher is nil unless Redis is enabled.
	Publisher     *data.RedisJobPublisher
	Tools         *tools.Registry
	Capabilities  tools.Capabilities
	Observability ObservabilityContainer
}

// ObservabilityContainer groups shared observability dependencies.
type ObservabilityContainer struct {
	// Metrics fans out to every enabled sink; nil when none is.
	Metrics         statsd.Sink
	Statsd          *statsd.Client
	Prom            *prom.Sink
	MetricsConfig   config.ObservabilityMetricsConfig
	FailureNotifier *failurenotifier.Service
	NotifierConfig  config.ObservabilityNotificationsConfig
}

// ServiceDeps groups dependencies for service initialization.
type ServiceDeps struct {
	Config      *config.AppConfig
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
	// LookPath overrides binary resolution in the startup tool probe.
	LookPath func(file string) (string, error)
}

// buildObservability configures metrics and notification adapters.
func buildObservability(logger *slog.Logger, cfg config.ObservabilityConfig) ObservabilityContainer {
	obsLogger := logger
	if obsLogger == nil {
		obsLogger = slog.Default()
	}

	var sinks []statsd.Sink
	var statsdClient *statsd.Client
	if cfg.Metrics.IsEnabled() {
		client, err := statsd.NewClient(statsd.Config{
			Enabled: true,
			Address: cfg.Metrics.StatsdAddress,
			Prefix:  cfg.Metrics.StatsdPrefix,
			Logger:  obsLogger,
		})
		if err != nil {
			obsLogger.Error("failed to initialise statsd client", "error", err)
		} else {
			statsdClient = client
			sinks = append(sinks, client)
		}
	}

	var promSink *prom.Sink
	if cfg.Metrics.PrometheusEnabled {
		promSink = prom.NewSink(prom.Options{Namespace: "memscope", Logger: obsLogger})
		sinks = append(sinks, promSink)
	}

	return ObservabilityContainer{
		Metrics:         statsd.NewFanout(sinks...),
		Statsd:          statsdClient,
		Prom:            promSink,
		MetricsConfig:   cfg.Metrics,
		FailureNotifier: buildFailureNotifier(obsLogger, cfg.Notifications),
		NotifierConfig:  cfg.Notifications,
	}
}

func buildFailureNotifier(logger *slog.Logger, cfg config.ObservabilityNotificationsConfig) *failurenotifier.Service {
	baseLogger := logger
	if baseLogger == nil {
		baseLogger = slog.Default()
	}

	if !cfg.Enabled {
		return failurenotifier.NewService(failurenotifier.Options{Logger: baseLogger})
	}

	sinks := make([]failurenotifier.SinkRegistration, 0, 2)

	if cfg.Slack.Enabled {
		client, err := slack.NewClient(slack.Config{
			WebhookURL:   cfg.Slack.WebhookURL,
			Channel:      cfg.Slack.Channel,
			Username:     cfg.Slack.Username,
			Timeout:      cfg.Timeout,
			RetryLimit:   cfg.RetryLimit,
			JobURLPrefix: cfg.Slack.JobURLPrefix,
		})
		if err != nil {
			baseLogger.Error("failed to initialise slack notifier", "error", err)
		} else {
			sinks = append(sinks, failurenotifier.SinkRegistration{
				Name: "slack",
				Sink: client,
			})
		}
	}

	if cfg.PagerDuty.Enabled {
		client, err := pagerduty.NewClient(pagerduty.Config{
			RoutingKey: cfg.PagerDuty.RoutingKey,
			Source:     cfg.PagerDuty.Source,
			Component:  cfg.PagerDuty.Component,
			Timeout:    cfg.Timeout,
			RetryLimit: cfg.RetryLimit,
		})
		if err != nil {
			baseLogger.Error("failed to initialise pagerduty notifier", "error", err)
		} else {
			sinks = append(sinks, failurenotifier.SinkRegistration{
				Name: "pagerduty",
				Sink: client,
			})
		}
	}

	svc := failurenotifier.NewService(failurenotifier.Options{
		Logger: baseLogger,
		Sinks:  sinks,
	})
	baseLogger.Info("failure notifications enabled", "sinks", svc.SinkNames())
	return svc
}

// buildStores wraps the optional Postgres archive and Redis publisher.
func buildStores(deps *ServiceDeps) (*data.JobArchiveRepo, *data.RedisJobPublisher, error) {
	var archive *data.JobArchiveRepo
	if deps.DB != nil {
		repo, err := data.NewJobArchiveRepo(deps.DB)
		if err != nil {
			return nil, nil, fmt.Errorf("job archive: %w", err)
		}
		archive = repo
	}

	var publisher *data.RedisJobPublisher
	if deps.RedisClient != nil {
		var redisCfg config.RedisConfig
		if deps.Config != nil {
			redisCfg = deps.Config.Redis
		}
		pub, err := data.NewRedisJobPublisher(data.RedisJobPublisherOptions{
			Client:      deps.RedisClient,
			KeyPrefix:   redisCfg.KeyPrefix,
			SnapshotTTL: redisCfg.SnapshotTTL,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("job publisher: %w", err)
		}
		publisher = pub
	}
	return archive, publisher, nil
}

// NewServices builds the tool registry, the phase plan and the orchestrator that owns the job
// table. It fails when the plan or the report format is unusable.
func NewServices(ctx context.Context, deps *ServiceDeps) (ServiceContainer, error) {
	if deps == nil || deps.Config == nil {
		return ServiceContainer{}, errors.New("service config is required")
	}
	cfg := deps.Config
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if err := ensureDirs(cfg.Pipeline); err != nil {
		return ServiceContainer{}, err
	}

	observability := buildObservability(logger, cfg.Observability)
	archive, publisher, err := buildStores(deps)
	if err != nil {
		return ServiceContainer{}, err
	}

	ts, err := buildToolset(ctx, toolsetOptions{
		Tools:    cfg.Tools,
		Pipeline: cfg.Pipeline,
		Logger:   logger,
		LookPath: deps.LookPath,
	})
	if err != nil {
		return ServiceContainer{}, err
	}

	plan, err := loadPlan(cfg.Pipeline, ts)
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("phase plan: %w", err)
	}

	renderer, err := report.New(cfg.Pipeline.ReportFormat)
	if err != nil {
		return ServiceContainer{}, err
	}

	observers := service.ObserverDeps{
		Logger:   logger,
		Metrics:  observability.Metrics,
		Failures: observability.FailureNotifier,
	}
	if publisher != nil {
		observers.Publisher = publisher
	}

	opts := service.OrchestratorOptions{
		Pipeline: service.PipelineDeps{
			Runner: pipeline.NewPhaseRunner(pipeline.RunnerOptions{
				Adapters:      ts.Registry,
				Available:     ts.Available,
				ToolTimeout:   cfg.Pipeline.ToolTimeout,
				KeepArtifacts: cfg.Pipeline.KeepArtifacts,
				Logger:        logger,
			}),
			Aggregator: pipeline.NewAggregator(pipeline.DefaultCategoryRules()),
			Renderer:   renderer,
			Workspace:  pipeline.NewWorkspace(cfg.Pipeline.WorkDir),
			Plan:       plan,
		},
		Config: service.OrchestratorConfig{
			Concurrency:          cfg.Pipeline.Concurrency,
			MaxJobs:              cfg.Pipeline.MaxJobs,
			ReportMandatory:      cfg.Pipeline.ReportMandatory,
			KeepPartialOnFailure: cfg.Pipeline.KeepPartialOnFailure,
			KeepResultsOnCancel:  cfg.Pipeline.KeepResultsOnCancel,
		},
		Observers: observers,
	}
	if archive != nil {
		opts.Archive = archive
	}
	orchestrator, err := service.NewOrchestrator(opts)
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("create orchestrator: %w", err)
	}

	logger.InfoContext(ctx, "pipeline ready",
		"phases", len(plan.Phases),
		"tools", ts.Registry.Names(),
		"concurrency", cfg.Pipeline.Concurrency,
		"max_jobs", cfg.Pipeline.MaxJobs,
		"report_format", renderer.Format(),
	)

	return ServiceContainer{
		Orchestrator:  orchestrator,
		Archive:       archive,
		Publisher:     publisher,
		Tools:         ts.Registry,
		Capabilities:  ts.Capabilities,
		Observability: observability,
	}, nil
}

// archiveDeps returns the archive as the evictor's interfaces, leaving them nil without Postgres.
//
//nolint:ireturn // the evictor treats nil interfaces as "no archive".
func (s ServiceContainer) archiveDeps() (core.JobArchiveRepository, service.ArchivePruner) {
	if s.Archive == nil {
		return nil, nil
	}
	return s.Archive, s.Archive
}

// ServiceOrchestrationConfig contains configuration for service orchestration.
type ServiceOrchestrationConfig struct {
	Config      *config.AppConfig
	Services    ServiceContainer
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

const (
	// shutdownWaitTimeout is the maximum time to wait for services to stop gracefully.
	shutdownWaitTimeout = 15 * time.Second
)

// serviceStartupDeps groups dependencies for service startup.
type serviceStartupDeps struct {
	ctx             context.Context
	cfg             *ServiceOrchestrationConfig
	logger          *slog.Logger
	enabledServices map[config.ServiceMode]bool
	errCh           chan error
}

// backgroundService describes a startable background component.
type backgroundService struct {
	mode  config.ServiceMode
	name  string
	start func(context.Context) error
}

// backgroundServiceHandle tracks a running background service.
type backgroundServiceHandle struct {
	mode config.ServiceMode
	name string
	done <-chan struct{}
}

// startHTTPServerIfEnabled starts the HTTP server if enabled.
func startHTTPServerIfEnabled(deps *serviceStartupDeps) *http.Server {
	if deps == nil || deps.cfg == nil || !deps.enabledServices[config.ServiceModeHTTP] {
		return nil
	}
	return StartHTTPServer(&HTTPServerConfig{
		Config:      deps.cfg.Config,
		Services:    deps.cfg.Services,
		DB:          deps.cfg.DB,
		RedisClient: deps.cfg.RedisClient,
		Logger:      deps.logger,
	})
}

func launchBackground(ctx context.Context, deps *serviceStartupDeps, descriptor backgroundService) <-chan struct{} {
	if deps == nil || !deps.enabledServices[descriptor.mode] {
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := descriptor.start(ctx); err != nil {
			errMsg := fmt.Errorf("%s failed: %w", descriptor.name, err)
			select {
			case deps.errCh <- errMsg:
			case <-ctx.Done():
			default:
				deps.logger.WarnContext(ctx, "dropping background service error",
					"service", descriptor.name, "error", errMsg)
			}
		}
	}()

	deps.logger.InfoContext(ctx, "background service started", "service", descriptor.name, "mode", descriptor.mode)
	return done
}

func startBackgroundServices(deps *serviceStartupDeps, services []backgroundService) []backgroundServiceHandle {
	if deps == nil {
		return nil
	}
	handles := make([]backgroundServiceHandle, 0, len(services))

	for _, svc := range services {
		done := launchBackground(deps.ctx, deps, svc)
		if done == nil {
			continue
		}

		handles = append(handles, backgroundServiceHandle{
			mode: svc.mode,
			name: svc.name,
			done: done,
		})
	}

	return handles
}

func newWorkerBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeWorker,
		name: "job worker",
		start: func(ctx context.Context) error {
			if deps == nil || deps.cfg == nil || deps.cfg.Services.Orchestrator == nil {
				return nil
			}
			workers := 0
			if deps.cfg.Config != nil {
				workers = deps.cfg.Config.Pipeline.Concurrency
			}
			return RunWorker(ctx, WorkerConfig{
				Scheduler: deps.cfg.Services.Orchestrator,
				Logger:    deps.logger,
				Workers:   workers,
				Metrics:   deps.cfg.Services.Observability.Metrics,
			})
		},
	}
}

func newEvictorBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeEvictor,
		name: "evictor",
		start: func(ctx context.Context) error {
			if deps == nil || deps.cfg == nil || deps.cfg.Services.Orchestrator == nil {
				return nil
			}
			var evictionCfg config.EvictionConfig
			if deps.cfg.Config != nil {
				evictionCfg = deps.cfg.Config.Eviction
			}
			archive, pruner := deps.cfg.Services.archiveDeps()
			return RunEvictor(ctx, EvictorConfig{
				Jobs:    deps.cfg.Services.Orchestrator,
				Config:  evictionCfg,
				Archive: archive,
				Pruner:  pruner,
				Logger:  deps.logger,
				Metrics: deps.cfg.Services.Observability.Metrics,
			})
		},
	}
}

func buildBackgroundServices(deps *serviceStartupDeps) []backgroundService {
	if deps == nil {
		return nil
	}
	return []backgroundService{
		newWorkerBackgroundService(deps),
		newEvictorBackgroundService(deps),
	}
}

// ServiceStartupResult holds the results of starting all services.
type ServiceStartupResult struct {
	HTTPServer *http.Server
	Background []backgroundServiceHandle
}

// startServices starts all enabled services and returns their completion channels.
func startServices(deps *serviceStartupDeps) ServiceStartupResult {
	return ServiceStartupResult{
		HTTPServer: startHTTPServerIfEnabled(deps),
		Background: startBackgroundServices(deps, buildBackgroundServices(deps)),
	}
}

// RunServicesWithShutdown starts all enabled services and manages their lifecycle.
// This function blocks until a shutdown signal is received or a service fails.
func RunServicesWithShutdown(cfg *ServiceOrchestrationConfig) error {
	if cfg == nil {
		return errors.New("service orchestration config is required")
	}
	serviceCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.Config == nil {
		return errors.New("service orchestration config missing AppConfig")
	}

	enabledServices, err := cfg.Config.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("determine enabled services: %w", err)
	}
	if enabledServices[config.ServiceModeHTTP] && !enabledServices[config.ServiceModeWorker] {
		logger.Warn("http is enabled without worker; submitted jobs will stay pending in this process")
	}
	errCh := make(chan error, errorChannelBufferSize(enabledServices))

	result := startServices(&serviceStartupDeps{
		ctx:             serviceCtx,
		cfg:             cfg,
		logger:          logger,
		enabledServices: enabledServices,
		errCh:           errCh,
	})

	httpShutdown := shutdownWaitTimeout
	if cfg.Config.HTTP.ShutdownTimeout > 0 {
		httpShutdown = cfg.Config.HTTP.ShutdownTimeout
	}

	return waitForShutdown(shutdownConfig{
		ctx:          serviceCtx,
		cancel:       cancel,
		errCh:        errCh,
		httpServer:   result.HTTPServer,
		httpTimeout:  httpShutdown,
		orchestrator: cfg.Services.Orchestrator,
		logger:       logger,
		backgrounds:  result.Background,
	})
}

func errorChannelCapacity(enabled map[config.ServiceMode]bool) int {
	count := 0
	for _, mode := range config.ValidServiceModes() {
		if enabled[mode] {
			count++
		}
	}
	return count
}

func errorChannelBufferSize(enabled map[config.ServiceMode]bool) int {
	return errorChannelCapacity(enabled) + 1
}

// shutdownConfig contains dependencies for graceful shutdown.
type shutdownConfig struct {
	ctx          context.Context
	cancel       context.CancelFunc
	errCh        <-chan error
	httpServer   *http.Server
	httpTimeout  time.Duration
	orchestrator *service.Orchestrator
	logger       *slog.Logger
	backgrounds  []backgroundServiceHandle
	// signals overrides the OS signal source in tests.
	signals <-chan os.Signal
}

// waitForShutdown waits for shutdown signal or service error.
func waitForShutdown(cfg shutdownConfig) error {
	quit := cfg.signals
	if quit == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(ch)
		quit = ch
	}

	select {
	case <-quit:
		cfg.logger.Info("shutting down services...")
		cfg.cancel() // Cancel service context before waiting
		return gracefulStop(cfg)
	case err := <-cfg.errCh:
		cfg.logger.Error("service error", "error", err)
		cfg.cancel() // Cancel service context before waiting
		if stopErr := gracefulStop(cfg); stopErr != nil {
			cfg.logger.Error("graceful stop failed", "error", stopErr)
		}
		return err
	}
}

// gracefulStop releases watchers, drains the HTTP server and waits for workers to interrupt their
// jobs.
func gracefulStop(cfg shutdownConfig) error {
	var httpErr error
	if cfg.httpServer != nil {
		// The service context is already cancelled; shutdown gets its own deadline.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.httpTimeout)
		defer cancel()

		httpErr = ShutdownHTTPServer(ShutdownConfig{
			Context:      shutdownCtx,
			Server:       cfg.httpServer,
			Orchestrator: cfg.orchestrator,
			Logger:       cfg.logger,
		})
	} else if cfg.orchestrator != nil {
		cfg.orchestrator.Close()
	}

	for _, svc := range cfg.backgrounds {
		waitForService(svc.done, svc.name, cfg.logger)
	}

	return httpErr
}

// waitForService waits for a service to finish with timeout.
func waitForService(done <-chan struct{}, name string, logger *slog.Logger) {
	if done == nil {
		return
	}
	select {
	case <-done:
		logger.Info(name + " stopped")
	case <-time.After(shutdownWaitTimeout):
		logger.Warn("timeout waiting for " + name + " to stop")
	}
}
