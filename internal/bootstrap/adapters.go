package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/target/memscope/config"
	"github.com/target/memscope/internal/adapters/evictor"
	"github.com/target/memscope/internal/adapters/jobrunner"
	"github.com/target/memscope/internal/core"
	"github.com/target/memscope/internal/observability/statsd"
	"github.com/target/memscope/internal/service"
)

// WorkerConfig contains configuration for the job worker pool.
type WorkerConfig struct {
	Scheduler jobrunner.JobScheduler
	Logger    *slog.Logger
	// Workers defaults to the scheduler's concurrency bound.
	Workers int
	Metrics statsd.Sink
}

// RunWorker starts the job workers and blocks until ctx is cancelled and every in-flight job has
// reached a terminal state.
func RunWorker(ctx context.Context, cfg WorkerConfig) error {
	runner, err := jobrunner.NewRunner(jobrunner.RunnerOptions{
		Scheduler: cfg.Scheduler,
		Logger:    cfg.Logger,
		Metrics:   cfg.Metrics,
		Workers:   cfg.Workers,
	})
	if err != nil {
		return fmt.Errorf("create job runner: %w", err)
	}

	if runErr := runner.Run(ctx); runErr != nil {
		return fmt.Errorf("run job runner: %w", runErr)
	}
	return nil
}

// EvictorConfig contains configuration for the evictor.
type EvictorConfig struct {
	Jobs    service.JobEvicter
	Config  config.EvictionConfig
	Archive core.JobArchiveRepository
	Pruner  service.ArchivePruner
	Logger  *slog.Logger
	Metrics statsd.Sink
}

// RunEvictor starts the eviction loop.
func RunEvictor(ctx context.Context, cfg EvictorConfig) error {
	runner, err := newEvictorRunner(cfg)
	if err != nil {
		return err
	}
	return runner.Run(ctx)
}

func newEvictorRunner(cfg EvictorConfig) (*evictor.Runner, error) {
	runner, err := evictor.NewRunner(evictor.RunnerOptions{
		Jobs:    cfg.Jobs,
		Config:  cfg.Config,
		Logger:  cfg.Logger,
		Archive: cfg.Archive,
		Pruner:  cfg.Pruner,
		Metrics: cfg.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("create evictor runner: %w", err)
	}
	return runner, nil
}
