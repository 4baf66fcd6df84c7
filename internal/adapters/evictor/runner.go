// Package evictor wires the evictor service to its optional Postgres archive.
package evictor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/target/memscope/config"
	"github.com/target/memscope/internal/core"
	"github.com/target/memscope/internal/observability/statsd"
	"github.com/target/memscope/internal/service"
)

// Runner runs the eviction loop.
type Runner struct {
	evictor *service.EvictorService
	logger  *slog.Logger
}

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	Jobs   service.JobEvicter
	Config config.EvictionConfig
	Logger *slog.Logger

	// Archive and Pruner are nil without Postgres; eviction then only drops jobs from memory.
	Archive core.JobArchiveRepository
	Pruner  service.ArchivePruner
	Metrics statsd.Sink
}

// NewRunner creates a new evictor runner with the given options.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Jobs == nil {
		return nil, errors.New("job evicter is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	svc, err := wireEvictorService(opts)
	if err != nil {
		return nil, fmt.Errorf("wire evictor service: %w", err)
	}
	return &Runner{evictor: svc, logger: opts.Logger}, nil
}

func wireEvictorService(opts RunnerOptions) (*service.EvictorService, error) {
	return service.NewEvictorService(service.EvictorServiceOptions{
		Jobs:    opts.Jobs,
		Config:  opts.Config,
		Archive: opts.Archive,
		Pruner:  opts.Pruner,
		Logger:  opts.Logger,
		Metrics: opts.Metrics,
	})
}

// Run starts the eviction loop and runs until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting evictor runner")
	return r.evictor.Run(ctx)
}

// RunOnce performs a single eviction pass.
func (r *Runner) RunOnce(ctx context.Context) (int, error) {
	return r.evictor.RunOnce(ctx)
}
