// Package jobrunner runs the bounded worker pool that executes analysis jobs.
package jobrunner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/target/memscope/internal/domain/model"
	"github.com/target/memscope/internal/observability/statsd"
)

// defaultPollInterval bounds how long an idle worker sleeps if a queue signal is lost.
const defaultPollInterval = 5 * time.Second

// JobScheduler hands reserved jobs to workers and executes them.
type JobScheduler interface {
	// Subscribe returns a channel signalled whenever a job may have become reservable.
	Subscribe() (func(), <-chan struct{})
	ReserveNext(ctx context.Context) (string, error)
	Execute(ctx context.Context, id string)
	Concurrency() int
}

// RunnerOptions configures the job runner adapter.
type RunnerOptions struct {
	Scheduler JobScheduler // Required
	Logger    *slog.Logger
	Metrics   statsd.Sink

	// Workers defaults to the scheduler's concurrency bound.
	Workers int
	// PollInterval is the fallback wake-up of an idle worker; defaults to 5s.
	PollInterval time.Duration
}

// Runner pulls jobs from the scheduler and executes them on a fixed set of workers.
type Runner struct {
	scheduler JobScheduler
	logger    *slog.Logger
	metrics   statsd.Sink
	workers   int
	poll      time.Duration
}

// NewRunner constructs a job runner.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Scheduler == nil {
		return nil, errors.New("job scheduler is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = opts.Scheduler.Concurrency()
	}
	if workers <= 0 {
		workers = 1
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	return &Runner{
		scheduler: opts.Scheduler,
		logger:    logger.With("component", "job_runner"),
		metrics:   opts.Metrics,
		workers:   workers,
		poll:      poll,
	}, nil
}

// Run starts the workers and blocks until ctx is cancelled and every in-flight job has reached a
// terminal state. Returns nil on graceful shutdown.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting job runner", "workers", r.workers)

	var wg sync.WaitGroup
	for i := range r.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.workerLoop(ctx, i)
		}()
	}
	wg.Wait()

	r.logger.InfoContext(ctx, "job runner stopped", "reason", ctx.Err())
	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("job runner: %w", err)
	}
	return nil
}

func (r *Runner) workerLoop(ctx context.Context, worker int) {
	// Each worker holds its own subscription so a single queue signal wakes every idle worker.
	unsub, notify := r.scheduler.Subscribe()
	defer unsub()

	for ctx.Err() == nil {
		id, err := r.scheduler.ReserveNext(ctx)
		switch {
		case err == nil:
			r.process(ctx, worker, id)
		case errors.Is(err, model.ErrNoJobsAvailable):
			if !r.waitForNotify(ctx, notify) {
				return
			}
		default:
			r.logger.ErrorContext(ctx, "reserve next failed", "worker", worker, "error", err)
			if !r.waitForNotify(ctx, notify) {
				return
			}
		}
	}
}

func (r *Runner) waitForNotify(ctx context.Context, notify <-chan struct{}) bool {
	timer := time.NewTimer(r.poll)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case _, open := <-notify:
		return open
	case <-timer.C:
		return true
	}
}

func (r *Runner) process(ctx context.Context, worker int, id string) {
	start := time.Now()
	r.logger.DebugContext(ctx, "worker picked up job", "worker", worker, "job_id", id)
	r.scheduler.Execute(ctx, id)
	if r.metrics != nil {
		r.metrics.Timing("worker.busy", time.Since(start), nil)
	}
}
