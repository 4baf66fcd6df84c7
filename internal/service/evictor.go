package service

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/target/memscope/config"
	"github.com/target/memscope/internal/core"
	"github.com/target/memscope/internal/domain/model"
	obserrors "github.com/target/memscope/internal/observability/errors"
	"github.com/target/memscope/internal/observability/metrics"
	"github.com/target/memscope/internal/observability/statsd"
)

// JobEvicter selects expired terminal jobs and removes them from the job table.
type JobEvicter interface {
	Expired(ctx context.Context, cutoff time.Time) []*model.Job
	Drop(ctx context.Context, ids []string) []EvictedJob
}

// ArchivePruner deletes archived jobs that completed before cutoff.
type ArchivePruner interface {
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// EvictorServiceOptions groups dependencies for EvictorService.
type EvictorServiceOptions struct {
	Jobs    JobEvicter                // Required: job table to evict from
	Config  config.EvictionConfig     // Required: eviction configuration
	Archive core.JobArchiveRepository // Optional: evicted jobs are archived before they are dropped
	Pruner  ArchivePruner             // Optional: enforces Config.ArchiveRetention on the archive
	Logger  *slog.Logger              // Optional: structured logger
	Metrics statsd.Sink               // Optional: metrics sink (StatsD-compatible)
}

// EvictorService periodically drops terminal jobs older than the retention window.
//
// For every expired job it:
// - Archives the final snapshot when an archive is configured. A job whose archiving fails stays
//   in the table and is retried on the next tick.
// - Drops the job from the table.
// - Deletes the memory image the job acquired when RemoveImages is set.
//
// When ArchiveRetention is positive and a pruner is set, archived jobs older than it are deleted
// on the same tick.
type EvictorService struct {
	jobs    JobEvicter
	config  config.EvictionConfig
	archive core.JobArchiveRepository
	pruner  ArchivePruner
	logger  *slog.Logger
	metrics statsd.Sink
	now     func() time.Time
}

// NewEvictorService constructs a new EvictorService.
func NewEvictorService(opts EvictorServiceOptions) (*EvictorService, error) {
	if opts.Jobs == nil {
		return nil, errors.New("JobEvicter is required")
	}
	if opts.Config.Interval <= 0 {
		return nil, errors.New("eviction interval must be positive")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "evictor_service")
	logger.Debug("EvictorService initialized",
		"interval", opts.Config.Interval,
		"retention", opts.Config.Retention,
		"remove_images", opts.Config.RemoveImages,
		"archive", opts.Archive != nil,
	)

	return &EvictorService{
		jobs:    opts.Jobs,
		config:  opts.Config,
		archive: opts.Archive,
		pruner:  opts.Pruner,
		logger:  logger,
		metrics: opts.Metrics,
		now:     time.Now,
	}, nil
}

// Run starts the eviction loop and runs until the context is cancelled.
// Returns nil on graceful shutdown (context.Canceled), error otherwise.
func (s *EvictorService) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "starting evictor service", "interval", s.config.Interval)

	// Spread replicas that start together.
	s.waitWithJitter(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	if _, err := s.RunOnce(ctx); err != nil {
		s.logRunError(err)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "evictor service stopping", "reason", ctx.Err())
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.logRunError(err)
			}
		}
	}
}

// waitWithJitter adds a random delay up to 10% of the interval.
func (s *EvictorService) waitWithJitter(ctx context.Context) {
	maxJitter := int64(s.config.Interval / 10)
	if maxJitter <= 0 {
		return
	}

	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		s.logger.WarnContext(ctx, "failed to generate jitter, skipping", "error", err)
		return
	}

	jitterNanos := binary.BigEndian.Uint64(buf[:]) % uint64(maxJitter)
	jitter := time.Duration(int64(jitterNanos)) // #nosec G115 - bounded by maxJitter which is int64

	select {
	case <-time.After(jitter):
	case <-ctx.Done():
	}
}

// RunOnce evicts every terminal job that finished before now minus the retention window and
// returns how many were evicted. Archive and image removal errors are joined.
func (s *EvictorService) RunOnce(ctx context.Context) (int, error) {
	start := s.now()
	expired := s.jobs.Expired(ctx, start.Add(-s.config.Retention))

	var errs []error
	ids := make([]string, 0, len(expired))
	for _, job := range expired {
		if s.archive != nil {
			if err := s.archive.Archive(ctx, job); err != nil {
				errs = append(errs, fmt.Errorf("archive job %s: %w", job.ID, err))
				continue
			}
		}
		ids = append(ids, job.ID)
	}
	evicted := s.jobs.Drop(ctx, ids)

	var images int
	for _, ev := range evicted {
		if !s.config.RemoveImages || ev.OwnedImage == "" {
			continue
		}
		removed, err := removeImage(ev.OwnedImage)
		if err != nil {
			errs = append(errs, fmt.Errorf("remove image of job %s: %w", ev.Job.ID, err))
		} else if removed {
			images++
		}
	}

	if len(expired) > 0 {
		s.logger.InfoContext(ctx, "evicted terminal jobs",
			"count", len(evicted),
			"kept_for_retry", len(expired)-len(ids),
			"images_removed", images,
			"retention", s.config.Retention,
		)
	}

	if err := s.pruneArchive(ctx, start); err != nil {
		errs = append(errs, err)
	}

	err := errors.Join(errs...)
	s.emitRunMetrics(len(evicted), images, s.now().Sub(start), err)
	return len(evicted), err
}

// removeImage deletes an acquired memory image. It reports false when the file was already gone.
func removeImage(path string) (bool, error) {
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *EvictorService) pruneArchive(ctx context.Context, now time.Time) error {
	if s.pruner == nil || s.config.ArchiveRetention <= 0 {
		return nil
	}
	n, err := s.pruner.DeleteBefore(ctx, now.Add(-s.config.ArchiveRetention))
	if err != nil {
		return fmt.Errorf("prune archive: %w", err)
	}
	if n > 0 {
		s.logger.InfoContext(ctx, "pruned archived jobs", "count", n, "archive_retention", s.config.ArchiveRetention)
		if s.metrics != nil {
			s.metrics.Count("evictor.archive_pruned", n, nil)
		}
	}
	return nil
}

func (s *EvictorService) emitRunMetrics(count, images int, elapsed time.Duration, err error) {
	if s.metrics == nil {
		return
	}

	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
	} else if count == 0 {
		result = metrics.ResultNoop
	}
	tags := map[string]string{"result": result}
	if err != nil {
		if class := obserrors.Classify(err); class != "" {
			tags["error_class"] = class
		}
	}

	s.metrics.Count("evictor.run", 1, tags)
	if elapsed > 0 {
		s.metrics.Timing("evictor.run_duration", elapsed, metrics.CloneTags(tags))
	}
	if count > 0 {
		s.metrics.Count("evictor.jobs_evicted", int64(count), nil)
	}
	if images > 0 {
		s.metrics.Count("evictor.images_removed", int64(images), nil)
	}
	if err == nil {
		s.metrics.Gauge("evictor.last_success_epoch", float64(s.now().Unix()), nil)
	}
}

func (s *EvictorService) logRunError(err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		s.logger.Debug("eviction cancelled by context", "error", err)
		return
	}
	s.logger.Error("eviction failed", "error", err)
}
