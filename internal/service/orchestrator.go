package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/target/memscope/internal/core"
	domainjob "github.com/target/memscope/internal/domain/job"
	"github.com/target/memscope/internal/domain/model"
	apperrors "github.com/target/memscope/internal/errors"
	"github.com/target/memscope/internal/observability/metrics"
	"github.com/target/memscope/internal/observability/statsd"
	"github.com/target/memscope/internal/pipeline"
)

// Defaults applied by NewOrchestrator.
const (
	DefaultConcurrency = 3
	DefaultMaxJobs     = 100
)

// PipelineDeps groups the collaborators that execute a job.
type PipelineDeps struct {
	Runner     core.PhaseRunner      // Required: runs acquisition and analysis phases
	Aggregator core.ResultAggregator // Required: builds the result document
	Renderer   core.ReportRenderer   // Optional: renders the report; nil skips rendering
	Workspace  core.JobWorkspace     // Required: job scoped scratch directories
	Plan       pipeline.Plan         // Required: analysis phases run after acquisition
}

// OrchestratorConfig holds the scheduling and retention policy.
type OrchestratorConfig struct {
	// Concurrency is the number of jobs allowed past Pending at once.
	Concurrency int
	// MaxJobs caps the job table, terminal jobs included until they are evicted.
	MaxJobs int
	// ReportMandatory fails the job when the report cannot be rendered.
	ReportMandatory bool
	// KeepPartialOnFailure keeps the findings gathered before a fatal phase failure.
	KeepPartialOnFailure bool
	// KeepResultsOnCancel keeps an already aggregated result on a job cancelled while reporting.
	KeepResultsOnCancel bool
}

// ObserverDeps groups the optional side channels of the orchestrator.
type ObserverDeps struct {
	Logger    *slog.Logger
	Metrics   statsd.Sink
	Publisher core.JobEventPublisher
	Failures  core.JobFailureNotifier
	// Notifier carries queue and per-job change signals. Defaults to an in-process notifier.
	Notifier domainjob.Notifier
}

// OrchestratorOptions groups dependencies for Orchestrator.
type OrchestratorOptions struct {
	Pipeline  PipelineDeps
	Config    OrchestratorConfig
	Observers ObserverDeps
	// Archive receives jobs removed with Remove before they leave the table. Optional.
	Archive core.JobArchiveRepository
}

// Orchestrator owns the job table. It admits jobs, hands them to workers in FIFO order without
// exceeding the concurrency bound and drives each reserved job through its state machine.
//
// A single mutex guards the job table, the pending queue and the slot count. Every mutation bumps
// the job's version and signals its watchers after the lock is released.
type Orchestrator struct {
	pipeline  PipelineDeps
	cfg       OrchestratorConfig
	logger    *slog.Logger
	metrics   statsd.Sink
	publisher core.JobEventPublisher
	failures  core.JobFailureNotifier
	notifier  domainjob.Notifier
	archive   core.JobArchiveRepository
	now       func() time.Time

	mu     sync.Mutex
	jobs   map[string]*jobEntry
	order  []string
	queue  []string
	active int
}

type jobEntry struct {
	job    *model.Job
	cancel context.CancelFunc
	// cancelRequested is set by Cancel on an active job; the executing worker finishes the transition.
	cancelRequested bool
	// ownedImage is an image this job acquired itself and may delete.
	ownedImage string
}

// NewOrchestrator constructs an Orchestrator.
func NewOrchestrator(opts OrchestratorOptions) (*Orchestrator, error) {
	p := opts.Pipeline
	switch {
	case p.Runner == nil:
		return nil, errors.New("PhaseRunner is required")
	case p.Aggregator == nil:
		return nil, errors.New("ResultAggregator is required")
	case p.Workspace == nil:
		return nil, errors.New("JobWorkspace is required")
	}
	if err := p.Plan.Validate(); err != nil {
		return nil, fmt.Errorf("invalid phase plan: %w", err)
	}

	cfg := opts.Config
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.MaxJobs <= 0 {
		cfg.MaxJobs = DefaultMaxJobs
	}

	logger := opts.Observers.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "orchestrator")

	notifier := opts.Observers.Notifier
	if notifier == nil {
		notifier = domainjob.NewNotifier()
	}

	logger.Debug("Orchestrator initialized",
		"concurrency", cfg.Concurrency,
		"max_jobs", cfg.MaxJobs,
		"phases", len(p.Plan.Phases),
	)

	return &Orchestrator{
		pipeline:  p,
		cfg:       cfg,
		logger:    logger,
		metrics:   opts.Observers.Metrics,
		publisher: opts.Observers.Publisher,
		failures:  opts.Observers.Failures,
		notifier:  notifier,
		archive:   opts.Archive,
		now:       time.Now,
		jobs:      make(map[string]*jobEntry),
	}, nil
}

// Concurrency returns the configured worker slot count.
func (o *Orchestrator) Concurrency() int { return o.cfg.Concurrency }

// Submit accepts a job that acquires a fresh memory image of subject. The job starts Pending.
func (o *Orchestrator) Submit(ctx context.Context, subject model.SubjectRef) (*model.Job, error) {
	return o.SubmitRequest(ctx, model.SubmitJobRequest{
		InstanceID:   subject.InstanceID,
		InstanceName: subject.InstanceName,
	})
}

// SubmitFromDump accepts a job that analyzes an existing memory image instead of acquiring one.
func (o *Orchestrator) SubmitFromDump(ctx context.Context, subject model.SubjectRef, dumpPath string) (*model.Job, error) {
	if dumpPath == "" {
		return nil, apperrors.ValidationField("dump_path", "dump path is required")
	}
	return o.SubmitRequest(ctx, model.SubmitJobRequest{
		InstanceID:   subject.InstanceID,
		InstanceName: subject.InstanceName,
		DumpPath:     dumpPath,
	})
}

// SubmitRequest validates req and adds a Pending job to the table. It fails with CapacityExceeded
// when the table is full.
func (o *Orchestrator) SubmitRequest(ctx context.Context, req model.SubmitJobRequest) (*model.Job, error) {
	if err := req.Validate(); err != nil {
		return nil, apperrors.Validation(err.Error())
	}

	job := &model.Job{
		ID:              uuid.NewString(),
		Subject:         req.Subject(),
		State:           model.JobStatePending,
		ProgressPercent: domainjob.ProgressPending,
		CurrentStep:     domainjob.StepLabel(model.JobStatePending),
		Version:         1,
		CreatedAt:       o.now().UTC(),
		SourceDump:      req.DumpPath,
	}

	o.mu.Lock()
	if len(o.jobs) >= o.cfg.MaxJobs {
		o.mu.Unlock()
		return nil, apperrors.CapacityExceededf("job table is full (%d jobs)", o.cfg.MaxJobs)
	}
	o.jobs[job.ID] = &jobEntry{job: job}
	o.order = append(o.order, job.ID)
	o.queue = append(o.queue, job.ID)
	snapshot := job.Clone()
	stats := o.statsLocked()
	o.mu.Unlock()

	o.logger.InfoContext(ctx, "job submitted",
		"job_id", job.ID,
		"instance_id", job.Subject.InstanceID,
		"from_dump", req.DumpPath != "",
	)
	metrics.EmitJobLifecycle(o.metrics, metrics.JobMetric{Transition: string(model.JobStatePending), Result: metrics.ResultSuccess})
	metrics.EmitJobTable(o.metrics, stats)
	o.publish(ctx, snapshot)
	o.notifier.Notify(domainjob.QueueTopic)
	return snapshot, nil
}

// GetStatus returns a snapshot of the job.
func (o *Orchestrator) GetStatus(_ context.Context, id string) (*model.Job, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.jobs[id]
	if !ok {
		return nil, apperrors.NotFoundf("job %s not found", id)
	}
	return e.job.Clone(), nil
}

// GetResult returns the result document of a Completed job, or NotReady.
func (o *Orchestrator) GetResult(_ context.Context, id string) (*model.ResultDocument, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.jobs[id]
	if !ok {
		return nil, apperrors.NotFoundf("job %s not found", id)
	}
	if e.job.State != model.JobStateCompleted || e.job.Result == nil {
		return nil, apperrors.NotReadyf("job %s is %s", id, e.job.State)
	}
	return e.job.Result.Clone(), nil
}

// Report is a rendered report of a completed job.
type Report struct {
	Data        []byte
	Format      string
	ContentType string
}

// GetReport returns the rendered report of a Completed job.
func (o *Orchestrator) GetReport(_ context.Context, id string) (*Report, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.jobs[id]
	if !ok {
		return nil, apperrors.NotFoundf("job %s not found", id)
	}
	j := e.job
	switch {
	case j.State != model.JobStateCompleted:
		return nil, apperrors.NotReadyf("job %s is %s", id, j.State)
	case j.ReportError != "":
		return nil, apperrors.Newf(apperrors.ErrCodeReportRenderFailed, "report for job %s failed: %s", id, j.ReportError)
	case j.Report == nil || o.pipeline.Renderer == nil:
		return nil, apperrors.NotFoundf("job %s has no rendered report", id)
	}
	return &Report{
		Data:        append([]byte(nil), j.Report...),
		Format:      j.ReportFormat,
		ContentType: o.pipeline.Renderer.ContentType(),
	}, nil
}

// ListJobs returns snapshots of every job in submission order.
func (o *Orchestrator) ListJobs(_ context.Context) []*model.Job {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*model.Job, 0, len(o.order))
	for _, id := range o.order {
		out = append(out, o.jobs[id].job.Clone())
	}
	return out
}

// Stats counts the jobs in the table by state.
func (o *Orchestrator) Stats(_ context.Context) model.JobStats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.statsLocked()
}

func (o *Orchestrator) statsLocked() model.JobStats {
	var s model.JobStats
	for _, e := range o.jobs {
		switch st := e.job.State; {
		case st == model.JobStatePending:
			s.Pending++
		case st.Active():
			s.Active++
		case st == model.JobStateCompleted:
			s.Completed++
		case st == model.JobStateFailed:
			s.Failed++
		case st == model.JobStateCancelled:
			s.Cancelled++
		}
	}
	return s
}

// Cancel requests cancellation of a job. It is idempotent and a no-op on terminal jobs. A Pending
// job is cancelled immediately; an active job has its tools killed and reaches Cancelled once the
// executing worker observes it. The returned snapshot of an active job is taken before the worker
// reacts.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (*model.Job, error) {
	o.mu.Lock()
	e, ok := o.jobs[id]
	if !ok {
		o.mu.Unlock()
		return nil, apperrors.NotFoundf("job %s not found", id)
	}

	switch {
	case e.job.State.Terminal():
		snapshot := e.job.Clone()
		o.mu.Unlock()
		return snapshot, nil

	case e.job.State == model.JobStatePending:
		if err := setState(e.job, model.JobStateCancelled); err != nil {
			o.mu.Unlock()
			return nil, err
		}
		o.removeFromQueueLocked(id)
		now := o.now().UTC()
		e.job.CurrentStep = domainjob.StepLabel(model.JobStateCancelled)
		e.job.CompletedAt = &now
		e.job.Version++
		snapshot := e.job.Clone()
		o.mu.Unlock()

		o.logger.InfoContext(ctx, "pending job cancelled", "job_id", id)
		o.afterChange(ctx, snapshot)
		metrics.EmitJobLifecycle(o.metrics, metrics.JobMetric{Transition: string(model.JobStateCancelled), Result: metrics.ResultSuccess})
		return snapshot, nil

	default:
		// The executing worker labels the job and finishes the transition.
		e.cancelRequested = true
		cancel := e.cancel
		snapshot := e.job.Clone()
		o.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		o.logger.InfoContext(ctx, "cancellation requested", "job_id", id, "state", snapshot.State)
		return snapshot, nil
	}
}

func (o *Orchestrator) removeFromQueueLocked(id string) {
	for i, qid := range o.queue {
		if qid == id {
			o.queue = append(o.queue[:i], o.queue[i+1:]...)
			return
		}
	}
}

// Subscribe returns a channel signalled whenever a job may have become reservable.
func (o *Orchestrator) Subscribe() (func(), <-chan struct{}) {
	return o.notifier.Subscribe(domainjob.QueueTopic)
}

// ReserveNext moves the oldest Pending job to Acquiring and returns its id. It returns
// model.ErrNoJobsAvailable when the queue is empty or every slot is taken.
func (o *Orchestrator) ReserveNext(ctx context.Context) (string, error) {
	o.mu.Lock()
	if o.active >= o.cfg.Concurrency || len(o.queue) == 0 {
		o.mu.Unlock()
		return "", model.ErrNoJobsAvailable
	}
	id := o.queue[0]
	o.queue = o.queue[1:]
	e := o.jobs[id]
	if err := setState(e.job, model.JobStateAcquiring); err != nil {
		o.mu.Unlock()
		o.logger.ErrorContext(ctx, "queued job cannot be reserved", "job_id", id, "error", err)
		return "", err
	}

	now := o.now().UTC()
	e.job.ProgressPercent = domainjob.ProgressAcquiring
	e.job.CurrentStep = domainjob.StepLabel(model.JobStateAcquiring)
	e.job.StartedAt = &now
	e.job.Version++
	o.active++
	snapshot := e.job.Clone()
	stats := o.statsLocked()
	o.mu.Unlock()

	o.logger.InfoContext(ctx, "job reserved", "job_id", id, "active", stats.Active)
	metrics.EmitJobLifecycle(o.metrics, metrics.JobMetric{Transition: string(model.JobStateAcquiring), Result: metrics.ResultSuccess})
	metrics.EmitJobTable(o.metrics, stats)
	o.afterChange(ctx, snapshot)
	return id, nil
}

// release frees the slot held by a job that reached a terminal state.
func (o *Orchestrator) release(ctx context.Context, id string) {
	o.mu.Lock()
	if e, ok := o.jobs[id]; ok {
		e.cancel = nil
	}
	o.active--
	stats := o.statsLocked()
	o.mu.Unlock()

	metrics.EmitJobTable(o.metrics, stats)
	o.logger.DebugContext(ctx, "slot released", "job_id", id, "active", stats.Active)
	o.notifier.Notify(domainjob.QueueTopic)
}

// Watch blocks until the job's version exceeds since, the job is terminal or ctx is done, and
// returns the latest snapshot. When ctx ends first the snapshot is returned with ctx.Err().
func (o *Orchestrator) Watch(ctx context.Context, id string, since uint64) (*model.Job, error) {
	for {
		o.mu.Lock()
		e, ok := o.jobs[id]
		if !ok {
			o.mu.Unlock()
			return nil, apperrors.NotFoundf("job %s not found", id)
		}
		if e.job.Version > since || e.job.State.Terminal() {
			snapshot := e.job.Clone()
			o.mu.Unlock()
			return snapshot, nil
		}
		unsub, ch := o.notifier.Subscribe(id)
		o.mu.Unlock()

		select {
		case <-ctx.Done():
			unsub()
			snapshot, err := o.GetStatus(ctx, id)
			if err != nil {
				return nil, err
			}
			return snapshot, ctx.Err()
		case _, open := <-ch:
			unsub()
			if !open {
				return o.GetStatus(ctx, id)
			}
		}
	}
}

// EvictedJob is a terminal job removed from the table.
type EvictedJob struct {
	Job *model.Job
	// OwnedImage is the acquired memory image left on disk, if any.
	OwnedImage string
}

// Expired returns snapshots of the terminal jobs that completed before cutoff, in submission
// order. The jobs stay in the table until they are dropped.
func (o *Orchestrator) Expired(_ context.Context, cutoff time.Time) []*model.Job {
	o.mu.Lock()
	defer o.mu.Unlock()

	var out []*model.Job
	for _, id := range o.order {
		j := o.jobs[id].job
		if j.State.Terminal() && j.CompletedAt != nil && j.CompletedAt.Before(cutoff) {
			out = append(out, j.Clone())
		}
	}
	return out
}

// Drop removes the listed terminal jobs from the table and returns what it removed. Unknown and
// non-terminal ids are skipped.
func (o *Orchestrator) Drop(_ context.Context, ids []string) []EvictedJob {
	if len(ids) == 0 {
		return nil
	}
	o.mu.Lock()
	gone := make(map[string]struct{}, len(ids))
	var dropped []EvictedJob
	for _, id := range ids {
		e, ok := o.jobs[id]
		if !ok || !e.job.State.Terminal() {
			continue
		}
		dropped = append(dropped, EvictedJob{Job: e.job.Clone(), OwnedImage: e.ownedImage})
		delete(o.jobs, id)
		gone[id] = struct{}{}
	}
	if len(gone) > 0 {
		kept := o.order[:0]
		for _, id := range o.order {
			if _, ok := gone[id]; !ok {
				kept = append(kept, id)
			}
		}
		o.order = kept
	}
	stats := o.statsLocked()
	o.mu.Unlock()

	if len(dropped) > 0 {
		metrics.EmitJobTable(o.metrics, stats)
	}
	return dropped
}

// Remove evicts one terminal job on request. The job is archived first when an archive is
// configured and stays in the table if archiving fails. An image the job acquired is deleted.
func (o *Orchestrator) Remove(ctx context.Context, id string) (*model.Job, error) {
	o.mu.Lock()
	e, ok := o.jobs[id]
	if !ok {
		o.mu.Unlock()
		return nil, apperrors.NotFoundf("job %s not found", id)
	}
	if !e.job.State.Terminal() {
		state := e.job.State
		o.mu.Unlock()
		return nil, apperrors.Newf(apperrors.ErrCodeConflict, "job %s is %s; cancel it before removing it", id, state)
	}
	snapshot := e.job.Clone()
	o.mu.Unlock()

	if o.archive != nil {
		if err := o.archive.Archive(ctx, snapshot); err != nil {
			return nil, apperrors.Wrapf(err, apperrors.ErrCodeInternal, "archive job %s", id)
		}
	}

	dropped := o.Drop(ctx, []string{id})
	if len(dropped) == 0 {
		return nil, apperrors.NotFoundf("job %s not found", id)
	}
	removed := dropped[0]
	if removed.OwnedImage != "" {
		if _, err := removeImage(removed.OwnedImage); err != nil {
			o.logger.WarnContext(ctx, "remove job image failed", "job_id", id, "image", removed.OwnedImage, "error", err)
		}
	}
	o.logger.InfoContext(ctx, "job removed", "job_id", id, "state", removed.Job.State, "archived", o.archive != nil)
	return removed.Job, nil
}

// afterChange signals watchers of the job and publishes its snapshot.
func (o *Orchestrator) afterChange(ctx context.Context, snapshot *model.Job) {
	o.notifier.Notify(snapshot.ID)
	o.publish(ctx, snapshot)
}

func (o *Orchestrator) publish(ctx context.Context, snapshot *model.Job) {
	if o.publisher == nil {
		return
	}
	if err := o.publisher.PublishJob(context.WithoutCancel(ctx), snapshot); err != nil {
		o.logger.WarnContext(ctx, "publish job event failed", "job_id", snapshot.ID, "error", err)
	}
}

// Close wakes every watcher and worker waiting on the orchestrator.
func (o *Orchestrator) Close() {
	o.notifier.StopAll()
}
