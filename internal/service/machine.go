package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domainjob "github.com/target/memscope/internal/domain/job"
	"github.com/target/memscope/internal/domain/model"
	apperrors "github.com/target/memscope/internal/errors"
	obserrors "github.com/target/memscope/internal/observability/errors"
	"github.com/target/memscope/internal/observability/metrics"
	"github.com/target/memscope/internal/observability/notify"
	"github.com/target/memscope/internal/pipeline"
	"github.com/target/memscope/internal/tools"
)

// errShuttingDown marks jobs interrupted because the worker context ended.
var errShuttingDown = errors.New("service shutting down")

// imageOutput is implemented by the acquisition tool's structured output.
type imageOutput interface {
	Image() model.AcquisitionInfo
}

// jobRun carries the state of one job execution. Only the executing worker touches it.
type jobRun struct {
	o       *Orchestrator
	id      string
	subject model.SubjectRef
	dump    string
	workDir string
	image   model.AcquisitionInfo
	phases  []model.PhaseResult
	start   time.Time
	// parent is the worker context; ctx additionally ends on Cancel.
	parent context.Context
	ctx    context.Context
}

// Execute drives a job reserved with ReserveNext through Acquiring, Analyzing and Reporting to a
// terminal state. It always leaves the job terminal and frees its slot. Cancelling ctx fails the
// job as interrupted by shutdown.
func (o *Orchestrator) Execute(ctx context.Context, id string) {
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	o.mu.Lock()
	e, ok := o.jobs[id]
	if !ok || e.job.State != model.JobStateAcquiring {
		o.mu.Unlock()
		o.logger.ErrorContext(ctx, "execute called for a job that is not reserved", "job_id", id)
		return
	}
	e.cancel = cancel
	if e.cancelRequested {
		cancel()
	}
	stopLabel := context.AfterFunc(jobCtx, func() { o.markCancelling(ctx, id) })
	r := &jobRun{
		o:       o,
		id:      id,
		subject: e.job.Subject,
		dump:    e.job.SourceDump,
		start:   o.now(),
		parent:  ctx,
		ctx:     jobCtx,
	}
	o.mu.Unlock()

	defer o.release(ctx, id)
	defer stopLabel()
	defer func() {
		if rec := recover(); rec != nil {
			o.logger.ErrorContext(ctx, "job execution panicked", "job_id", id, "panic", rec)
			r.fail(apperrors.Internalf("job execution panicked: %v", rec), "", nil)
		}
	}()

	r.run()
}

func (r *jobRun) run() {
	o := r.o
	dir, err := o.pipeline.Workspace.Create(r.id)
	if err != nil {
		r.fail(apperrors.Wrap(err, apperrors.ErrCodeInternal, "create job workspace"), "", nil)
		return
	}
	r.workDir = dir
	defer func() {
		if err := o.pipeline.Workspace.Remove(r.id); err != nil {
			o.logger.WarnContext(r.parent, "remove job workspace failed", "job_id", r.id, "error", err)
		}
	}()

	if !r.acquire() {
		return
	}
	if !r.analyze() {
		return
	}
	r.report()
}

func (r *jobRun) artifact() tools.Artifact {
	return tools.Artifact{
		Path:    r.image.ImagePath,
		WorkDir: r.workDir,
		JobID:   r.id,
		Subject: r.subject,
	}
}

func (r *jobRun) acquire() bool {
	o := r.o
	art := r.artifact()
	art.Path = r.dump

	res := o.pipeline.Runner.RunPhase(r.ctx, o.pipeline.Plan.AcquisitionPhase(), art)
	metrics.EmitPhase(o.metrics, res)

	var acqErr string
	if len(res.ToolOutcomes) > 0 {
		out := res.ToolOutcomes[0]
		acqErr = out.Error
		if img, ok := out.Output.(imageOutput); ok && res.Successful() {
			r.image = img.Image()
		}
	}
	// Ownership is recorded before anything else so that every terminal path can find the image.
	if r.dump == "" && r.image.ImagePath != "" {
		o.mu.Lock()
		o.jobs[r.id].ownedImage = r.image.ImagePath
		o.mu.Unlock()
	}
	if r.interrupted() {
		r.finishInterrupted(nil)
		return false
	}
	if !res.Successful() || r.image.ImagePath == "" {
		if acqErr == "" {
			acqErr = "acquisition produced no image"
		}
		r.fail(apperrors.New(apperrors.ErrCodeAcquisitionFailed, acqErr), pipeline.PhaseAcquisition, nil)
		return false
	}

	err := r.update(func(e *jobEntry) error {
		img := r.image
		e.job.Image = &img
		return advance(e.job, model.JobStateAnalyzing, domainjob.ProgressAcquired, domainjob.StepLabel(model.JobStateAnalyzing))
	})
	if err != nil {
		r.fail(err, pipeline.PhaseAcquisition, nil)
		return false
	}
	o.logger.InfoContext(r.ctx, "memory image acquired",
		"job_id", r.id,
		"image", r.image.ImagePath,
		"size_bytes", r.image.SizeBytes,
		"backend", r.image.Backend,
	)
	return true
}

func (r *jobRun) analyze() bool {
	o := r.o
	plan := o.pipeline.Plan.Phases
	for i, spec := range plan {
		step := fmt.Sprintf("Running %s (%d/%d)", spec.Name, i+1, len(plan))
		if err := r.update(func(e *jobEntry) error {
			e.job.CurrentStep = step
			return nil
		}); err != nil {
			r.fail(err, spec.Name, nil)
			return false
		}

		res := o.pipeline.Runner.RunPhase(r.ctx, spec, r.artifact())
		metrics.EmitPhase(o.metrics, res)
		r.phases = append(r.phases, res)
		if r.interrupted() {
			r.finishInterrupted(nil)
			return false
		}

		if !res.Successful() {
			err := apperrors.Newf(apperrors.ErrCodePhaseFailurePolicyViolated,
				"phase %s violated failure policy %s: failed tools %s",
				spec.Name, res.Policy, strings.Join(res.FailedTools(), ", "))
			var partial *model.ResultDocument
			if o.cfg.KeepPartialOnFailure {
				partial = o.pipeline.Aggregator.Aggregate(r.subject, r.image, r.phases)
			}
			r.fail(err, spec.Name, partial)
			return false
		}

		warnings := phaseWarnings(res)
		progress := domainjob.AnalysisProgress(i+1, len(plan))
		if err := r.update(func(e *jobEntry) error {
			e.job.Warnings = append(e.job.Warnings, warnings...)
			e.job.ProgressPercent = progress
			return nil
		}); err != nil {
			r.fail(err, spec.Name, nil)
			return false
		}
		o.logger.InfoContext(r.ctx, "phase finished",
			"job_id", r.id,
			"phase", spec.Name,
			"outcome", res.Outcome,
			"failed_tools", len(res.FailedTools()),
		)
	}
	return true
}

func (r *jobRun) report() {
	o := r.o
	if err := r.update(func(e *jobEntry) error {
		return advance(e.job, model.JobStateReporting, domainjob.ProgressReporting, domainjob.StepLabel(model.JobStateReporting))
	}); err != nil {
		r.fail(err, "", nil)
		return
	}

	doc := o.pipeline.Aggregator.Aggregate(r.subject, r.image, r.phases)
	if r.interrupted() {
		r.finishInterrupted(doc)
		return
	}

	var rendered []byte
	var renderErr error
	if o.pipeline.Renderer != nil {
		rendered, renderErr = o.pipeline.Renderer.Render(doc)
		if renderErr != nil {
			o.logger.WarnContext(r.ctx, "report rendering failed", "job_id", r.id, "error", renderErr)
			if o.cfg.ReportMandatory {
				err := apperrors.Wrap(renderErr, apperrors.ErrCodeReportRenderFailed, "render report")
				var partial *model.ResultDocument
				if o.cfg.KeepPartialOnFailure {
					partial = doc
				}
				r.fail(err, "", partial)
				return
			}
		} else if err := r.update(func(e *jobEntry) error {
			e.job.ProgressPercent = domainjob.ProgressReportReady
			e.job.CurrentStep = "Report rendered"
			return nil
		}); err != nil {
			r.fail(err, "", nil)
			return
		}
	}

	r.complete(doc, rendered, renderErr)
}

// complete moves the job to Completed unless a cancellation arrived meanwhile.
func (r *jobRun) complete(doc *model.ResultDocument, rendered []byte, renderErr error) {
	o := r.o
	o.mu.Lock()
	e := o.jobs[r.id]
	if e.cancelRequested {
		o.mu.Unlock()
		r.finishInterrupted(doc)
		return
	}
	if err := setState(e.job, model.JobStateCompleted); err != nil {
		o.mu.Unlock()
		r.fail(err, "", nil)
		return
	}
	now := o.now().UTC()
	e.job.ProgressPercent = domainjob.ProgressComplete
	e.job.CurrentStep = domainjob.StepLabel(model.JobStateCompleted)
	e.job.CompletedAt = &now
	e.job.Result = doc
	if renderErr != nil {
		e.job.ReportError = renderErr.Error()
	} else if rendered != nil {
		e.job.Report = rendered
		e.job.ReportFormat = o.pipeline.Renderer.Format()
	}
	e.job.Version++
	snapshot := e.job.Clone()
	o.mu.Unlock()

	o.logger.InfoContext(r.parent, "job completed",
		"job_id", r.id,
		"findings", doc.FindingCount(),
		"warnings", len(doc.Warnings),
		"duration", time.Since(r.start),
	)
	metrics.EmitJobLifecycle(o.metrics, metrics.JobMetric{
		Transition: string(model.JobStateCompleted),
		Result:     metrics.ResultSuccess,
		Duration:   time.Since(r.start),
	})
	o.afterChange(r.parent, snapshot)
}

// markCancelling labels the job once its context ends on a requested cancellation. The worker
// still performs the terminal transition.
func (o *Orchestrator) markCancelling(ctx context.Context, id string) {
	o.mu.Lock()
	e, ok := o.jobs[id]
	if !ok || !e.cancelRequested || e.job.State.Terminal() || e.job.CurrentStep == domainjob.StepCancelling {
		o.mu.Unlock()
		return
	}
	e.job.CurrentStep = domainjob.StepCancelling
	e.job.Version++
	snapshot := e.job.Clone()
	o.mu.Unlock()

	o.afterChange(ctx, snapshot)
}

// interrupted reports whether the job context ended, by Cancel or by worker shutdown.
func (r *jobRun) interrupted() bool {
	return r.ctx.Err() != nil
}

// finishInterrupted ends a job whose context was cancelled. A requested cancellation ends in
// Cancelled and removes an image the job acquired; a worker shutdown fails the job.
func (r *jobRun) finishInterrupted(doc *model.ResultDocument) {
	o := r.o
	o.mu.Lock()
	requested := o.jobs[r.id].cancelRequested
	o.mu.Unlock()

	if !requested {
		r.fail(apperrors.Wrap(errShuttingDown, apperrors.ErrCodeCanceled, "job interrupted"), "", nil)
		return
	}

	var owned string
	o.mu.Lock()
	e := o.jobs[r.id]
	if err := setState(e.job, model.JobStateCancelled); err != nil {
		o.mu.Unlock()
		o.logger.WarnContext(r.parent, "job already finished before cancellation", "job_id", r.id, "error", err)
		return
	}
	now := o.now().UTC()
	e.job.CurrentStep = domainjob.StepLabel(model.JobStateCancelled)
	e.job.CompletedAt = &now
	if o.cfg.KeepResultsOnCancel && doc != nil {
		e.job.PartialResult = doc
	}
	owned, e.ownedImage = e.ownedImage, ""
	e.job.Version++
	snapshot := e.job.Clone()
	o.mu.Unlock()

	if owned != "" {
		if _, err := removeImage(owned); err != nil {
			o.logger.WarnContext(r.parent, "remove cancelled job image failed", "job_id", r.id, "image", owned, "error", err)
		}
	}
	o.logger.InfoContext(r.parent, "job cancelled", "job_id", r.id, "duration", time.Since(r.start))
	metrics.EmitJobLifecycle(o.metrics, metrics.JobMetric{
		Transition: string(model.JobStateCancelled),
		Result:     metrics.ResultSuccess,
		Duration:   time.Since(r.start),
	})
	o.afterChange(r.parent, snapshot)
}

// fail moves the job to Failed with err recorded as its error detail.
func (r *jobRun) fail(err error, phase string, partial *model.ResultDocument) {
	o := r.o
	code := apperrors.GetCode(err)
	if code == "" {
		code = apperrors.ErrCodeInternal
	}

	o.mu.Lock()
	e := o.jobs[r.id]
	if terr := setState(e.job, model.JobStateFailed); terr != nil {
		o.mu.Unlock()
		o.logger.WarnContext(r.parent, "dropping failure of a finished job", "job_id", r.id, "error", err, "transition", terr)
		return
	}
	now := o.now().UTC()
	e.job.CurrentStep = domainjob.StepLabel(model.JobStateFailed)
	e.job.CompletedAt = &now
	e.job.ErrorDetail = &model.ErrorDetail{Code: string(code), Message: err.Error(), Phase: phase}
	e.job.PartialResult = partial
	e.job.Version++
	snapshot := e.job.Clone()
	o.mu.Unlock()

	o.logger.ErrorContext(r.parent, "job failed",
		"job_id", r.id,
		"phase", phase,
		"code", code,
		"error", err,
	)
	metrics.EmitJobLifecycle(o.metrics, metrics.JobMetric{
		Transition: string(model.JobStateFailed),
		Result:     metrics.ResultError,
		Duration:   time.Since(r.start),
		Err:        err,
	})
	o.afterChange(r.parent, snapshot)

	if o.failures != nil {
		o.failures.NotifyJobFailure(context.WithoutCancel(r.parent), notify.JobFailurePayload{
			JobID:        r.id,
			InstanceID:   r.subject.InstanceID,
			InstanceName: r.subject.InstanceName,
			Phase:        phase,
			ErrorCode:    string(code),
			Error:        err.Error(),
			ErrorClass:   obserrors.Classify(err),
			OccurredAt:   now,
			Metadata: map[string]string{
				"component": "orchestrator",
			},
		})
	}
}

// update applies fn to the job under the table lock. Progress never decreases and the version
// is bumped on every successful change.
func (r *jobRun) update(fn func(e *jobEntry) error) error {
	o := r.o
	o.mu.Lock()
	e := o.jobs[r.id]
	prev := e.job.ProgressPercent
	if err := fn(e); err != nil {
		o.mu.Unlock()
		return err
	}
	if e.job.ProgressPercent < prev {
		e.job.ProgressPercent = prev
	}
	if e.cancelRequested {
		e.job.CurrentStep = domainjob.StepCancelling
	}
	e.job.Version++
	snapshot := e.job.Clone()
	o.mu.Unlock()

	o.afterChange(r.parent, snapshot)
	return nil
}

// setState moves j to state when the lifecycle allows the transition. Every state write goes
// through here.
func setState(j *model.Job, to model.JobState) error {
	if err := domainjob.ValidateTransition(j.State, to); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "change job state")
	}
	j.State = to
	return nil
}

// advance performs a forward state transition.
func advance(j *model.Job, to model.JobState, progress int, step string) error {
	if err := setState(j, to); err != nil {
		return err
	}
	j.ProgressPercent = progress
	j.CurrentStep = step
	return nil
}

func phaseWarnings(res model.PhaseResult) []string {
	var out []string
	for _, o := range res.ToolOutcomes {
		if o.Outcome != model.OutcomeFailure {
			continue
		}
		msg := fmt.Sprintf("phase %s: tool %s failed", res.PhaseTag, o.ToolName)
		if o.ErrorKind != model.ErrorKindNone {
			msg += " (" + string(o.ErrorKind) + ")"
		}
		out = append(out, msg)
	}
	return out
}
