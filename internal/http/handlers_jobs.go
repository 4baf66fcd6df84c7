// Package httpx provides the memscope REST API: job submission, status, long-poll watch,
// results, reports, cancellation and the archive of evicted jobs.
package httpx

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/target/memscope/internal/core"
	"github.com/target/memscope/internal/domain/model"
	apperrors "github.com/target/memscope/internal/errors"
	"github.com/target/memscope/internal/report"
	"github.com/target/memscope/internal/service"
)

// JobService is the part of the orchestrator the API drives.
type JobService interface {
	SubmitRequest(ctx context.Context, req model.SubmitJobRequest) (*model.Job, error)
	GetStatus(ctx context.Context, id string) (*model.Job, error)
	GetResult(ctx context.Context, id string) (*model.ResultDocument, error)
	GetReport(ctx context.Context, id string) (*service.Report, error)
	ListJobs(ctx context.Context) []*model.Job
	Stats(ctx context.Context) model.JobStats
	Cancel(ctx context.Context, id string) (*model.Job, error)
	Remove(ctx context.Context, id string) (*model.Job, error)
	Watch(ctx context.Context, id string, since uint64) (*model.Job, error)
}

// SnapshotSource returns the last published snapshot of a job, or nil when none is kept.
type SnapshotSource interface {
	Snapshot(ctx context.Context, id string) (*model.Job, error)
}

const (
	defaultWatchTimeout = 30 * time.Second
	jobVersionHeader    = "X-Job-Version"
)

// JobHandlers provides HTTP handlers for job-related operations.
type JobHandlers struct {
	Svc JobService
	// Archive and Snapshots answer for jobs already evicted from the job table. Both are optional.
	Archive   core.JobArchiveRepository
	Snapshots SnapshotSource
	// WatchTimeout caps the wait query parameter of Watch.
	WatchTimeout time.Duration
	Logger       *slog.Logger
}

// jobStatus is the status view of a job. Result bodies are served by their own endpoints.
type jobStatus struct {
	*model.Job
	HasResult        bool `json:"has_result"`
	HasPartialResult bool `json:"has_partial_result,omitempty"`
	Evicted          bool `json:"evicted,omitempty"`
}

func statusOf(job *model.Job, evicted bool) jobStatus {
	view := job.Clone()
	view.Result, view.PartialResult = nil, nil
	return jobStatus{
		Job:              view,
		HasResult:        job.Result != nil,
		HasPartialResult: job.PartialResult != nil,
		Evicted:          evicted,
	}
}

// CreateJob handles POST /api/jobs.
func (h *JobHandlers) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req model.SubmitJobRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	job, err := h.Svc.SubmitRequest(r.Context(), req)
	if err != nil {
		WriteAppError(w, err)
		return
	}

	w.Header().Set("Location", "/api/jobs/"+job.ID)
	WriteJSON(w, http.StatusAccepted, statusOf(job, false))
}

type listJobsResponse struct {
	Jobs  []jobStatus    `json:"jobs"`
	Stats model.JobStats `json:"stats"`
}

// ListJobs handles GET /api/jobs. It filters the job table by state and instance_id.
func (h *JobHandlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var state model.JobState
	if raw := q.Get("state"); raw != "" {
		if err := state.UnmarshalText([]byte(raw)); err != nil {
			WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: string(apperrors.ErrCodeValidation), Err: err})
			return
		}
	}
	instance := strings.TrimSpace(q.Get("instance_id"))

	jobs := h.Svc.ListJobs(r.Context())
	out := listJobsResponse{Jobs: make([]jobStatus, 0, len(jobs)), Stats: h.Svc.Stats(r.Context())}
	for _, j := range jobs {
		if state != "" && j.State != state {
			continue
		}
		if instance != "" && j.Subject.InstanceID != instance {
			continue
		}
		out.Jobs = append(out.Jobs, statusOf(j, false))
	}
	WriteJSON(w, http.StatusOK, out)
}

// GetJob handles GET /api/jobs/{id}.
func (h *JobHandlers) GetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	job, evicted, err := h.lookup(r.Context(), id)
	if err != nil {
		WriteAppError(w, err)
		return
	}
	w.Header().Set(jobVersionHeader, strconv.FormatUint(job.Version, 10))
	WriteJSON(w, http.StatusOK, statusOf(job, evicted))
}

// GetResult handles GET /api/jobs/{id}/result. With partial=true a failed or cancelled job's
// partial result is returned instead of 409.
func (h *JobHandlers) GetResult(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	partial, _ := strconv.ParseBool(r.URL.Query().Get("partial"))

	doc, err := h.Svc.GetResult(ctx, id)
	switch {
	case err == nil:
		WriteJSON(w, http.StatusOK, doc)
		return
	case !apperrors.IsNotFound(err) && !(partial && apperrors.IsNotReady(err)):
		WriteAppError(w, err)
		return
	}

	job, _, err := h.lookup(ctx, id)
	if err != nil {
		WriteAppError(w, err)
		return
	}
	doc, err = resultOf(job, partial)
	if err != nil {
		WriteAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, doc)
}

func resultOf(job *model.Job, partial bool) (*model.ResultDocument, error) {
	if job.State == model.JobStateCompleted && job.Result != nil {
		return job.Result, nil
	}
	if partial && job.State.Terminal() && job.PartialResult != nil {
		return job.PartialResult, nil
	}
	return nil, apperrors.NotReadyf("job %s is %s", job.ID, job.State)
}

// GetReport handles GET /api/jobs/{id}/report. The stored report is served as rendered; format
// renders the result on demand in another format.
func (h *JobHandlers) GetReport(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	if format := strings.TrimSpace(r.URL.Query().Get("format")); format != "" {
		h.renderReport(w, r, id, format)
		return
	}

	rep, err := h.Svc.GetReport(ctx, id)
	if apperrors.IsNotFound(err) {
		rep, err = h.archivedReport(ctx, id)
	}
	if err != nil {
		WriteAppError(w, err)
		return
	}
	writeReport(w, rep)
}

func (h *JobHandlers) renderReport(w http.ResponseWriter, r *http.Request, id, format string) {
	renderer, err := report.New(format)
	if err != nil {
		WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: string(apperrors.ErrCodeValidation), Err: err})
		return
	}
	ctx := r.Context()
	doc, err := h.Svc.GetResult(ctx, id)
	if apperrors.IsNotFound(err) {
		var job *model.Job
		if job, _, err = h.lookup(ctx, id); err == nil {
			doc, err = resultOf(job, false)
		}
	}
	if err != nil {
		WriteAppError(w, err)
		return
	}
	data, err := renderer.Render(doc)
	if err != nil {
		WriteAppError(w, apperrors.Wrapf(err, apperrors.ErrCodeReportRenderFailed, "render %s report", renderer.Format()))
		return
	}
	writeReport(w, &service.Report{Data: data, Format: renderer.Format(), ContentType: renderer.ContentType()})
}

// archivedReport returns the report stored with an archived job.
func (h *JobHandlers) archivedReport(ctx context.Context, id string) (*service.Report, error) {
	job, _, err := h.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case job.State != model.JobStateCompleted:
		return nil, apperrors.NotReadyf("job %s is %s", id, job.State)
	case job.ReportError != "":
		return nil, apperrors.Newf(apperrors.ErrCodeReportRenderFailed, "report for job %s failed: %s", id, job.ReportError)
	case len(job.Report) == 0:
		return nil, apperrors.NotFoundf("job %s has no rendered report", id)
	}
	contentType := "application/octet-stream"
	if renderer, err := report.New(job.ReportFormat); err == nil {
		contentType = renderer.ContentType()
	}
	return &service.Report{Data: job.Report, Format: job.ReportFormat, ContentType: contentType}, nil
}

func writeReport(w http.ResponseWriter, rep *service.Report) {
	w.Header().Set("Content-Type", rep.ContentType)
	w.Header().Set("X-Report-Format", rep.Format)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(rep.Data); err != nil {
		return
	}
}

// CancelJob handles POST /api/jobs/{id}/cancel. Cancelling a terminal job returns it unchanged.
func (h *JobHandlers) CancelJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	job, err := h.Svc.Cancel(r.Context(), id)
	if err != nil {
		WriteAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, statusOf(job, false))
}

// DeleteJob handles DELETE /api/jobs/{id}. It cancels the job and removes it from the job table
// once it is terminal; with an archive configured the job stays readable from there. A job that
// is still stopping answers 202 and can be deleted again when it has finished.
func (h *JobHandlers) DeleteJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	job, err := h.Svc.Cancel(ctx, id)
	if err != nil {
		WriteAppError(w, err)
		return
	}
	if !job.State.Terminal() {
		WriteJSON(w, http.StatusAccepted, statusOf(job, false))
		return
	}

	removed, err := h.Svc.Remove(ctx, id)
	switch {
	case err == nil:
		WriteJSON(w, http.StatusOK, statusOf(removed, true))
	case apperrors.IsNotFound(err):
		// Evicted between the two calls.
		WriteJSON(w, http.StatusOK, statusOf(job, true))
	default:
		WriteAppError(w, err)
	}
}

// WatchJob handles GET /api/jobs/{id}/watch?since=<version>&wait=<duration>. It long-polls until
// the job's version passes since or the job is terminal. When the wait elapses with no change it
// answers 204.
func (h *JobHandlers) WatchJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	limit := h.WatchTimeout
	if limit <= 0 {
		limit = defaultWatchTimeout
	}
	since := parseUintQuery(r, "since", 0)
	wait := parseWaitQuery(r, "wait", limit, limit)

	ctx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()

	job, err := h.Svc.Watch(ctx, id, since)
	switch {
	case err == nil:
	case apperrors.IsNotFound(err):
		// Evicted jobs are terminal; their archived snapshot is final.
		var evicted *model.Job
		if evicted, _, err = h.lookup(r.Context(), id); err != nil {
			WriteAppError(w, err)
			return
		}
		w.Header().Set(jobVersionHeader, strconv.FormatUint(evicted.Version, 10))
		WriteJSON(w, http.StatusOK, statusOf(evicted, true))
		return
	case errors.Is(err, context.DeadlineExceeded) && job != nil:
		w.Header().Set(jobVersionHeader, strconv.FormatUint(job.Version, 10))
		if job.Version <= since {
			w.WriteHeader(http.StatusNoContent)
			return
		}
	case errors.Is(err, context.Canceled):
		// Client went away.
		return
	default:
		WriteAppError(w, err)
		return
	}

	w.Header().Set(jobVersionHeader, strconv.FormatUint(job.Version, 10))
	WriteJSON(w, http.StatusOK, statusOf(job, false))
}

// lookup finds a job in the job table, then the archive, then the published snapshots. The bool
// reports whether the job came from outside the job table.
func (h *JobHandlers) lookup(ctx context.Context, id string) (*model.Job, bool, error) {
	job, err := h.Svc.GetStatus(ctx, id)
	if err == nil || !apperrors.IsNotFound(err) {
		return job, false, err
	}
	notFound := err

	if h.Archive != nil {
		archived, aerr := h.Archive.GetByID(ctx, id)
		switch {
		case aerr == nil:
			return archived, true, nil
		case !apperrors.IsNotFound(aerr):
			h.logger().WarnContext(ctx, "archive lookup failed", "job_id", id, "error", aerr)
		}
	}

	if h.Snapshots != nil {
		snap, serr := h.Snapshots.Snapshot(ctx, id)
		switch {
		case serr != nil:
			h.logger().WarnContext(ctx, "snapshot lookup failed", "job_id", id, "error", serr)
		case snap != nil:
			return snap, true, nil
		}
	}
	return nil, false, notFound
}

func (h *JobHandlers) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}
