package httpx

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/target/memscope/internal/domain/model"
	apperrors "github.com/target/memscope/internal/errors"
	"github.com/target/memscope/internal/service"
)

// fakeJobs is an in-memory JobService with the orchestrator's error semantics.
type fakeJobs struct {
	mu        sync.Mutex
	jobs      map[string]*model.Job
	reports   map[string]*service.Report
	submitErr error
	nextID    int
	// stopping lists active jobs whose cancellation was requested.
	stopping map[string]bool
	removed  []string
}

func newFakeJobs(jobs ...*model.Job) *fakeJobs {
	f := &fakeJobs{jobs: map[string]*model.Job{}, reports: map[string]*service.Report{}, stopping: map[string]bool{}}
	for _, j := range jobs {
		f.jobs[j.ID] = j
	}
	return f
}

func (f *fakeJobs) SubmitRequest(_ context.Context, req model.SubmitJobRequest) (*model.Job, error) {
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	if err := req.Validate(); err != nil {
		return nil, apperrors.Validation(err.Error())
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	job := &model.Job{
		ID:        fmt.Sprintf("job-new-%d", f.nextID),
		Subject:   req.Subject(),
		State:     model.JobStatePending,
		Version:   1,
		CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	f.jobs[job.ID] = job
	return job.Clone(), nil
}

func (f *fakeJobs) get(id string) (*model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return nil, apperrors.NotFoundf("job %s not found", id)
	}
	return j.Clone(), nil
}

func (f *fakeJobs) GetStatus(_ context.Context, id string) (*model.Job, error) {
	return f.get(id)
}

func (f *fakeJobs) GetResult(_ context.Context, id string) (*model.ResultDocument, error) {
	j, err := f.get(id)
	if err != nil {
		return nil, err
	}
	if j.State != model.JobStateCompleted || j.Result == nil {
		return nil, apperrors.NotReadyf("job %s is %s", id, j.State)
	}
	return j.Result, nil
}

func (f *fakeJobs) GetReport(_ context.Context, id string) (*service.Report, error) {
	j, err := f.get(id)
	if err != nil {
		return nil, err
	}
	if j.State != model.JobStateCompleted {
		return nil, apperrors.NotReadyf("job %s is %s", id, j.State)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	rep, ok := f.reports[id]
	if !ok {
		return nil, apperrors.NotFoundf("job %s has no rendered report", id)
	}
	return rep, nil
}

func (f *fakeJobs) ListJobs(_ context.Context) []*model.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*model.Job, 0, len(f.jobs))
	for _, j := range f.jobs {
		out = append(out, j.Clone())
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

func (f *fakeJobs) Stats(_ context.Context) model.JobStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	var s model.JobStats
	for _, j := range f.jobs {
		switch {
		case j.State == model.JobStatePending:
			s.Pending++
		case j.State.Active():
			s.Active++
		case j.State == model.JobStateCompleted:
			s.Completed++
		case j.State == model.JobStateFailed:
			s.Failed++
		case j.State == model.JobStateCancelled:
			s.Cancelled++
		}
	}
	return s
}

func (f *fakeJobs) Cancel(_ context.Context, id string) (*model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return nil, apperrors.NotFoundf("job %s not found", id)
	}
	switch {
	case j.State == model.JobStatePending:
		j.State = model.JobStateCancelled
		j.Version++
	case j.State.Active():
		// The worker finishes the transition later; see finishCancel.
		f.stopping[id] = true
	}
	return j.Clone(), nil
}

// finishCancel moves a job whose cancellation was requested to cancelled.
func (f *fakeJobs) finishCancel(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopping[id] {
		f.jobs[id].State = model.JobStateCancelled
		f.jobs[id].Version++
		delete(f.stopping, id)
	}
}

func (f *fakeJobs) Remove(_ context.Context, id string) (*model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return nil, apperrors.NotFoundf("job %s not found", id)
	}
	if !j.State.Terminal() {
		return nil, apperrors.Newf(apperrors.ErrCodeConflict, "job %s is %s; cancel it before removing it", id, j.State)
	}
	delete(f.jobs, id)
	f.removed = append(f.removed, id)
	return j.Clone(), nil
}

// Watch returns at once when the job moved past since, otherwise it waits for ctx.
func (f *fakeJobs) Watch(ctx context.Context, id string, since uint64) (*model.Job, error) {
	j, err := f.get(id)
	if err != nil {
		return nil, err
	}
	if j.Version > since || j.State.Terminal() {
		return j, nil
	}
	<-ctx.Done()
	return j, ctx.Err()
}

// bump advances a job's state and version the way a worker would.
func (f *fakeJobs) bump(id string, state model.JobState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := f.jobs[id]
	j.State = state
	j.Version++
}

func sampleResult() *model.ResultDocument {
	return &model.ResultDocument{
		Subject:     model.SubjectRef{InstanceID: "i-abc"},
		Acquisition: model.AcquisitionInfo{ImagePath: "/dumps/i-abc.raw", SizeBytes: 4096, Backend: "virsh"},
		Findings: map[string][]model.Finding{
			model.CategoryCredentials: {{Tool: "strings", Phase: "extract", Rule: "password", Value: "password=hunter2"}},
		},
		ToolSummary: model.ToolSummary{Run: 1, Succeeded: 1},
		GeneratedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func completedJob(id string) *model.Job {
	done := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return &model.Job{
		ID:              id,
		Subject:         model.SubjectRef{InstanceID: "i-abc", InstanceName: "web-1"},
		State:           model.JobStateCompleted,
		ProgressPercent: 100,
		Version:         7,
		CompletedAt:     &done,
		Result:          sampleResult(),
		ReportFormat:    "markdown",
	}
}
