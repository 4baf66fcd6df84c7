package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/target/memscope/internal/domain/model"
	apperrors "github.com/target/memscope/internal/errors"
	"github.com/target/memscope/internal/mocks"
	"github.com/target/memscope/internal/service"
)

func newJobRouter(t *testing.T, jobs JobService, archive *mocks.MockJobArchiveRepository) http.Handler {
	t.Helper()
	services := RouterServices{Jobs: jobs}
	if archive != nil {
		services.Archive = archive
	}
	return NewRouter(services)
}

func serve(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestCreateJob_Success(t *testing.T) {
	h := newJobRouter(t, newFakeJobs(), nil)

	rec := serve(h, http.MethodPost, "/api/jobs", `{"instance_id":" i-abc ","instance_name":"web-1"}`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "/api/jobs/job-new-1", rec.Header().Get("Location"))
	body := decodeBody(t, rec)
	assert.Equal(t, "job-new-1", body["id"])
	assert.Equal(t, "pending", body["state"])
	assert.Equal(t, false, body["has_result"])
	subject, ok := body["subject"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "i-abc", subject["instance_id"])
}

func TestCreateJob_Errors(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		submitErr error
		wantCode  int
		wantErr   string
	}{
		{name: "malformed json", body: `{"instance_id":`, wantCode: http.StatusBadRequest, wantErr: "invalid_json"},
		{name: "unknown field", body: `{"instance_id":"i-1","priority":9}`, wantCode: http.StatusBadRequest, wantErr: "invalid_json"},
		{name: "trailing object", body: `{"instance_id":"i-1"}{"instance_id":"i-2"}`, wantCode: http.StatusBadRequest, wantErr: "invalid_json"},
		{name: "missing instance", body: `{"instance_name":"web-1"}`, wantCode: http.StatusBadRequest, wantErr: "validation"},
		{name: "relative dump", body: `{"instance_id":"i-1","dump_path":"dumps/x.raw"}`, wantCode: http.StatusBadRequest, wantErr: "validation"},
		{
			name:      "table full",
			body:      `{"instance_id":"i-1"}`,
			submitErr: apperrors.CapacityExceededf("job table is full (%d jobs)", 2),
			wantCode:  http.StatusTooManyRequests,
			wantErr:   "capacity_exceeded",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jobs := newFakeJobs()
			jobs.submitErr = tt.submitErr
			rec := serve(newJobRouter(t, jobs, nil), http.MethodPost, "/api/jobs", tt.body)

			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.wantErr, decodeBody(t, rec)["error"])
		})
	}
}

func TestListJobs_FiltersAndStats(t *testing.T) {
	pending := &model.Job{ID: "a", Subject: model.SubjectRef{InstanceID: "i-1"}, State: model.JobStatePending, Version: 1}
	running := &model.Job{ID: "b", Subject: model.SubjectRef{InstanceID: "i-2"}, State: model.JobStateAnalyzing, Version: 4}
	h := newJobRouter(t, newFakeJobs(pending, running, completedJob("c")), nil)

	rec := serve(h, http.MethodGet, "/api/jobs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var all listJobsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	assert.Len(t, all.Jobs, 3)
	assert.Equal(t, model.JobStats{Pending: 1, Active: 1, Completed: 1}, all.Stats)
	assert.Nil(t, all.Jobs[2].Result, "status view omits result bodies")
	assert.True(t, all.Jobs[2].HasResult)

	rec = serve(h, http.MethodGet, "/api/jobs?state=ANALYZING", "")
	var byState listJobsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &byState))
	require.Len(t, byState.Jobs, 1)
	assert.Equal(t, "b", byState.Jobs[0].ID)

	rec = serve(h, http.MethodGet, "/api/jobs?instance_id=i-1", "")
	var byInstance listJobsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &byInstance))
	require.Len(t, byInstance.Jobs, 1)
	assert.Equal(t, "a", byInstance.Jobs[0].ID)

	rec = serve(h, http.MethodGet, "/api/jobs?state=sleeping", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetJob(t *testing.T) {
	h := newJobRouter(t, newFakeJobs(completedJob("job-1")), nil)

	rec := serve(h, http.MethodGet, "/api/jobs/job-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "7", rec.Header().Get(jobVersionHeader))
	body := decodeBody(t, rec)
	assert.Equal(t, "completed", body["state"])
	assert.NotContains(t, body, "result")
	assert.NotContains(t, body, "evicted")

	rec = serve(h, http.MethodGet, "/api/jobs/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeBody(t, rec)["error"])
}

func TestGetJob_FallsBackToArchive(t *testing.T) {
	ctrl := gomock.NewController(t)
	archive := mocks.NewMockJobArchiveRepository(ctrl)
	archive.EXPECT().GetByID(gomock.Any(), "old").Return(completedJob("old"), nil)
	archive.EXPECT().GetByID(gomock.Any(), "gone").Return(nil, apperrors.NotFound("record not found"))

	h := newJobRouter(t, newFakeJobs(), archive)

	rec := serve(h, http.MethodGet, "/api/jobs/old", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["evicted"])

	rec = serve(h, http.MethodGet, "/api/jobs/gone", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

type stubSnapshots struct {
	jobs map[string]*model.Job
	err  error
}

func (s stubSnapshots) Snapshot(_ context.Context, id string) (*model.Job, error) {
	return s.jobs[id], s.err
}

func TestGetJob_FallsBackToSnapshot(t *testing.T) {
	h := &JobHandlers{
		Svc:       newFakeJobs(),
		Snapshots: stubSnapshots{jobs: map[string]*model.Job{"snap": completedJob("snap")}},
	}
	mux := http.NewServeMux()
	registerJobRoutes(mux, h)

	rec := serve(mux, http.MethodGet, "/api/jobs/snap", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["evicted"])

	h.Snapshots = stubSnapshots{err: errors.New("redis down")}
	rec = serve(mux, http.MethodGet, "/api/jobs/snap", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetResult(t *testing.T) {
	failed := &model.Job{
		ID:            "failed",
		State:         model.JobStateFailed,
		PartialResult: sampleResult(),
		ErrorDetail:   &model.ErrorDetail{Code: "phase_failure_policy_violated", Message: "extract failed"},
	}
	running := &model.Job{ID: "running", State: model.JobStateAnalyzing, Version: 3}
	h := newJobRouter(t, newFakeJobs(completedJob("done"), failed, running), nil)

	rec := serve(h, http.MethodGet, "/api/jobs/done/result", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var doc model.ResultDocument
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, 1, doc.FindingCount())

	rec = serve(h, http.MethodGet, "/api/jobs/running/result", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "not_ready", decodeBody(t, rec)["error"])

	rec = serve(h, http.MethodGet, "/api/jobs/failed/result", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = serve(h, http.MethodGet, "/api/jobs/failed/result?partial=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, "i-abc", doc.Subject.InstanceID)

	rec = serve(h, http.MethodGet, "/api/jobs/running/result?partial=true", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = serve(h, http.MethodGet, "/api/jobs/missing/result", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetReport(t *testing.T) {
	jobs := newFakeJobs(completedJob("done"), &model.Job{ID: "pending", State: model.JobStatePending, Version: 1})
	jobs.reports["done"] = &service.Report{
		Data:        []byte("# Memory analysis report\n"),
		Format:      "markdown",
		ContentType: "text/markdown; charset=utf-8",
	}
	h := newJobRouter(t, jobs, nil)

	rec := serve(h, http.MethodGet, "/api/jobs/done/report", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/markdown; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "markdown", rec.Header().Get("X-Report-Format"))
	assert.Equal(t, "# Memory analysis report\n", rec.Body.String())

	rec = serve(h, http.MethodGet, "/api/jobs/done/report?format=json", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "password=hunter2")

	rec = serve(h, http.MethodGet, "/api/jobs/done/report?format=pdf", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(h, http.MethodGet, "/api/jobs/pending/report", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestGetReport_FromArchive(t *testing.T) {
	ctrl := gomock.NewController(t)
	archive := mocks.NewMockJobArchiveRepository(ctrl)
	archived := completedJob("old")
	archived.ReportFormat = "json"
	archived.Report = []byte(`{"findings":{}}`)
	archive.EXPECT().GetByID(gomock.Any(), "old").Return(archived, nil)

	rec := serve(newJobRouter(t, newFakeJobs(), archive), http.MethodGet, "/api/jobs/old/report", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"findings":{}}`, rec.Body.String())
}

func TestCancelJob(t *testing.T) {
	jobs := newFakeJobs(
		&model.Job{ID: "queued", State: model.JobStatePending, Version: 1},
		&model.Job{ID: "run", State: model.JobStateAcquiring, Version: 2},
		completedJob("done"),
	)
	h := newJobRouter(t, jobs, nil)

	rec := serve(h, http.MethodPost, "/api/jobs/queued/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cancelled", decodeBody(t, rec)["state"])

	rec = serve(h, http.MethodPost, "/api/jobs/run/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "acquiring", decodeBody(t, rec)["state"], "the worker finishes an active job's cancellation")

	rec = serve(h, http.MethodPost, "/api/jobs/done/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "completed", decodeBody(t, rec)["state"], "terminal jobs are left unchanged")

	rec = serve(h, http.MethodPost, "/api/jobs/missing/cancel", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, jobs.removed)
}

func TestDeleteJob(t *testing.T) {
	t.Run("terminal job is removed", func(t *testing.T) {
		jobs := newFakeJobs(completedJob("done"))
		h := newJobRouter(t, jobs, nil)

		rec := serve(h, http.MethodDelete, "/api/jobs/done", "")
		require.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, "completed", body["state"])
		assert.Equal(t, true, body["evicted"])
		assert.Equal(t, []string{"done"}, jobs.removed)

		rec = serve(h, http.MethodGet, "/api/jobs/done", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("pending job is cancelled and removed", func(t *testing.T) {
		jobs := newFakeJobs(&model.Job{ID: "queued", State: model.JobStatePending, Version: 1})
		h := newJobRouter(t, jobs, nil)

		rec := serve(h, http.MethodDelete, "/api/jobs/queued", "")
		require.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, "cancelled", body["state"])
		assert.Equal(t, true, body["evicted"])
		assert.Equal(t, []string{"queued"}, jobs.removed)
	})

	t.Run("active job is accepted until it stops", func(t *testing.T) {
		jobs := newFakeJobs(&model.Job{ID: "run", State: model.JobStateAnalyzing, Version: 4})
		h := newJobRouter(t, jobs, nil)

		rec := serve(h, http.MethodDelete, "/api/jobs/run", "")
		require.Equal(t, http.StatusAccepted, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, "analyzing", body["state"])
		assert.NotContains(t, body, "evicted")
		assert.Empty(t, jobs.removed)

		jobs.finishCancel("run")
		rec = serve(h, http.MethodDelete, "/api/jobs/run", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "cancelled", decodeBody(t, rec)["state"])
		assert.Equal(t, []string{"run"}, jobs.removed)
	})

	t.Run("missing job", func(t *testing.T) {
		h := newJobRouter(t, newFakeJobs(), nil)
		rec := serve(h, http.MethodDelete, "/api/jobs/missing", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestWatchJob(t *testing.T) {
	jobs := newFakeJobs(&model.Job{ID: "run", State: model.JobStateAnalyzing, Version: 3})
	h := newJobRouter(t, jobs, nil)

	rec := serve(h, http.MethodGet, "/api/jobs/run/watch?since=2&wait=1s", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "3", rec.Header().Get(jobVersionHeader))

	rec = serve(h, http.MethodGet, "/api/jobs/run/watch?since=3&wait=20ms", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "3", rec.Header().Get(jobVersionHeader))
	assert.Empty(t, rec.Body.String())

	jobs.bump("run", model.JobStateReporting)
	rec = serve(h, http.MethodGet, "/api/jobs/run/watch?since=3&wait=20ms", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "reporting", decodeBody(t, rec)["state"])

	rec = serve(h, http.MethodGet, "/api/jobs/missing/watch", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWatchJob_EvictedJobReturnsArchivedSnapshot(t *testing.T) {
	ctrl := gomock.NewController(t)
	archive := mocks.NewMockJobArchiveRepository(ctrl)
	archive.EXPECT().GetByID(gomock.Any(), "old").Return(completedJob("old"), nil)

	rec := serve(newJobRouter(t, newFakeJobs(), archive), http.MethodGet, "/api/jobs/old/watch?since=99", "")

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "completed", body["state"])
	assert.Equal(t, true, body["evicted"])
}
