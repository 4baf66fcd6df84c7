package data

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/memscope/internal/domain/model"
	apperrors "github.com/target/memscope/internal/errors"
	"github.com/target/memscope/internal/testutil"
)

func archivedJob(id, instance string, state model.JobState, completed time.Time) *model.Job {
	created := completed.Add(-time.Minute)
	job := &model.Job{
		ID:              id,
		Subject:         model.SubjectRef{InstanceID: instance, InstanceName: "web-" + instance},
		State:           state,
		ProgressPercent: 100,
		CurrentStep:     string(state),
		Version:         9,
		CreatedAt:       created,
		CompletedAt:     &completed,
	}
	doc := &model.ResultDocument{
		Subject: job.Subject,
		Findings: map[string][]model.Finding{
			model.CategoryNetworkArtifacts: {{Tool: "strings", Phase: "scan", Rule: "url", Value: "http://x.test"}},
			model.CategoryCredentials:      {{Tool: "yara", Phase: "creds", Rule: "aws_key", Value: "AKIA...", Offset: 4096}},
		},
		ToolSummary: model.ToolSummary{Run: 2, Succeeded: 2},
		GeneratedAt: completed,
	}
	switch state {
	case model.JobStateCompleted:
		job.Result = doc
		job.Report = []byte("# report")
		job.ReportFormat = "markdown"
	default:
		job.PartialResult = doc
		job.ErrorDetail = &model.ErrorDetail{Code: "phase_failure_policy_violated", Message: "scan failed", Phase: "scan"}
	}
	return job
}

func TestJobArchiveRepo_Validation(t *testing.T) {
	_, err := NewJobArchiveRepo(nil)
	require.ErrorIs(t, err, ErrNilArchiveStore)

	repo := &JobArchiveRepo{now: time.Now}
	ctx := context.Background()

	require.ErrorIs(t, repo.Archive(ctx, nil), ErrJobIDRequired)
	require.ErrorIs(t, repo.Archive(ctx, &model.Job{ID: "a", State: model.JobStateAnalyzing}), ErrJobNotTerminal)

	_, err = repo.GetByID(ctx, "")
	require.ErrorIs(t, err, ErrJobIDRequired)
}

func TestArchivedDocument(t *testing.T) {
	now := testutil.TestTime()
	assert.NotNil(t, archivedDocument(archivedJob("a", "vm", model.JobStateCompleted, now)))
	assert.NotNil(t, archivedDocument(archivedJob("b", "vm", model.JobStateFailed, now)))
	assert.Nil(t, archivedDocument(&model.Job{State: model.JobStateCancelled}))
}

func TestJobArchiveRepo_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	base := testutil.TestTime()

	repo, err := NewJobArchiveRepoWithClock(db, func() time.Time { return base.Add(time.Hour) })
	require.NoError(t, err)

	require.NoError(t, repo.Archive(ctx, archivedJob("job-1", "vm-1", model.JobStateCompleted, base)))
	require.NoError(t, repo.Archive(ctx, archivedJob("job-2", "vm-1", model.JobStateFailed, base.Add(time.Minute))))
	require.NoError(t, repo.Archive(ctx, archivedJob("job-3", "vm-2", model.JobStateCompleted, base.Add(2*time.Minute))))

	t.Run("get by id round trips snapshot and report", func(t *testing.T) {
		got, err := repo.GetByID(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, model.JobStateCompleted, got.State)
		assert.Equal(t, "web-vm-1", got.Subject.InstanceName)
		assert.Equal(t, []byte("# report"), got.Report)
		assert.Equal(t, "markdown", got.ReportFormat)
		require.NotNil(t, got.Result)
		assert.Equal(t, 2, got.Result.FindingCount())
	})

	t.Run("missing id maps to not found", func(t *testing.T) {
		_, err := repo.GetByID(ctx, "nope")
		assert.True(t, apperrors.IsNotFound(err))
	})

	t.Run("archive again replaces findings", func(t *testing.T) {
		job := archivedJob("job-1", "vm-1", model.JobStateCompleted, base)
		job.Result.Findings = map[string][]model.Finding{
			model.CategoryOther: {{Tool: "strings", Phase: "scan", Value: "only"}},
		}
		require.NoError(t, repo.Archive(ctx, job))

		var n int
		require.NoError(t, db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM job_archive_findings WHERE job_id = $1`, "job-1").Scan(&n))
		assert.Equal(t, 1, n)
	})

	t.Run("list filters and orders newest first", func(t *testing.T) {
		all, err := repo.List(ctx, model.ArchiveListOptions{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "job-3", all[0].ID)

		byInstance, err := repo.List(ctx, model.ArchiveListOptions{InstanceID: "vm-1"})
		require.NoError(t, err)
		require.Len(t, byInstance, 2)
		assert.Equal(t, "job-2", byInstance[0].ID)

		failed, err := repo.List(ctx, model.ArchiveListOptions{State: model.JobStateFailed})
		require.NoError(t, err)
		require.Len(t, failed, 1)
		assert.Equal(t, "phase_failure_policy_violated", failed[0].ErrorDetail.Code)

		page, err := repo.List(ctx, model.ArchiveListOptions{Limit: 1, Offset: 1})
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, "job-2", page[0].ID)
	})

	t.Run("delete before cutoff", func(t *testing.T) {
		n, err := repo.DeleteBefore(ctx, base.Add(90*time.Second))
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		left, err := repo.List(ctx, model.ArchiveListOptions{})
		require.NoError(t, err)
		require.Len(t, left, 1)
		assert.Equal(t, "job-3", left[0].ID)
	})
}
