package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	domainjob "github.com/target/memscope/internal/domain/job"
	"github.com/target/memscope/internal/domain/model"
	apperrors "github.com/target/memscope/internal/errors"
	"github.com/target/memscope/internal/mocks"
	"github.com/target/memscope/internal/pipeline"
	"github.com/target/memscope/internal/tools"
)

func TestNewOrchestrator(t *testing.T) {
	valid := func() OrchestratorOptions {
		return OrchestratorOptions{Pipeline: PipelineDeps{
			Runner:     newScriptedRunner(""),
			Aggregator: pipeline.NewAggregator(nil),
			Workspace:  pipeline.NewWorkspace(t.TempDir()),
			Plan:       testPlan(),
		}}
	}

	tests := []struct {
		name    string
		mutate  func(*OrchestratorOptions)
		wantErr string
	}{
		{name: "valid", mutate: func(*OrchestratorOptions) {}},
		{name: "missing runner", mutate: func(o *OrchestratorOptions) { o.Pipeline.Runner = nil }, wantErr: "PhaseRunner"},
		{name: "missing aggregator", mutate: func(o *OrchestratorOptions) { o.Pipeline.Aggregator = nil }, wantErr: "ResultAggregator"},
		{name: "missing workspace", mutate: func(o *OrchestratorOptions) { o.Pipeline.Workspace = nil }, wantErr: "JobWorkspace"},
		{name: "empty plan", mutate: func(o *OrchestratorOptions) { o.Pipeline.Plan = pipeline.Plan{} }, wantErr: "phase plan"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := valid()
			tt.mutate(&opts)
			orch, err := NewOrchestrator(opts)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, DefaultConcurrency, orch.Concurrency())
		})
	}
}

func TestOrchestrator_SubmitValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.orch.Submit(ctx, model.SubjectRef{InstanceID: "  "})
	assert.True(t, apperrors.IsValidation(err))

	_, err = f.orch.SubmitFromDump(ctx, model.SubjectRef{InstanceID: "vm-1"}, "")
	assert.True(t, apperrors.IsValidation(err))
	assert.Equal(t, "dump_path", apperrors.GetField(err))

	_, err = f.orch.SubmitFromDump(ctx, model.SubjectRef{InstanceID: "vm-1"}, "relative/core.raw")
	assert.True(t, apperrors.IsValidation(err))

	job := f.submit(t, "vm-1")
	assert.Equal(t, model.JobStatePending, job.State)
	assert.Equal(t, 0, job.ProgressPercent)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, uint64(1), job.Version)
}

func TestOrchestrator_CapacityExceeded(t *testing.T) {
	f := newFixture(t, withConfig(OrchestratorConfig{Concurrency: 1, MaxJobs: 2}))
	f.submit(t, "vm-1")
	f.submit(t, "vm-2")

	_, err := f.orch.Submit(context.Background(), model.SubjectRef{InstanceID: "vm-3"})
	require.Error(t, err)
	assert.True(t, apperrors.IsCapacityExceeded(err))
	assert.Len(t, f.orch.ListJobs(context.Background()), 2)
}

func TestOrchestrator_ReserveNextHonoursConcurrencyInFIFOOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var ids []string
	for i := range 5 {
		ids = append(ids, f.submit(t, fmt.Sprintf("vm-%d", i)).ID)
	}

	first, err := f.orch.ReserveNext(ctx)
	require.NoError(t, err)
	second, err := f.orch.ReserveNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, ids[0], first)
	assert.Equal(t, ids[1], second)

	_, err = f.orch.ReserveNext(ctx)
	assert.ErrorIs(t, err, model.ErrNoJobsAvailable)

	stats := f.orch.Stats(ctx)
	assert.Equal(t, 2, stats.Active)
	assert.Equal(t, 3, stats.Pending)

	job, err := f.orch.GetStatus(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, model.JobStateAcquiring, job.State)
	assert.Equal(t, domainjob.ProgressAcquiring, job.ProgressPercent)
	assert.NotNil(t, job.StartedAt)

	f.orch.Execute(ctx, first)

	third, err := f.orch.ReserveNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, ids[2], third)
}

func TestOrchestrator_ConcurrentWorkersNeverExceedBound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var (
		mu      sync.Mutex
		running int
		peak    int
	)
	f.runner.on("scan", func(_ context.Context, spec model.PhaseSpec, _ tools.Artifact) model.PhaseResult {
		mu.Lock()
		running++
		peak = max(peak, running)
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		running--
		mu.Unlock()
		return allSucceeded(spec)
	})

	var ids []string
	for i := range 5 {
		ids = append(ids, f.submit(t, fmt.Sprintf("vm-%d", i)).ID)
	}

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				id, err := f.orch.ReserveNext(ctx)
				if errors.Is(err, model.ErrNoJobsAvailable) {
					if f.orch.Stats(ctx).Pending == 0 {
						return
					}
					time.Sleep(time.Millisecond)
					continue
				}
				f.orch.Execute(ctx, id)
			}
		}()
	}
	wg.Wait()

	for _, id := range ids {
		job, err := f.orch.GetStatus(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.JobStateCompleted, job.State, id)
	}
	assert.LessOrEqual(t, peak, 2)
	assert.Equal(t, 5, f.orch.Stats(ctx).Completed)
}

func TestOrchestrator_GetResultBeforeCompletion(t *testing.T) {
	f := newFixture(t, withRenderer(stubRenderer{}))
	ctx := context.Background()
	job := f.submit(t, "vm-1")

	_, err := f.orch.GetResult(ctx, job.ID)
	assert.True(t, apperrors.IsNotReady(err))
	_, err = f.orch.GetReport(ctx, job.ID)
	assert.True(t, apperrors.IsNotReady(err))

	done := f.runNext(t)
	require.Equal(t, model.JobStateCompleted, done.State)
	assert.Equal(t, 100, done.ProgressPercent)

	doc, err := f.orch.GetResult(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "vm-1", doc.Subject.InstanceID)
	assert.Equal(t, f.image, doc.Acquisition.ImagePath)
	assert.Equal(t, 3, doc.ToolSummary.Run)
	assert.Equal(t, 3, doc.FindingCount())

	report, err := f.orch.GetReport(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "markdown", report.Format)
	assert.Equal(t, "# report for vm-1", string(report.Data))

	_, err = f.orch.GetResult(ctx, "missing")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestOrchestrator_GetReportWithoutRenderer(t *testing.T) {
	f := newFixture(t)
	job := f.submit(t, "vm-1")
	f.runNext(t)

	_, err := f.orch.GetReport(context.Background(), job.ID)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestOrchestrator_CancelPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.submit(t, "vm-1")
	second := f.submit(t, "vm-2")

	cancelled, err := f.orch.Cancel(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStateCancelled, cancelled.State)
	assert.NotNil(t, cancelled.CompletedAt)

	again, err := f.orch.Cancel(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, cancelled.Version, again.Version, "cancel of a terminal job is a no-op")

	id, err := f.orch.ReserveNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.ID, id, "cancelled job left the queue")
	assert.Empty(t, f.runner.called())

	_, err = f.orch.Cancel(ctx, "missing")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestOrchestrator_WatchReturnsNewerVersions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.submit(t, "vm-1")

	done := make(chan struct{})
	var seen []*model.Job
	go func() {
		defer close(done)
		since := job.Version
		for {
			snap, err := f.orch.Watch(ctx, job.ID, since)
			if err != nil {
				return
			}
			seen = append(seen, snap)
			if snap.State.Terminal() {
				return
			}
			since = snap.Version
		}
	}()

	f.runNext(t)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not observe the terminal state")
	}

	require.NotEmpty(t, seen)
	last := seen[len(seen)-1]
	assert.Equal(t, model.JobStateCompleted, last.State)
	for i := 1; i < len(seen); i++ {
		assert.Greater(t, seen[i].Version, seen[i-1].Version)
		assert.GreaterOrEqual(t, seen[i].ProgressPercent, seen[i-1].ProgressPercent)
	}
}

func TestOrchestrator_WatchTimesOutWithSnapshot(t *testing.T) {
	f := newFixture(t)
	job := f.submit(t, "vm-1")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	snap, err := f.orch.Watch(ctx, job.ID, job.Version)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotNil(t, snap)
	assert.Equal(t, model.JobStatePending, snap.State)

	_, err = f.orch.Watch(context.Background(), "missing", 0)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestOrchestrator_PublishesEverySnapshot(t *testing.T) {
	ctrl := gomock.NewController(t)
	publisher := mocks.NewMockJobEventPublisher(ctrl)

	var (
		mu     sync.Mutex
		states []model.JobState
	)
	publisher.EXPECT().PublishJob(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, j *model.Job) error {
			mu.Lock()
			defer mu.Unlock()
			states = append(states, j.State)
			return errors.New("redis down")
		}).MinTimes(1)

	f := newFixture(t, func(o *OrchestratorOptions) { o.Observers.Publisher = publisher })
	f.submit(t, "vm-1")
	job := f.runNext(t)
	assert.Equal(t, model.JobStateCompleted, job.State, "publish errors do not affect the job")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, model.JobStatePending, states[0])
	assert.Equal(t, model.JobStateCompleted, states[len(states)-1])
}

func TestOrchestrator_ExpiredAndDrop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	done := f.submit(t, "vm-1")
	f.runNext(t)
	pending := f.submit(t, "vm-2")

	assert.Empty(t, f.orch.Expired(ctx, time.Now().Add(-time.Hour)))

	expired := f.orch.Expired(ctx, time.Now().Add(time.Minute))
	require.Len(t, expired, 1)
	assert.Equal(t, done.ID, expired[0].ID)
	_, err := f.orch.GetStatus(ctx, done.ID)
	require.NoError(t, err, "selection leaves the job in the table")

	dropped := f.orch.Drop(ctx, []string{done.ID, pending.ID, "missing"})
	require.Len(t, dropped, 1, "only terminal jobs are dropped")
	assert.Equal(t, done.ID, dropped[0].Job.ID)
	assert.Equal(t, f.image, dropped[0].OwnedImage)

	_, err = f.orch.GetStatus(ctx, done.ID)
	assert.True(t, apperrors.IsNotFound(err))
	jobs := f.orch.ListJobs(ctx)
	require.Len(t, jobs, 1)
	assert.Equal(t, pending.ID, jobs[0].ID)
}

func TestOrchestrator_Remove(t *testing.T) {
	ctrl := gomock.NewController(t)
	archive := mocks.NewMockJobArchiveRepository(ctrl)
	f := newFixture(t, func(o *OrchestratorOptions) { o.Archive = archive })
	ctx := context.Background()

	done := f.submit(t, "vm-1")
	f.runNext(t)
	pending := f.submit(t, "vm-2")

	_, err := f.orch.Remove(ctx, pending.ID)
	assert.True(t, apperrors.IsConflict(err), "active and pending jobs must be cancelled first")
	_, err = f.orch.Remove(ctx, "missing")
	assert.True(t, apperrors.IsNotFound(err))

	archive.EXPECT().Archive(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, j *model.Job) error {
		assert.Equal(t, done.ID, j.ID)
		assert.Equal(t, model.JobStateCompleted, j.State)
		return nil
	})
	removed, err := f.orch.Remove(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, done.ID, removed.ID)

	_, err = f.orch.GetStatus(ctx, done.ID)
	assert.True(t, apperrors.IsNotFound(err))
	_, statErr := os.Stat(f.image)
	assert.True(t, errors.Is(statErr, os.ErrNotExist), "acquired image is deleted with the job")
	assert.Len(t, f.orch.ListJobs(ctx), 1)
}

func TestOrchestrator_RemoveKeepsJobWhenArchiveFails(t *testing.T) {
	ctrl := gomock.NewController(t)
	archive := mocks.NewMockJobArchiveRepository(ctrl)
	archive.EXPECT().Archive(gomock.Any(), gomock.Any()).Return(errors.New("db down"))
	f := newFixture(t, func(o *OrchestratorOptions) { o.Archive = archive })
	ctx := context.Background()

	job := f.submit(t, "vm-1")
	f.runNext(t)

	_, err := f.orch.Remove(ctx, job.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")

	kept, err := f.orch.GetStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStateCompleted, kept.State)
	_, statErr := os.Stat(f.image)
	assert.NoError(t, statErr)
}

func TestOrchestrator_RemoveWithoutArchive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job, err := f.orch.SubmitFromDump(ctx, model.SubjectRef{InstanceID: "vm-1"}, f.image)
	require.NoError(t, err)
	f.runNext(t)

	_, err = f.orch.Remove(ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, f.orch.ListJobs(ctx))
	_, statErr := os.Stat(f.image)
	assert.NoError(t, statErr, "caller supplied dumps are never deleted")
}
