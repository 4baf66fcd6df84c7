package evictor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/target/memscope/config"
	"github.com/target/memscope/internal/domain/model"
	"github.com/target/memscope/internal/mocks"
	"github.com/target/memscope/internal/service"
)

type fixedEvicter struct {
	jobs    []*model.Job
	dropped []string
}

func (f *fixedEvicter) Expired(context.Context, time.Time) []*model.Job {
	return f.jobs
}

func (f *fixedEvicter) Drop(_ context.Context, ids []string) []service.EvictedJob {
	f.dropped = append(f.dropped, ids...)
	out := make([]service.EvictedJob, 0, len(ids))
	for _, j := range f.jobs {
		for _, id := range ids {
			if j.ID == id {
				out = append(out, service.EvictedJob{Job: j})
			}
		}
	}
	return out
}

func TestNewRunner(t *testing.T) {
	_, err := NewRunner(RunnerOptions{Config: config.EvictionConfig{Interval: time.Minute}})
	require.Error(t, err)

	_, err = NewRunner(RunnerOptions{Jobs: &fixedEvicter{}})
	require.Error(t, err, "zero interval is rejected by the service")
}

func TestRunner_ArchivesEvictedJobs(t *testing.T) {
	ctrl := gomock.NewController(t)
	archive := mocks.NewMockJobArchiveRepository(ctrl)

	job := &model.Job{ID: "job-1", State: model.JobStateCompleted}
	archive.EXPECT().Archive(gomock.Any(), job).Return(nil)
	evicter := &fixedEvicter{jobs: []*model.Job{job}}

	r, err := NewRunner(RunnerOptions{
		Jobs:    evicter,
		Config:  config.EvictionConfig{Interval: time.Minute, Retention: time.Hour},
		Archive: archive,
	})
	require.NoError(t, err)

	n, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"job-1"}, evicter.dropped)
}
