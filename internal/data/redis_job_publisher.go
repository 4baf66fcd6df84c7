package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/target/memscope/internal/core"
	"github.com/target/memscope/internal/domain/model"
)

// JobStatusEvent is the message published on the status channel after every job change.
type JobStatusEvent struct {
	JobID           string         `json:"job_id"`
	InstanceID      string         `json:"instance_id"`
	State           model.JobState `json:"state"`
	ProgressPercent int            `json:"progress_percent"`
	CurrentStep     string         `json:"current_step"`
	Version         uint64         `json:"version"`
	ErrorCode       string         `json:"error_code,omitempty"`
}

// RedisJobPublisherOptions configures a RedisJobPublisher.
type RedisJobPublisherOptions struct {
	Client    redis.UniversalClient
	KeyPrefix string
	// SnapshotTTL bounds how long a job snapshot stays readable. Zero keeps snapshots forever.
	SnapshotTTL time.Duration
}

// RedisJobPublisher mirrors job snapshots into Redis. Each change overwrites <prefix>:job:<id>
// and publishes a JobStatusEvent on <prefix>:jobs.
type RedisJobPublisher struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

var _ core.JobEventPublisher = (*RedisJobPublisher)(nil)

// NewRedisJobPublisher validates opts and returns a publisher.
func NewRedisJobPublisher(opts RedisJobPublisherOptions) (*RedisJobPublisher, error) {
	if opts.Client == nil {
		return nil, ErrNilRedisClient
	}
	prefix := strings.Trim(strings.TrimSpace(opts.KeyPrefix), ":")
	if prefix == "" {
		return nil, ErrEmptyRedisKey
	}
	return &RedisJobPublisher{client: opts.Client, prefix: prefix, ttl: max(opts.SnapshotTTL, 0)}, nil
}

// SnapshotKey returns the key holding the latest snapshot of jobID.
func (p *RedisJobPublisher) SnapshotKey(jobID string) string {
	return p.prefix + ":job:" + jobID
}

// Channel returns the pub/sub channel status events are published on.
func (p *RedisJobPublisher) Channel() string {
	return p.prefix + ":jobs"
}

// PublishJob stores the snapshot and publishes the status event in one pipeline.
func (p *RedisJobPublisher) PublishJob(ctx context.Context, job *model.Job) error {
	if job == nil || job.ID == "" {
		return ErrJobIDRequired
	}
	snapshot, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job snapshot: %w", err)
	}
	event := JobStatusEvent{
		JobID:           job.ID,
		InstanceID:      job.Subject.InstanceID,
		State:           job.State,
		ProgressPercent: job.ProgressPercent,
		CurrentStep:     job.CurrentStep,
		Version:         job.Version,
	}
	if job.ErrorDetail != nil {
		event.ErrorCode = job.ErrorDetail.Code
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal job event: %w", err)
	}

	_, err = p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, p.SnapshotKey(job.ID), snapshot, p.ttl)
		pipe.Publish(ctx, p.Channel(), payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis publish job %s: %w", job.ID, err)
	}
	return nil
}

// Snapshot reads the last published snapshot of jobID. It returns (nil, nil) when the key is absent.
func (p *RedisJobPublisher) Snapshot(ctx context.Context, jobID string) (*model.Job, error) {
	raw, err := p.client.Get(ctx, p.SnapshotKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var job model.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("decode job snapshot: %w", err)
	}
	return &job, nil
}

// Health checks the health of the Redis connection.
func (p *RedisJobPublisher) Health(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}
