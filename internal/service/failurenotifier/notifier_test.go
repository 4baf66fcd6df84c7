package failurenotifier

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/target/memscope/internal/errors"
	"github.com/target/memscope/internal/observability/notify"
)

type captureSink struct {
	mu       sync.Mutex
	received []notify.JobFailurePayload
}

func (c *captureSink) SendJobFailure(_ context.Context, p notify.JobFailurePayload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.received = append(c.received, p)
	return nil
}

func TestServiceNotifyJobFailure(t *testing.T) {
	first, second := &captureSink{}, &captureSink{}
	svc := NewService(Options{
		Sinks: []SinkRegistration{
			{Name: "first", Sink: first},
			{Sink: second},
			{Name: "nil"},
		},
	})
	require.True(t, svc.Enabled())
	assert.Equal(t, []string{"first", "sink-1"}, svc.SinkNames())

	svc.NotifyJobFailure(context.Background(), notify.JobFailurePayload{
		JobID:      "123",
		InstanceID: "i-1",
		ErrorCode:  string(apperrors.ErrCodeAcquisitionFailed),
	})

	require.Len(t, first.received, 1)
	require.Len(t, second.received, 1)
	assert.Equal(t, notify.SeverityCritical, first.received[0].Severity)
	assert.Equal(t, "i-1", second.received[0].InstanceID)
}

func TestServiceKeepsExplicitSeverity(t *testing.T) {
	sink := &captureSink{}
	svc := NewService(Options{Sinks: []SinkRegistration{{Name: "capture", Sink: sink}}})

	svc.NotifyJobFailure(context.Background(), notify.JobFailurePayload{JobID: "1", Severity: notify.SeverityWarning})

	require.Len(t, sink.received, 1)
	assert.Equal(t, notify.SeverityWarning, sink.received[0].Severity)
}

func TestServiceDisabled(t *testing.T) {
	svc := NewService(Options{})
	assert.False(t, svc.Enabled())
	svc.NotifyJobFailure(context.Background(), notify.JobFailurePayload{JobID: "1"})
}

func TestServiceLogsErrors(t *testing.T) {
	svc := NewService(Options{
		Sinks: []SinkRegistration{
			{
				Name: "fail",
				Sink: notify.SinkFunc(func(context.Context, notify.JobFailurePayload) error {
					return errors.New("boom")
				}),
			},
		},
	})

	svc.NotifyJobFailure(context.Background(), notify.JobFailurePayload{JobID: "123"})

	err := svc.Deliver(context.Background(), notify.JobFailurePayload{JobID: "123"})
	require.ErrorContains(t, err, "fail: boom")
}

func TestServiceDerivesSeverityFromCode(t *testing.T) {
	sink := &captureSink{}
	svc := NewService(Options{Sinks: []SinkRegistration{{Name: "capture", Sink: sink}}})

	require.NoError(t, svc.Deliver(context.Background(), notify.JobFailurePayload{
		JobID:     "p-1",
		ErrorCode: string(apperrors.ErrCodePhaseFailurePolicyViolated),
	}))
	require.NoError(t, svc.Deliver(context.Background(), notify.JobFailurePayload{
		JobID:     "i-1",
		ErrorCode: string(apperrors.ErrCodeInternal),
	}))

	require.Len(t, sink.received, 2)
	assert.Equal(t, notify.SeverityWarning, sink.received[0].Severity)
	assert.Equal(t, notify.SeverityCritical, sink.received[1].Severity)
}

func TestServiceSkipsCancelledJobs(t *testing.T) {
	sink := &captureSink{}
	svc := NewService(Options{Sinks: []SinkRegistration{{Name: "capture", Sink: sink}}})

	svc.NotifyJobFailure(context.Background(), notify.JobFailurePayload{
		JobID:     "c-1",
		ErrorCode: string(apperrors.ErrCodeCanceled),
	})

	assert.Empty(t, sink.received)
}
