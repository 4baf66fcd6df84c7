// Package failurenotifier fans failed analysis jobs out to alerting sinks.
package failurenotifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	apperrors "github.com/target/memscope/internal/errors"
	"github.com/target/memscope/internal/observability/notify"
)

// SinkRegistration pairs a sink implementation with a name for logging.
type SinkRegistration struct {
	Name string
	Sink notify.Sink
}

// Options configures the failure notifier service.
type Options struct {
	Logger *slog.Logger
	Sinks  []SinkRegistration
}

// Service delivers failed jobs to every registered sink.
type Service struct {
	logger *slog.Logger
	sinks  []SinkRegistration
}

// NewService constructs a failure notifier. Registrations without a sink are ignored.
func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	sinks := make([]SinkRegistration, 0, len(opts.Sinks))
	for i, entry := range opts.Sinks {
		if entry.Sink == nil {
			continue
		}
		if entry.Name == "" {
			entry.Name = fmt.Sprintf("sink-%d", i)
		}
		sinks = append(sinks, entry)
	}

	return &Service{
		logger: logger.With("component", "failure_notifier"),
		sinks:  sinks,
	}
}

// NotifyJobFailure delivers the payload and logs sinks that could not be reached. Cancelled jobs
// are not reported.
func (s *Service) NotifyJobFailure(ctx context.Context, payload notify.JobFailurePayload) {
	if err := s.Deliver(ctx, payload); err != nil {
		s.logger.ErrorContext(ctx, "job failure notification incomplete",
			"job_id", payload.JobID,
			"instance_id", payload.InstanceID,
			"error", err,
		)
	}
}

// Deliver sends payload to all sinks concurrently and returns every delivery error joined.
// A missing severity is derived from the error code.
func (s *Service) Deliver(ctx context.Context, payload notify.JobFailurePayload) error {
	if len(s.sinks) == 0 {
		return nil
	}
	if payload.ErrorCode == string(apperrors.ErrCodeCanceled) {
		s.logger.DebugContext(ctx, "skipping notification for cancelled job", "job_id", payload.JobID)
		return nil
	}
	if payload.Severity == "" {
		payload.Severity = notify.SeverityForCode(payload.ErrorCode)
	}

	errs := make([]error, len(s.sinks))
	var g errgroup.Group
	for i, entry := range s.sinks {
		g.Go(func() error {
			if err := entry.Sink.SendJobFailure(ctx, payload); err != nil {
				errs[i] = fmt.Errorf("%s: %w", entry.Name, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Enabled reports whether the notifier has any active sinks.
func (s *Service) Enabled() bool {
	return len(s.sinks) > 0
}

// SinkNames lists the registered sinks in registration order.
func (s *Service) SinkNames() []string {
	names := make([]string, len(s.sinks))
	for i, entry := range s.sinks {
		names[i] = entry.Name
	}
	return names
}
