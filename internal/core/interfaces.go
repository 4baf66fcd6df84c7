// Package core declares the ports between the memscope services and their adapters.
package core

import (
	"context"

	"github.com/target/memscope/internal/domain/model"
	"github.com/target/memscope/internal/observability/notify"
	"github.com/target/memscope/internal/tools"
)

// This file contains the contracts between the service layer and the data, transport and
// pipeline layers. Services depend on these interfaces, never on concrete implementations.

// JobArchiveRepository stores terminal jobs beyond their lifetime in the in-memory job table.
type JobArchiveRepository interface {
	Archive(ctx context.Context, job *model.Job) error
	GetByID(ctx context.Context, id string) (*model.Job, error)
	List(ctx context.Context, opts model.ArchiveListOptions) ([]*model.Job, error)
}

// JobEventPublisher fans job snapshots out to external subscribers after every state change.
type JobEventPublisher interface {
	PublishJob(ctx context.Context, job *model.Job) error
}

// ReportRenderer turns a result document into a human-readable report.
type ReportRenderer interface {
	Render(doc *model.ResultDocument) ([]byte, error)
	// Format names the rendered format, e.g. "markdown".
	Format() string
	ContentType() string
}

// PhaseRunner executes one phase of a job. Tool failures are recorded in the result, never returned.
type PhaseRunner interface {
	RunPhase(ctx context.Context, spec model.PhaseSpec, artifact tools.Artifact) model.PhaseResult
}

// ResultAggregator combines phase results into the canonical result document.
type ResultAggregator interface {
	Aggregate(subject model.SubjectRef, acq model.AcquisitionInfo, phases []model.PhaseResult) *model.ResultDocument
}

// JobWorkspace hands out job scoped scratch directories.
type JobWorkspace interface {
	Create(jobID string) (string, error)
	Remove(jobID string) error
}

// JobFailureNotifier receives failed jobs for out-of-band alerting.
type JobFailureNotifier interface {
	NotifyJobFailure(ctx context.Context, payload notify.JobFailurePayload)
}
