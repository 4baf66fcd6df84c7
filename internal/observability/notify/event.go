package notify

import (
	"context"
	"strings"
	"time"
)

// Severity constants recognised by downstream sinks.
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
)

// JobFailurePayload describes one failed analysis job.
type JobFailurePayload struct {
	JobID        string
	InstanceID   string
	InstanceName string
	// Phase is the pipeline phase the job failed in, empty for acquisition and internal failures.
	Phase      string
	ErrorCode  string
	Error      string
	ErrorClass string
	Severity   string
	OccurredAt time.Time
	Metadata   map[string]string
}

// Subject names the analyzed instance, preferring its human readable name.
func (p JobFailurePayload) Subject() string {
	return Fallback(strings.TrimSpace(p.InstanceName), Fallback(strings.TrimSpace(p.InstanceID), "unknown instance"))
}

// SeverityForCode grades a failure by its error code. Losing the memory image or crashing the
// orchestrator pages; analysis that ran but violated its policy is a warning.
func SeverityForCode(code string) string {
	switch code {
	case "phase_failure_policy_violated", "report_render_failed", "tool_timeout", "tool_output_unparsable":
		return SeverityWarning
	default:
		return SeverityCritical
	}
}

// Sink describes a destination capable of consuming job failure notifications.
type Sink interface {
	SendJobFailure(ctx context.Context, payload JobFailurePayload) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, payload JobFailurePayload) error

// SendJobFailure implements the Sink interface.
func (f SinkFunc) SendJobFailure(ctx context.Context, payload JobFailurePayload) error {
	if f == nil {
		return nil
	}
	return f(ctx, payload)
}
