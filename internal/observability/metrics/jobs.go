// Package metrics emits the standard memscope job, phase and tool metrics to a statsd.Sink.
package metrics

import (
	"maps"
	"time"

	"github.com/target/memscope/internal/domain/model"
	obserrors "github.com/target/memscope/internal/observability/errors"
	"github.com/target/memscope/internal/observability/statsd"
)

// Result constants for metric tagging.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultNoop    = "noop"
)

// JobMetric captures details about a job lifecycle event for metric emission.
type JobMetric struct {
	// Transition is the state the job moved into.
	Transition string
	Result     string
	Duration   time.Duration
	Err        error
}

// EmitJobLifecycle emits standardised job lifecycle metrics.
func EmitJobLifecycle(sink statsd.Sink, in JobMetric) {
	if sink == nil {
		return
	}

	tags := map[string]string{
		"transition": in.Transition,
		"result":     in.Result,
	}

	if in.Err != nil && in.Result == ResultError {
		if class := obserrors.Classify(in.Err); class != "" {
			tags["error_class"] = class
		}
	}

	sink.Count("job.transition", 1, tags)

	if in.Duration > 0 {
		sink.Timing("job.duration", in.Duration, CloneTags(tags))
	}
}

// EmitPhase records the outcome of one phase and of every tool that ran in it.
func EmitPhase(sink statsd.Sink, res model.PhaseResult) {
	if sink == nil {
		return
	}

	tags := map[string]string{
		"phase":   res.PhaseTag,
		"policy":  string(res.Policy),
		"outcome": string(res.Outcome),
	}
	sink.Count("phase.run", 1, tags)
	sink.Timing("phase.duration", time.Duration(res.DurationMs)*time.Millisecond, CloneTags(tags))

	for _, o := range res.ToolOutcomes {
		toolTags := map[string]string{
			"phase":   res.PhaseTag,
			"tool":    o.ToolName,
			"outcome": string(o.Outcome),
		}
		if o.ErrorKind != model.ErrorKindNone {
			toolTags["error_kind"] = string(o.ErrorKind)
		}
		sink.Count("tool.run", 1, toolTags)
		sink.Timing("tool.duration", time.Duration(o.DurationMs)*time.Millisecond, CloneTags(toolTags))
	}
}

// EmitJobTable reports the size of the job table by state.
func EmitJobTable(sink statsd.Sink, stats model.JobStats) {
	if sink == nil {
		return
	}
	sink.Gauge("jobs.pending", float64(stats.Pending), nil)
	sink.Gauge("jobs.active", float64(stats.Active), nil)
	sink.Gauge("jobs.terminal", float64(stats.Completed+stats.Failed+stats.Cancelled), nil)
}

// CloneTags creates a shallow copy of a tag map.
func CloneTags(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	return maps.Clone(src)
}
