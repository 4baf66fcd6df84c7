// Package pipeline runs the phases of a forensic job: it fans tool adapters out under a failure
// policy, bounds them with phase timeouts and aggregates their outputs into a result document.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/target/memscope/internal/domain/model"
	"github.com/target/memscope/internal/tools"
)

// DefaultPhaseTimeout bounds a phase when its spec sets no timeout.
const DefaultPhaseTimeout = 30 * time.Minute

// AdapterResolver looks adapters up by name. *tools.Registry implements it.
type AdapterResolver interface {
	Get(name string) (tools.Adapter, bool)
}

// RunnerOptions configures a PhaseRunner.
type RunnerOptions struct {
	Adapters AdapterResolver
	// Available reports whether a tool passed the startup capability probe. Nil treats every
	// registered tool as available.
	Available func(tool string) bool
	// ToolTimeout applies to invocations that set no timeout of their own.
	ToolTimeout time.Duration
	// KeepArtifacts leaves tool scratch directories in place after the phase ends.
	KeepArtifacts bool
	Logger        *slog.Logger
}

// PhaseRunner executes one phase at a time. It is safe for concurrent use by several jobs.
type PhaseRunner struct {
	opts RunnerOptions
}

// NewPhaseRunner constructs a PhaseRunner.
func NewPhaseRunner(opts RunnerOptions) *PhaseRunner {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &PhaseRunner{opts: opts}
}

// RunPhase runs every tool of spec against artifact and judges the outcomes with the phase's
// failure policy. Tool errors never escape; they are recorded in the returned PhaseResult.
// Tools still running when the phase timeout elapses are cancelled and recorded as timeouts.
func (r *PhaseRunner) RunPhase(ctx context.Context, spec model.PhaseSpec, artifact tools.Artifact) model.PhaseResult {
	start := time.Now()
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = DefaultPhaseTimeout
	}
	phaseCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logger := r.opts.Logger.With("job_id", artifact.JobID, "phase", spec.Name)
	logger.InfoContext(ctx, "phase started", "tools", len(spec.Tools), "concurrent", spec.Concurrent, "policy", spec.Policy)

	phaseDir := filepath.Join(artifact.WorkDir, spec.Name)
	outcomes := make([]model.ToolOutcome, len(spec.Tools))
	if spec.Concurrent {
		var g errgroup.Group
		for i, inv := range spec.Tools {
			g.Go(func() error {
				outcomes[i] = r.runTool(ctx, phaseCtx, inv, artifact, phaseDir, logger)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for i, inv := range spec.Tools {
			if err := phaseCtx.Err(); err != nil {
				outcomes[i] = interrupted(ctx, inv.Tool, err)
				continue
			}
			outcomes[i] = r.runTool(ctx, phaseCtx, inv, artifact, phaseDir, logger)
		}
	}

	if !r.opts.KeepArtifacts && artifact.WorkDir != "" {
		if err := os.RemoveAll(phaseDir); err != nil {
			logger.WarnContext(ctx, "phase cleanup failed", "dir", phaseDir, "error", err)
		}
	}

	sort.SliceStable(outcomes, func(i, j int) bool { return outcomes[i].ToolName < outcomes[j].ToolName })
	res := model.PhaseResult{
		PhaseTag:     spec.Name,
		Policy:       spec.Policy,
		Outcome:      EvaluatePolicy(spec.Policy, outcomes),
		ToolOutcomes: outcomes,
		DurationMs:   time.Since(start).Milliseconds(),
	}
	logger.InfoContext(ctx, "phase finished",
		"outcome", res.Outcome,
		"failed_tools", res.FailedTools(),
		"duration_ms", res.DurationMs,
	)
	return res
}

func (r *PhaseRunner) runTool(
	ctx, phaseCtx context.Context,
	inv model.ToolInvocation,
	artifact tools.Artifact,
	phaseDir string,
	logger *slog.Logger,
) (out model.ToolOutcome) {
	start := time.Now()
	out.ToolName = inv.Tool
	defer func() {
		if p := recover(); p != nil {
			logger.ErrorContext(ctx, "tool adapter panicked", "tool", inv.Tool, "panic", p, "stack", string(debug.Stack()))
			out = model.ToolOutcome{
				ToolName:  inv.Tool,
				Outcome:   model.OutcomeFailure,
				ErrorKind: model.ErrorKindExecFailed,
				Error:     fmt.Sprintf("adapter panic: %v", p),
			}
		}
		out.DurationMs = time.Since(start).Milliseconds()
	}()

	adapter, ok := r.resolve(inv.Tool)
	if !ok {
		out.Outcome = model.OutcomeFailure
		out.ErrorKind = model.ErrorKindUnavailable
		out.Error = fmt.Sprintf("tool %s is not available", inv.Tool)
		logger.WarnContext(ctx, "skipping unavailable tool", "tool", inv.Tool)
		return out
	}

	toolArtifact := artifact
	if artifact.WorkDir != "" {
		toolArtifact.WorkDir = filepath.Join(phaseDir, inv.Tool)
		if err := os.MkdirAll(toolArtifact.WorkDir, 0o750); err != nil {
			out.Outcome = model.OutcomeFailure
			out.ErrorKind = model.ErrorKindExecFailed
			out.Error = fmt.Sprintf("create tool workspace: %v", err)
			return out
		}
	}
	cfg := tools.Config{Timeout: inv.Timeout, Params: inv.Config}
	if cfg.Timeout <= 0 {
		cfg.Timeout = r.opts.ToolTimeout
	}

	res, err := adapter.Run(phaseCtx, toolArtifact, cfg)
	out.Outcome = res.Outcome
	out.ErrorKind = res.ErrorKind
	out.Output = res.Output
	out.RawLog = res.RawLog
	if out.Outcome == "" {
		out.Outcome = model.OutcomeSuccess
		if err != nil {
			out.Outcome = model.OutcomeFailure
		}
	}
	if err != nil {
		out.Error = err.Error()
	}

	// A phase deadline or job cancellation overrides whatever the adapter reported for an
	// unfinished run.
	if out.Outcome != model.OutcomeSuccess {
		if cause := phaseCtx.Err(); cause != nil {
			interruptedOut := interrupted(ctx, inv.Tool, cause)
			out.Outcome = model.OutcomeFailure
			out.ErrorKind = interruptedOut.ErrorKind
			out.Output = nil
			if out.Error == "" {
				out.Error = interruptedOut.Error
			}
		}
	}

	logger.InfoContext(ctx, "tool finished",
		"tool", inv.Tool,
		"outcome", out.Outcome,
		"error_kind", out.ErrorKind,
		"error", out.Error,
	)
	return out
}

func (r *PhaseRunner) resolve(name string) (tools.Adapter, bool) {
	if r.opts.Adapters == nil {
		return nil, false
	}
	if r.opts.Available != nil && !r.opts.Available(name) {
		return nil, false
	}
	return r.opts.Adapters.Get(name)
}

// interrupted records a tool that could not finish because the phase ended. Cancellation of the
// job itself is distinguished from the phase deadline.
func interrupted(ctx context.Context, tool string, cause error) model.ToolOutcome {
	if ctx.Err() != nil || errors.Is(cause, context.Canceled) {
		return model.ToolOutcome{
			ToolName:  tool,
			Outcome:   model.OutcomeFailure,
			ErrorKind: model.ErrorKindCancelled,
			Error:     "job cancelled",
		}
	}
	return model.ToolOutcome{
		ToolName:  tool,
		Outcome:   model.OutcomeFailure,
		ErrorKind: model.ErrorKindTimeout,
		Error:     "phase timeout exceeded",
	}
}
