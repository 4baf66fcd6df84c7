// Package tools wraps the external forensic binaries run against a memory image. Every adapter owns
// its parser and returns a strongly typed structured output; the phase runner and aggregator only
// see the model.ToolOutput contract.
package tools

import (
	"context"
	"time"

	"github.com/target/memscope/internal/domain/model"
)

// Artifact is the input a tool runs against.
type Artifact struct {
	// Path is the memory image. For acquisition it names a caller-supplied image, or is empty.
	Path string
	// WorkDir is a job and tool scoped scratch directory. Adapters may write into it but never remove it.
	WorkDir string
	JobID   string
	Subject model.SubjectRef
}

// Config carries per-invocation settings.
type Config struct {
	// Timeout is the hard wall-clock budget of the tool. Zero selects the adapter default.
	Timeout time.Duration
	Params  map[string]string
}

// Param returns a parameter value or def when unset.
func (c Config) Param(key, def string) string {
	if v, ok := c.Params[key]; ok && v != "" {
		return v
	}
	return def
}

// Result is what a single tool run produced. Output may be set even when the outcome is not Success.
type Result struct {
	Output    model.ToolOutput
	Outcome   model.Outcome
	ErrorKind model.ErrorKind
	RawLog    string
}

// Adapter invokes one external analysis capability. Run never retries; a non-nil error explains
// why the outcome is not Success.
type Adapter interface {
	Name() string
	// Binary is the executable the adapter depends on, used by the capability probe.
	Binary() string
	Run(ctx context.Context, artifact Artifact, cfg Config) (Result, error)
}

// DefaultTimeout is used when neither the invocation nor the adapter sets a timeout.
const DefaultTimeout = 10 * time.Minute

func resolveTimeout(cfg Config, def time.Duration) time.Duration {
	if cfg.Timeout > 0 {
		return cfg.Timeout
	}
	if def > 0 {
		return def
	}
	return DefaultTimeout
}
