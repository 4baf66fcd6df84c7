package model

import (
	"fmt"
	"strings"
	"time"
)

// Outcome is the result classification of one tool run or one phase.
type Outcome string

const (
	OutcomeSuccess        Outcome = "success"
	OutcomePartialSuccess Outcome = "partial_success"
	OutcomeFailure        Outcome = "failure"
)

// Succeeded reports whether the outcome produced usable output.
func (o Outcome) Succeeded() bool {
	return o == OutcomeSuccess || o == OutcomePartialSuccess
}

// ErrorKind narrows down why a tool did not fully succeed.
type ErrorKind string

const (
	ErrorKindNone        ErrorKind = ""
	ErrorKindTimeout     ErrorKind = "timeout"
	ErrorKindUnparsable  ErrorKind = "unparsable"
	ErrorKindExecFailed  ErrorKind = "exec_failed"
	ErrorKindUnavailable ErrorKind = "unavailable"
	ErrorKindCancelled   ErrorKind = "cancelled"
)

// FailurePolicy decides whether a phase succeeded given its tools' outcomes.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type FailurePolicy string

const (
	// PolicyAllMustSucceed requires every tool to succeed.
	PolicyAllMustSucceed FailurePolicy = "all_must_succeed"
	// PolicyMajoritySucceed requires strictly more than half of the tools to succeed.
	PolicyMajoritySucceed FailurePolicy = "majority_succeed"
	// PolicyBestEffort requires at least one tool to produce output.
	PolicyBestEffort FailurePolicy = "best_effort"
)

// Valid returns true if the FailurePolicy is known.
func (p FailurePolicy) Valid() bool {
	return p == PolicyAllMustSucceed || p == PolicyMajoritySucceed || p == PolicyBestEffort
}

// UnmarshalText implements encoding.TextUnmarshaler so policies can be read from YAML and env.
func (p *FailurePolicy) UnmarshalText(text []byte) error {
	v := strings.ToLower(strings.TrimSpace(string(text)))
	v = strings.ReplaceAll(v, "-", "_")
	fp := FailurePolicy(v)
	if !fp.Valid() {
		return fmt.Errorf("invalid FailurePolicy: %q", v)
	}
	*p = fp
	return nil
}

// ToolInvocation names one tool to run inside a phase.
type ToolInvocation struct {
	Tool    string            `json:"tool"              yaml:"tool"`
	Timeout time.Duration     `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Config  map[string]string `json:"config,omitempty"  yaml:"config,omitempty"`
}

// PhaseSpec declares the tools of a phase, how they run and how their outcomes are judged.
type PhaseSpec struct {
	Name       string           `json:"name"       yaml:"name"`
	Tools      []ToolInvocation `json:"tools"      yaml:"tools"`
	Concurrent bool             `json:"concurrent" yaml:"concurrent"`
	Policy     FailurePolicy    `json:"policy"     yaml:"policy"`
	Timeout    time.Duration    `json:"timeout"    yaml:"timeout"`
}

// Validate checks that the phase can be executed.
func (s PhaseSpec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("phase name is required")
	}
	// Phase and tool names become scratch directory names.
	if !validPathElement(s.Name) {
		return fmt.Errorf("invalid phase name %q", s.Name)
	}
	if len(s.Tools) == 0 {
		return fmt.Errorf("phase %s: at least one tool is required", s.Name)
	}
	if !s.Policy.Valid() {
		return fmt.Errorf("phase %s: invalid failure policy %q", s.Name, s.Policy)
	}
	seen := make(map[string]struct{}, len(s.Tools))
	for _, t := range s.Tools {
		if t.Tool == "" {
			return fmt.Errorf("phase %s: tool name is required", s.Name)
		}
		if !validPathElement(t.Tool) {
			return fmt.Errorf("phase %s: invalid tool name %q", s.Name, t.Tool)
		}
		if _, dup := seen[t.Tool]; dup {
			return fmt.Errorf("phase %s: tool %s listed twice", s.Name, t.Tool)
		}
		seen[t.Tool] = struct{}{}
	}
	return nil
}

func validPathElement(name string) bool {
	return name != "." && name != ".." && !strings.ContainsAny(name, `/\`)
}

// RawFinding is a tool-agnostic fact extracted by a tool's parser.
type RawFinding struct {
	Rule   string `json:"rule"`
	Value  string `json:"value"`
	Offset int64  `json:"offset,omitempty"`
	Count  int    `json:"count,omitempty"`
}

// ToolOutput is the strongly typed structured output of a tool adapter.
type ToolOutput interface {
	// Findings flattens the output into facts the aggregator can classify.
	Findings() []RawFinding
}

// ToolOutcome records a single tool run inside a phase.
type ToolOutcome struct {
	ToolName   string     `json:"tool_name"`
	Outcome    Outcome    `json:"outcome"`
	ErrorKind  ErrorKind  `json:"error_kind,omitempty"`
	Error      string     `json:"error,omitempty"`
	Output     ToolOutput `json:"structured_output,omitempty"`
	RawLog     string     `json:"raw_log,omitempty"`
	DurationMs int64      `json:"duration_ms"`
}

// PhaseResult is the output of one phase runner execution.
type PhaseResult struct {
	PhaseTag     string        `json:"phase_tag"`
	Policy       FailurePolicy `json:"policy"`
	Outcome      Outcome       `json:"outcome"`
	ToolOutcomes []ToolOutcome `json:"tool_outcomes"`
	DurationMs   int64         `json:"duration_ms"`
}

// Successful reports whether the phase satisfied its failure policy.
func (r PhaseResult) Successful() bool {
	return r.Outcome.Succeeded()
}

// FailedTools lists the names of tools whose outcome was Failure.
func (r PhaseResult) FailedTools() []string {
	var out []string
	for _, o := range r.ToolOutcomes {
		if o.Outcome == OutcomeFailure {
			out = append(out, o.ToolName)
		}
	}
	return out
}
