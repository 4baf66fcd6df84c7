package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	jmespath "github.com/jmespath-community/go-jmespath"
	"github.com/target/memscope/internal/domain/model"
)

const (
	// DefaultMatchesExpr selects match lists from the common shapes emitted by analysis scripts.
	DefaultMatchesExpr = "matches || detailed_matches.*[] || key_findings"
	// DefaultSummaryExpr selects a rule name to hit count object.
	DefaultSummaryExpr = "rule_summary"
)

// JMESPathEvaluator abstracts JMESPath operations for testability.
type JMESPathEvaluator interface {
	Validate(expr string) error
	Evaluate(expr string, data any) (any, error)
}

type jmespathLibEvaluator struct{}

func (jmespathLibEvaluator) Validate(expr string) error {
	if strings.TrimSpace(expr) == "" {
		return nil
	}
	_, err := jmespath.Compile(expr)
	return err
}

func (jmespathLibEvaluator) Evaluate(expr string, data any) (any, error) {
	return jmespath.Search(expr, data)
}

// ScriptMatch is one match selected from a script's JSON document.
type ScriptMatch struct {
	Rule   string `json:"rule"`
	Value  string `json:"value"`
	Offset int64  `json:"offset,omitempty"`
	Count  int    `json:"count,omitempty"`
}

// ScriptOutput is the structured output of the script adapter.
type ScriptOutput struct {
	Source   ExtractSource  `json:"source"`
	Matches  []ScriptMatch  `json:"matches"`
	Summary  map[string]int `json:"rule_summary,omitempty"`
	Document map[string]any `json:"document,omitempty"`
}

// Findings implements model.ToolOutput.
func (o *ScriptOutput) Findings() []model.RawFinding {
	out := make([]model.RawFinding, 0, len(o.Matches)+len(o.Summary))
	for _, m := range o.Matches {
		out = append(out, model.RawFinding{Rule: m.Rule, Value: m.Value, Offset: m.Offset, Count: m.Count})
	}
	rules := make([]string, 0, len(o.Summary))
	for rule := range o.Summary {
		rules = append(rules, rule)
	}
	sort.Strings(rules)
	for _, rule := range rules {
		if n := o.Summary[rule]; n > 0 {
			out = append(out, model.RawFinding{Rule: rule, Value: "rule_summary", Count: n})
		}
	}
	return out
}

// ScriptOptions configures a Script adapter.
type ScriptOptions struct {
	Name        string
	Script      string
	Interpreter string
	MatchesExpr string
	SummaryExpr string
	Evaluator   JMESPathEvaluator
}

// Script runs an analysis script that prints a JSON report (possibly surrounded by log noise) and
// selects its matches with JMESPath expressions.
type Script struct {
	exec        Executor
	name        string
	script      string
	interpreter string
	matchesExpr string
	summaryExpr string
	jems        JMESPathEvaluator
}

// NewScript constructs a script adapter, validating its expressions up front.
func NewScript(exec Executor, opts ScriptOptions) (*Script, error) {
	if strings.TrimSpace(opts.Script) == "" {
		return nil, errors.New("script path is required")
	}
	jems := opts.Evaluator
	if jems == nil {
		jems = jmespathLibEvaluator{}
	}
	s := &Script{
		exec:        exec,
		name:        orDefault(opts.Name, "script"),
		script:      opts.Script,
		interpreter: opts.Interpreter,
		matchesExpr: orDefault(opts.MatchesExpr, DefaultMatchesExpr),
		summaryExpr: orDefault(opts.SummaryExpr, DefaultSummaryExpr),
		jems:        jems,
	}
	if s.interpreter == "" && strings.HasSuffix(s.script, ".sh") {
		s.interpreter = "bash"
	}
	for _, expr := range []string{s.matchesExpr, s.summaryExpr} {
		if err := jems.Validate(expr); err != nil {
			return nil, fmt.Errorf("invalid jmespath expression %q: %w", expr, err)
		}
	}
	return s, nil
}

func (s *Script) Name() string { return s.name }

func (s *Script) Binary() string {
	if s.interpreter != "" {
		return s.interpreter
	}
	return s.script
}

func (s *Script) Run(ctx context.Context, artifact Artifact, cfg Config) (Result, error) {
	cmd := Command{Name: s.script, Args: []string{artifact.Path}, Dir: artifact.WorkDir, Timeout: resolveTimeout(cfg, 0)}
	if s.interpreter != "" {
		cmd.Name = s.interpreter
		cmd.Args = []string{s.script, artifact.Path}
	}
	res, execErr := s.exec.Exec(ctx, cmd)

	out, recovered, parseErr := s.parse(string(res.Stdout))
	return finish(out, cmd, res, execErr, recovered, parseErr)
}

func (s *Script) parse(stdout string) (*ScriptOutput, bool, error) {
	doc, source := ExtractJSON(stdout)
	out := &ScriptOutput{Source: source, Document: doc}
	if doc == nil {
		return out, false, ErrNoData
	}

	if v, err := s.jems.Evaluate(s.matchesExpr, doc); err == nil {
		out.Matches = toMatches(v)
	}
	if v, err := s.jems.Evaluate(s.summaryExpr, doc); err == nil {
		out.Summary = toSummary(v)
	}

	if source == ExtractText {
		return out, true, fmt.Errorf("%w: no JSON object in output, recovered %d text fields", ErrNoData, len(doc))
	}
	return out, true, nil
}

func toMatches(v any) []ScriptMatch {
	items, ok := v.([]any)
	if !ok {
		if v == nil {
			return nil
		}
		items = []any{v}
	}
	out := make([]ScriptMatch, 0, len(items))
	for _, item := range items {
		switch t := item.(type) {
		case string:
			out = append(out, ScriptMatch{Rule: "match", Value: t})
		case map[string]any:
			out = append(out, ScriptMatch{
				Rule:   firstString(t, "rule", "name", "category"),
				Value:  firstString(t, "value", "match", "data", "string"),
				Offset: toInt64(t["offset"]),
				Count:  int(toInt64(t["count"])),
			})
		case nil:
		default:
			out = append(out, ScriptMatch{Rule: "match", Value: fmt.Sprint(t)})
		}
	}
	return out
}

func toSummary(v any) map[string]int {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]int, len(m))
	for k, raw := range m {
		out[k] = int(toInt64(raw))
	}
	return out
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case string:
		base := 10
		s := t
		if strings.HasPrefix(s, "0x") {
			base, s = 16, s[2:]
		}
		n, _ := strconv.ParseInt(s, base, 64)
		return n
	default:
		return 0
	}
}
