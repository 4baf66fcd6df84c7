package tools

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/target/memscope/internal/domain/model"
)

const maxMatchData = 256

// YaraMatch is one string match reported with -s.
type YaraMatch struct {
	Rule       string `json:"rule"`
	Identifier string `json:"identifier"`
	Offset     int64  `json:"offset"`
	Data       string `json:"data"`
}

// YaraOutput is the structured output of the yara adapter.
type YaraOutput struct {
	RulesFile  string         `json:"rules_file"`
	Matches    []YaraMatch    `json:"matches"`
	RuleCounts map[string]int `json:"rule_summary"`
}

// Findings implements model.ToolOutput. Matches are grouped per rule and string identifier; the
// first offset is kept and Count carries the number of hits.
func (o *YaraOutput) Findings() []model.RawFinding {
	type key struct{ rule, id string }
	idx := make(map[key]int)
	var out []model.RawFinding
	for _, m := range o.Matches {
		k := key{m.Rule, m.Identifier}
		if i, ok := idx[k]; ok {
			out[i].Count++
			continue
		}
		idx[k] = len(out)
		out = append(out, model.RawFinding{Rule: m.Rule, Value: m.Identifier + " " + m.Data, Offset: m.Offset, Count: 1})
	}
	// Rules that matched without -s string details still count.
	for rule, n := range o.RuleCounts {
		if !o.hasMatches(rule) {
			out = append(out, model.RawFinding{Rule: rule, Value: rule, Count: n})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Rule != out[j].Rule {
			return out[i].Rule < out[j].Rule
		}
		return out[i].Value < out[j].Value
	})
	return out
}

func (o *YaraOutput) hasMatches(rule string) bool {
	for _, m := range o.Matches {
		if m.Rule == rule {
			return true
		}
	}
	return false
}

// Yara matches pattern rules against the image. The rule set is chosen with the "ruleset" parameter
// or replaced entirely by a file named in "rules_file".
type Yara struct {
	Exec    Executor
	Path    string
	name    string
	ruleset string
}

// NewYara constructs a yara adapter registered as name that applies ruleset by default.
func NewYara(exec Executor, path, name, ruleset string) *Yara {
	return &Yara{Exec: exec, Path: orDefault(path, "yara"), name: orDefault(name, "yara"), ruleset: ruleset}
}

func (y *Yara) Name() string   { return y.name }
func (y *Yara) Binary() string { return y.Path }

func (y *Yara) Run(ctx context.Context, artifact Artifact, cfg Config) (Result, error) {
	rulesFile, err := y.prepareRules(artifact.WorkDir, cfg)
	if err != nil {
		return Result{Outcome: model.OutcomeFailure, ErrorKind: model.ErrorKindExecFailed, RawLog: err.Error()}, err
	}
	cmd := Command{
		Name:    y.Path,
		Args:    []string{"-s", rulesFile, artifact.Path},
		Dir:     artifact.WorkDir,
		Timeout: resolveTimeout(cfg, 0),
	}
	res, execErr := y.Exec.Exec(ctx, cmd)

	out := &YaraOutput{RulesFile: rulesFile, RuleCounts: make(map[string]int)}
	parseErr := parseYara(res.Stdout, out)
	return finish(out, cmd, res, execErr, len(out.RuleCounts) > 0, parseErr)
}

func (y *Yara) prepareRules(workDir string, cfg Config) (string, error) {
	if custom := cfg.Param("rules_file", ""); custom != "" {
		if _, err := os.Stat(custom); err != nil {
			return "", fmt.Errorf("rules file: %w", err)
		}
		return custom, nil
	}
	name := cfg.Param("ruleset", y.ruleset)
	rules, ok := builtinRules(name)
	if !ok {
		return "", fmt.Errorf("unknown yara ruleset %q", name)
	}
	path := filepath.Join(workDir, y.name+".yar")
	if err := os.WriteFile(path, []byte(rules), 0o600); err != nil {
		return "", fmt.Errorf("write rules: %w", err)
	}
	return path, nil
}

// parseYara reads "RuleName target" headers followed by "0xOFFSET:$id: data" lines. Empty output is a
// valid result meaning nothing matched.
func parseYara(stdout []byte, out *YaraOutput) error {
	current := ""
	bad := 0
	sc := bufio.NewScanner(bytes.NewReader(stdout))
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), " \t")
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "0x") {
			m, ok := parseYaraMatch(line)
			if !ok || current == "" {
				bad++
				continue
			}
			m.Rule = current
			out.Matches = append(out.Matches, m)
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			bad++
			continue
		}
		current = fields[0]
		out.RuleCounts[current]++
	}
	if bad > 0 {
		return fmt.Errorf("%w: %d unrecognised lines", ErrNoData, bad)
	}
	return nil
}

func parseYaraMatch(line string) (YaraMatch, bool) {
	parts := strings.SplitN(line, ":", 3)
	if len(parts) < 2 {
		return YaraMatch{}, false
	}
	offset, err := strconv.ParseInt(strings.TrimPrefix(parts[0], "0x"), 16, 64)
	if err != nil {
		return YaraMatch{}, false
	}
	m := YaraMatch{Identifier: parts[1], Offset: offset}
	if len(parts) == 3 {
		m.Data = string(head([]byte(strings.TrimSpace(parts[2])), maxMatchData))
	}
	return m, true
}
