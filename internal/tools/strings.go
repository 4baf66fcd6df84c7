package tools

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/target/memscope/internal/domain/model"
)

const (
	maxStringHits   = 20
	minInterestLen  = 10
	stringsMinChars = "4"
)

var (
	reStringsLine = regexp.MustCompile(`^\s*([0-9a-fA-F]+)\s(.*)$`)
	reIPv4        = regexp.MustCompile(`\b(?:[0-9]{1,3}\.){3}[0-9]{1,3}\b`)
	reCommand     = regexp.MustCompile(`(?i)\b(?:bash|sh|exec|cmd)\b`)
	systemPaths   = []string{"/bin", "/usr", "/etc", "/var", "/tmp"}
)

// StringHit is one interesting printable string and its offset in the image.
type StringHit struct {
	Offset int64  `json:"offset"`
	Text   string `json:"text"`
}

// StringsOutput is the structured output of the strings adapter.
type StringsOutput struct {
	TotalStrings int         `json:"total_strings"`
	IPAddresses  []StringHit `json:"ip_addresses"`
	FilePaths    []StringHit `json:"file_paths"`
	Commands     []StringHit `json:"commands"`
	unparsed     int
}

// Findings implements model.ToolOutput.
func (o *StringsOutput) Findings() []model.RawFinding {
	out := make([]model.RawFinding, 0, len(o.IPAddresses)+len(o.FilePaths)+len(o.Commands))
	add := func(rule string, hits []StringHit) {
		for _, h := range hits {
			out = append(out, model.RawFinding{Rule: rule, Value: h.Text, Offset: h.Offset})
		}
	}
	add("ip_address", o.IPAddresses)
	add("file_path", o.FilePaths)
	add("command", o.Commands)
	return out
}

// consume classifies one line of "strings -t x" output.
func (o *StringsOutput) consume(line []byte) {
	o.TotalStrings++
	m := reStringsLine.FindSubmatch(line)
	if m == nil {
		o.unparsed++
		return
	}
	offset, err := strconv.ParseInt(string(m[1]), 16, 64)
	if err != nil {
		o.unparsed++
		return
	}
	text := strings.TrimSpace(string(m[2]))
	if len(text) <= minInterestLen {
		return
	}
	hit := StringHit{Offset: offset, Text: text}
	if len(o.IPAddresses) < maxStringHits && reIPv4.MatchString(text) {
		o.IPAddresses = append(o.IPAddresses, hit)
	}
	if len(o.FilePaths) < maxStringHits && strings.Contains(text, "/") && containsAny(text, systemPaths) {
		o.FilePaths = append(o.FilePaths, hit)
	}
	if len(o.Commands) < maxStringHits && reCommand.MatchString(text) {
		o.Commands = append(o.Commands, hit)
	}
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// Strings extracts printable strings and picks out IP addresses, system paths and shell commands.
// Output is classified while streaming so multi-gigabyte images are never buffered.
type Strings struct {
	Exec Executor
	Path string
}

// NewStrings constructs the strings adapter.
func NewStrings(exec Executor, path string) *Strings {
	return &Strings{Exec: exec, Path: orDefault(path, "strings")}
}

func (s *Strings) Name() string   { return "strings" }
func (s *Strings) Binary() string { return s.Path }

func (s *Strings) Run(ctx context.Context, artifact Artifact, cfg Config) (Result, error) {
	out := &StringsOutput{}
	cmd := Command{
		Name:    s.Path,
		Args:    []string{"-a", "-t", "x", "-n", cfg.Param("min_length", stringsMinChars), artifact.Path},
		Dir:     artifact.WorkDir,
		Timeout: resolveTimeout(cfg, 0),
		OnLine: func(line []byte) bool {
			out.consume(line)
			return true
		},
	}
	res, execErr := s.Exec.Exec(ctx, cmd)

	var parseErr error
	if out.TotalStrings > 0 && out.unparsed == out.TotalStrings {
		parseErr = ErrNoData
	}
	recovered := out.TotalStrings > out.unparsed
	return finish(out, cmd, res, execErr, recovered, parseErr)
}
