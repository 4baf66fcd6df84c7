package tools

import (
	"bytes"
	"context"
	"regexp"
	"strconv"

	"github.com/target/memscope/internal/domain/model"
)

const defaultHexdumpLines = 1000

var (
	reHexdumpLine = regexp.MustCompile(`^[0-9a-f]{8}\s`)

	sigELF = []byte("7f 45 4c 46")
	sigPNG = []byte("89 50 4e 47")
	sigZIP = []byte("50 4b 03 04")
)

// HexdumpOutput is the structured output of the hexdump adapter.
type HexdumpOutput struct {
	LinesAnalyzed int `json:"lines_analyzed"`
	ELFHeaders    int `json:"elf_headers"`
	PNGSignatures int `json:"png_signatures"`
	ZIPSignatures int `json:"zip_signatures"`
	unparsed      int
}

// Findings implements model.ToolOutput.
func (o *HexdumpOutput) Findings() []model.RawFinding {
	var out []model.RawFinding
	add := func(rule string, n int) {
		if n > 0 {
			out = append(out, model.RawFinding{Rule: rule, Value: rule, Count: n})
		}
	}
	add("elf_header", o.ELFHeaders)
	add("png_signature", o.PNGSignatures)
	add("zip_signature", o.ZIPSignatures)
	return out
}

func (o *HexdumpOutput) consume(line []byte) {
	o.LinesAnalyzed++
	// "*" marks runs of identical lines in canonical output.
	if !reHexdumpLine.Match(line) && !bytes.Equal(bytes.TrimSpace(line), []byte("*")) {
		o.unparsed++
		return
	}
	if bytes.Contains(line, sigELF) {
		o.ELFHeaders++
	}
	if bytes.Contains(line, sigPNG) {
		o.PNGSignatures++
	}
	if bytes.Contains(line, sigZIP) {
		o.ZIPSignatures++
	}
}

// Hexdump scans the head of the image for well-known file signatures. Reading stops after a fixed
// number of lines and the process is killed.
type Hexdump struct {
	Exec Executor
	Path string
}

// NewHexdump constructs the hexdump adapter.
func NewHexdump(exec Executor, path string) *Hexdump {
	return &Hexdump{Exec: exec, Path: orDefault(path, "hexdump")}
}

func (h *Hexdump) Name() string   { return "hexdump" }
func (h *Hexdump) Binary() string { return h.Path }

func (h *Hexdump) Run(ctx context.Context, artifact Artifact, cfg Config) (Result, error) {
	limit, err := strconv.Atoi(cfg.Param("max_lines", strconv.Itoa(defaultHexdumpLines)))
	if err != nil || limit <= 0 {
		limit = defaultHexdumpLines
	}
	out := &HexdumpOutput{}
	cmd := Command{
		Name:    h.Path,
		Args:    []string{"-C", artifact.Path},
		Dir:     artifact.WorkDir,
		Timeout: resolveTimeout(cfg, 0),
		OnLine: func(line []byte) bool {
			out.consume(line)
			return out.LinesAnalyzed < limit
		},
	}
	res, execErr := h.Exec.Exec(ctx, cmd)

	var parseErr error
	if out.LinesAnalyzed > 0 && out.unparsed == out.LinesAnalyzed {
		parseErr = ErrNoData
	}
	return finish(out, cmd, res, execErr, out.LinesAnalyzed > out.unparsed, parseErr)
}
