package tools

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/target/memscope/internal/domain/model"
)

const (
	foremostAuditFile = "audit.txt"
	maxAuditBytes     = 16 << 10
)

// CarvedType counts carved files of one type.
type CarvedType struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

// ForemostOutput is the structured output of the foremost adapter.
type ForemostOutput struct {
	OutputDir   string       `json:"output_directory"`
	CarvedFiles int          `json:"carved_files_count"`
	SampleFiles []string     `json:"carved_files,omitempty"`
	ByType      []CarvedType `json:"by_type,omitempty"`
	Audit       string       `json:"audit_content,omitempty"`
}

// Findings implements model.ToolOutput.
func (o *ForemostOutput) Findings() []model.RawFinding {
	out := make([]model.RawFinding, 0, len(o.ByType))
	for _, t := range o.ByType {
		out = append(out, model.RawFinding{Rule: "carved_file", Value: t.Type, Count: t.Count})
	}
	return out
}

// Foremost carves files out of the image by header and footer signatures.
type Foremost struct {
	Exec Executor
	Path string
}

// NewForemost constructs the foremost adapter.
func NewForemost(exec Executor, path string) *Foremost {
	return &Foremost{Exec: exec, Path: orDefault(path, "foremost")}
}

func (f *Foremost) Name() string   { return "foremost" }
func (f *Foremost) Binary() string { return f.Path }

func (f *Foremost) Run(ctx context.Context, artifact Artifact, cfg Config) (Result, error) {
	outDir := filepath.Join(artifact.WorkDir, "foremost_carved")
	cmd := Command{
		Name:    f.Path,
		Args:    []string{"-t", cfg.Param("types", "all"), "-i", artifact.Path, "-o", outDir},
		Dir:     artifact.WorkDir,
		Timeout: resolveTimeout(cfg, 0),
	}
	res, execErr := f.Exec.Exec(ctx, cmd)

	out, parseErr := readForemostOutput(outDir)
	return finish(out, cmd, res, execErr, out.CarvedFiles > 0, parseErr)
}

func readForemostOutput(outDir string) (*ForemostOutput, error) {
	out := &ForemostOutput{OutputDir: outDir}
	counts := make(map[string]int)
	out.SampleFiles, out.CarvedFiles = listFiles(outDir, maxSampleFiles, func(path string, d fs.DirEntry) bool {
		if d.Name() == foremostAuditFile {
			return false
		}
		typ := filepath.Base(filepath.Dir(path))
		if filepath.Dir(path) == outDir {
			typ = "unknown"
		}
		counts[typ]++
		return true
	})
	for typ, n := range counts {
		out.ByType = append(out.ByType, CarvedType{Type: typ, Count: n})
	}
	sort.Slice(out.ByType, func(i, j int) bool { return out.ByType[i].Type < out.ByType[j].Type })

	audit, err := os.ReadFile(filepath.Join(outDir, foremostAuditFile))
	if err != nil {
		// foremost always writes an audit file when it ran to completion.
		return out, ErrNoData
	}
	out.Audit = string(head(audit, maxAuditBytes))
	return out, nil
}
