package tools

import (
	"bufio"
	"bytes"
	"context"
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/target/memscope/internal/domain/model"
)

// maxSampleFiles bounds the file listings kept in structured output.
const maxSampleFiles = 20

var reBinwalkRow = regexp.MustCompile(`^(\d+)\s+0x([0-9A-Fa-f]+)\s+(\S.*)$`)

// BinwalkSignature is one row of the binwalk signature scan.
type BinwalkSignature struct {
	Offset      int64  `json:"offset"`
	Description string `json:"description"`
}

// BinwalkOutput is the structured output of the binwalk adapter.
type BinwalkOutput struct {
	Signatures     []BinwalkSignature `json:"signatures"`
	ExtractedDir   string             `json:"extracted_directory"`
	ExtractedFiles int                `json:"extracted_files_count"`
	ExtractedPaths []string           `json:"extracted_files,omitempty"`
}

// Findings implements model.ToolOutput.
func (o *BinwalkOutput) Findings() []model.RawFinding {
	out := make([]model.RawFinding, 0, len(o.Signatures)+1)
	for _, s := range o.Signatures {
		out = append(out, model.RawFinding{Rule: "signature", Value: s.Description, Offset: s.Offset})
	}
	if o.ExtractedFiles > 0 {
		out = append(out, model.RawFinding{Rule: "extracted_files", Value: o.ExtractedDir, Count: o.ExtractedFiles})
	}
	return out
}

// Binwalk scans the image for embedded file signatures and extracts them.
type Binwalk struct {
	Exec Executor
	Path string
}

// NewBinwalk constructs the binwalk adapter. An empty path resolves "binwalk" from PATH.
func NewBinwalk(exec Executor, path string) *Binwalk {
	return &Binwalk{Exec: exec, Path: orDefault(path, "binwalk")}
}

func (b *Binwalk) Name() string   { return "binwalk" }
func (b *Binwalk) Binary() string { return b.Path }

func (b *Binwalk) Run(ctx context.Context, artifact Artifact, cfg Config) (Result, error) {
	outDir := filepath.Join(artifact.WorkDir, "binwalk_extracted")
	cmd := Command{
		Name:    b.Path,
		Args:    []string{"-e", "-M", artifact.Path, "--dd=.*", "--directory=" + outDir},
		Dir:     artifact.WorkDir,
		Timeout: resolveTimeout(cfg, 0),
	}
	res, execErr := b.Exec.Exec(ctx, cmd)

	out := &BinwalkOutput{ExtractedDir: outDir}
	parseErr := parseBinwalk(res.Stdout, out)
	out.ExtractedPaths, out.ExtractedFiles = listFiles(outDir, maxSampleFiles, nil)
	recovered := len(out.Signatures) > 0 || out.ExtractedFiles > 0
	return finish(out, cmd, res, execErr, recovered, parseErr)
}

func parseBinwalk(stdout []byte, out *BinwalkOutput) error {
	sawHeader := false
	sc := bufio.NewScanner(bytes.NewReader(stdout))
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, "DECIMAL") {
			sawHeader = true
			continue
		}
		m := reBinwalkRow.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		offset, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			continue
		}
		out.Signatures = append(out.Signatures, BinwalkSignature{Offset: offset, Description: m[3]})
	}
	if !sawHeader && len(out.Signatures) == 0 {
		return ErrNoData
	}
	return nil
}

// listFiles walks root and returns up to limit sorted sample paths and the total count of regular
// files accepted by keep (nil keeps everything).
func listFiles(root string, limit int, keep func(path string, d fs.DirEntry) bool) ([]string, int) {
	var all []string
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil //nolint:nilerr // missing or unreadable entries are skipped
		}
		if d.Type().IsRegular() && (keep == nil || keep(path, d)) {
			all = append(all, path)
		}
		return nil
	})
	sort.Strings(all)
	if len(all) > limit {
		return all[:limit], len(all)
	}
	return all, len(all)
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
