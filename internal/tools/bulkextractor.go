package tools

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/target/memscope/internal/domain/model"
)

const maxFeatureSamples = 10

// FeatureFile summarises one bulk_extractor feature file.
type FeatureFile struct {
	Name      string   `json:"name"`
	Path      string   `json:"file_path"`
	LineCount int      `json:"line_count"`
	Samples   []string `json:"sample_content"`
}

// BulkExtractorOutput is the structured output of the bulk_extractor adapter.
type BulkExtractorOutput struct {
	OutputDir string        `json:"output_directory"`
	Features  []FeatureFile `json:"feature_files"`
}

// Findings implements model.ToolOutput. Each sampled feature line becomes one finding whose rule is
// the feature file name without extension (email, url, ip, ...).
func (o *BulkExtractorOutput) Findings() []model.RawFinding {
	var out []model.RawFinding
	for _, f := range o.Features {
		rule := strings.TrimSuffix(f.Name, ".txt")
		for _, line := range f.Samples {
			offset, feature := splitFeatureLine(line)
			out = append(out, model.RawFinding{Rule: rule, Value: feature, Offset: offset})
		}
	}
	return out
}

// splitFeatureLine parses "offset<TAB>feature<TAB>context". Offsets such as "1234-GZIP-56" keep their
// leading numeric part.
func splitFeatureLine(line string) (int64, string) {
	fields := strings.Split(line, "\t")
	if len(fields) < 2 {
		return 0, strings.TrimSpace(line)
	}
	digits := fields[0]
	if i := strings.IndexFunc(digits, func(r rune) bool { return r < '0' || r > '9' }); i >= 0 {
		digits = digits[:i]
	}
	offset, _ := strconv.ParseInt(digits, 10, 64)
	return offset, fields[1]
}

// BulkExtractor scans the image for emails, URLs, IPs and other features.
type BulkExtractor struct {
	Exec Executor
	Path string
}

// NewBulkExtractor constructs the bulk_extractor adapter.
func NewBulkExtractor(exec Executor, path string) *BulkExtractor {
	return &BulkExtractor{Exec: exec, Path: orDefault(path, "bulk_extractor")}
}

func (b *BulkExtractor) Name() string   { return "bulk_extractor" }
func (b *BulkExtractor) Binary() string { return b.Path }

func (b *BulkExtractor) Run(ctx context.Context, artifact Artifact, cfg Config) (Result, error) {
	outDir := filepath.Join(artifact.WorkDir, "bulk_extractor_output")
	cmd := Command{
		Name:    b.Path,
		Args:    []string{"-o", outDir, artifact.Path},
		Dir:     artifact.WorkDir,
		Timeout: resolveTimeout(cfg, 0),
	}
	res, execErr := b.Exec.Exec(ctx, cmd)

	out, parseErr := readFeatureFiles(outDir)
	return finish(out, cmd, res, execErr, len(out.Features) > 0, parseErr)
}

func readFeatureFiles(outDir string) (*BulkExtractorOutput, error) {
	out := &BulkExtractorOutput{OutputDir: outDir}
	entries, err := os.ReadDir(outDir)
	if err != nil {
		return out, ErrNoData
	}
	sawReport := false
	for _, e := range entries {
		name := e.Name()
		if name == "report.xml" || name == "report.txt" {
			sawReport = true
			continue
		}
		if e.IsDir() || !strings.HasSuffix(name, ".txt") {
			continue
		}
		ff, ok := readFeatureFile(filepath.Join(outDir, name))
		if ok {
			out.Features = append(out.Features, ff)
		}
	}
	sort.Slice(out.Features, func(i, j int) bool { return out.Features[i].Name < out.Features[j].Name })
	if !sawReport && len(out.Features) == 0 {
		return out, ErrNoData
	}
	return out, nil
}

func readFeatureFile(path string) (FeatureFile, bool) {
	f, err := os.Open(path)
	if err != nil {
		return FeatureFile{}, false
	}
	defer f.Close()

	ff := FeatureFile{Name: filepath.Base(path), Path: path}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		line := sc.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ff.LineCount++
		if len(ff.Samples) < maxFeatureSamples {
			ff.Samples = append(ff.Samples, line)
		}
	}
	return ff, ff.LineCount > 0
}
