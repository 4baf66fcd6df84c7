// Package report renders aggregated result documents for humans and machines.
package report

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/target/memscope/internal/core"
	"github.com/target/memscope/internal/domain/model"
)

// maxFindingsPerCategory caps the findings listed per category in the markdown report. The JSON
// rendering is never truncated.
const maxFindingsPerCategory = 50

var errNilDocument = errors.New("result document is required")

// New returns the renderer for format ("markdown" or "json").
func New(format string) (core.ReportRenderer, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "markdown", "md":
		return MarkdownRenderer{}, nil
	case "json":
		return JSONRenderer{Indent: true}, nil
	}
	return nil, fmt.Errorf("unknown report format %q", format)
}

// JSONRenderer renders the result document as JSON.
type JSONRenderer struct {
	Indent bool
}

func (JSONRenderer) Format() string      { return "json" }
func (JSONRenderer) ContentType() string { return "application/json" }

// Render encodes doc.
func (r JSONRenderer) Render(doc *model.ResultDocument) ([]byte, error) {
	if doc == nil {
		return nil, errNilDocument
	}
	if r.Indent {
		return json.MarshalIndent(doc, "", "  ")
	}
	return json.Marshal(doc)
}

// MarkdownRenderer renders an analyst-facing markdown report: subject and image details, a tool
// table, then findings grouped by category.
type MarkdownRenderer struct{}

func (MarkdownRenderer) Format() string      { return "markdown" }
func (MarkdownRenderer) ContentType() string { return "text/markdown; charset=utf-8" }

// Render writes the report.
func (MarkdownRenderer) Render(doc *model.ResultDocument) ([]byte, error) {
	if doc == nil {
		return nil, errNilDocument
	}
	var b bytes.Buffer

	fmt.Fprintf(&b, "# Memory analysis report: %s\n\n", mdEscape(doc.Subject.String()))
	if !doc.GeneratedAt.IsZero() {
		fmt.Fprintf(&b, "Generated %s\n\n", doc.GeneratedAt.UTC().Format(time.RFC3339))
	}

	b.WriteString("## Memory image\n\n")
	img := table.NewWriter()
	img.AppendHeader(table.Row{"Field", "Value"})
	img.AppendRows([]table.Row{
		{"Path", doc.Acquisition.ImagePath},
		{"Size", humanBytes(doc.Acquisition.SizeBytes)},
		{"SHA-256", doc.Acquisition.SHA256},
		{"Backend", doc.Acquisition.Backend},
		{"Acquisition time", (time.Duration(doc.Acquisition.DurationMs) * time.Millisecond).String()},
	})
	b.WriteString(img.RenderMarkdown())
	b.WriteString("\n\n")

	s := doc.ToolSummary
	fmt.Fprintf(&b, "## Tools\n\n%d run, %d succeeded (%d partial), %d failed.\n\n", s.Run, s.Succeeded, s.Partial, s.Failed)
	if len(doc.Tools) > 0 {
		tools := table.NewWriter()
		tools.AppendHeader(table.Row{"Phase", "Tool", "Outcome", "Duration", "Error"})
		for _, rec := range doc.Tools {
			errText := rec.Error
			if rec.ErrorKind != model.ErrorKindNone {
				errText = strings.TrimSpace(string(rec.ErrorKind) + ": " + errText)
			}
			tools.AppendRow(table.Row{
				rec.Phase,
				rec.Tool,
				string(rec.Outcome),
				(time.Duration(rec.DurationMs) * time.Millisecond).String(),
				truncate(errText, 120),
			})
		}
		b.WriteString(tools.RenderMarkdown())
		b.WriteString("\n\n")
	}

	if len(doc.Warnings) > 0 {
		b.WriteString("## Warnings\n\n")
		for _, w := range doc.Warnings {
			fmt.Fprintf(&b, "- %s\n", mdEscape(w))
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "## Findings (%d)\n\n", doc.FindingCount())
	categories := make([]string, 0, len(doc.Findings))
	for c, fs := range doc.Findings {
		if len(fs) > 0 {
			categories = append(categories, c)
		}
	}
	sort.Strings(categories)
	if len(categories) == 0 {
		b.WriteString("No findings.\n")
	}
	for _, c := range categories {
		writeCategory(&b, c, doc.Findings[c])
	}
	return b.Bytes(), nil
}

func writeCategory(b *bytes.Buffer, category string, findings []model.Finding) {
	fmt.Fprintf(b, "### %s (%d)\n\n", category, len(findings))
	t := table.NewWriter()
	t.AppendHeader(table.Row{"Value", "Rule", "Tool", "Offset"})
	for i, f := range findings {
		if i == maxFindingsPerCategory {
			break
		}
		offset := ""
		if f.Offset > 0 {
			offset = fmt.Sprintf("0x%x", f.Offset)
		}
		value := truncate(f.Value, 160)
		if f.Count > 1 {
			value = fmt.Sprintf("%s (x%d)", value, f.Count)
		}
		t.AppendRow(table.Row{value, f.Rule, f.Tool, offset})
	}
	b.WriteString(t.RenderMarkdown())
	b.WriteString("\n")
	if extra := len(findings) - maxFindingsPerCategory; extra > 0 {
		fmt.Fprintf(b, "\n_%d more not shown; see the JSON result._\n", extra)
	}
	b.WriteString("\n")
}

// mdEscape flattens text written outside tables; table cells are escaped by go-pretty.
var mdEscaper = strings.NewReplacer("\n", " ", "\r", " ", "#", `\#`, "*", `\*`)

func mdEscape(s string) string { return mdEscaper.Replace(s) }

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
