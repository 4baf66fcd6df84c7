package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/target/memscope/internal/domain/model"
)

const (
	outputTable = "table"
	outputJSON  = "json"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleLight)
	return tw
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return strconv.FormatUint(n, 10) + " B"
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func jobError(j *model.Job) string {
	if j.ErrorDetail == nil {
		return ""
	}
	if j.ErrorDetail.Phase != "" {
		return fmt.Sprintf("%s in %s: %s", j.ErrorDetail.Code, j.ErrorDetail.Phase, j.ErrorDetail.Message)
	}
	return j.ErrorDetail.Code + ": " + j.ErrorDetail.Message
}

func renderJobs(w io.Writer, jobs []jobView) {
	tw := newTable(w)
	tw.AppendHeader(table.Row{"ID", "Instance", "State", "Progress", "Step", "Created", "Error"})
	for _, j := range jobs {
		instance := j.Subject.InstanceID
		if j.Subject.InstanceName != "" {
			instance += " (" + j.Subject.InstanceName + ")"
		}
		created := j.CreatedAt
		tw.AppendRow(table.Row{
			j.ID, instance, j.State, strconv.Itoa(j.ProgressPercent) + "%", j.CurrentStep, formatTime(&created), jobError(&j.Job),
		})
	}
	tw.Render()
}

func renderStats(w io.Writer, s model.JobStats) error {
	_, err := fmt.Fprintf(w, "pending=%d active=%d completed=%d failed=%d cancelled=%d\n",
		s.Pending, s.Active, s.Completed, s.Failed, s.Cancelled)
	return err
}

func renderJob(w io.Writer, j *jobView) {
	tw := newTable(w)
	tw.AppendRows([]table.Row{
		{"ID", j.ID},
		{"Instance ID", j.Subject.InstanceID},
		{"Instance name", j.Subject.InstanceName},
		{"State", j.State},
		{"Progress", strconv.Itoa(j.ProgressPercent) + "%"},
		{"Step", j.CurrentStep},
		{"Version", j.Version},
		{"Created", formatTime(&j.CreatedAt)},
		{"Started", formatTime(j.StartedAt)},
		{"Completed", formatTime(j.CompletedAt)},
	})
	if j.SourceDump != "" {
		tw.AppendRow(table.Row{"Source dump", j.SourceDump})
	}
	if j.Image != nil {
		tw.AppendRow(table.Row{"Image", j.Image.ImagePath})
		tw.AppendRow(table.Row{"Image size", formatBytes(uint64(max(j.Image.SizeBytes, 0)))})
		tw.AppendRow(table.Row{"Image sha256", j.Image.SHA256})
	}
	if msg := jobError(&j.Job); msg != "" {
		tw.AppendRow(table.Row{"Error", msg})
	}
	for _, warn := range j.Warnings {
		tw.AppendRow(table.Row{"Warning", warn})
	}
	if j.ReportError != "" {
		tw.AppendRow(table.Row{"Report error", j.ReportError})
	}
	tw.AppendRow(table.Row{"Result", resultAvailability(j)})
	if j.Evicted {
		tw.AppendRow(table.Row{"Evicted", "yes"})
	}
	tw.Render()
}

func resultAvailability(j *jobView) string {
	switch {
	case j.HasResult:
		return "available"
	case j.HasPartialResult:
		return "partial (use --partial)"
	default:
		return "none"
	}
}

func renderResult(w io.Writer, doc *model.ResultDocument) error {
	tw := newTable(w)
	tw.AppendHeader(table.Row{"Category", "Tool", "Rule", "Value", "Count"})
	categories := make([]string, 0, len(doc.Findings))
	for c := range doc.Findings {
		categories = append(categories, c)
	}
	sort.Strings(categories)
	for _, c := range categories {
		for _, f := range doc.Findings[c] {
			tw.AppendRow(table.Row{c, f.Tool, f.Rule, truncate(f.Value, 80), max(f.Count, 1)})
		}
	}
	tw.Render()

	s := doc.ToolSummary
	_, err := fmt.Fprintf(w, "tools: run=%d succeeded=%d failed=%d partial=%d findings=%d\n",
		s.Run, s.Succeeded, s.Failed, s.Partial, doc.FindingCount())
	return err
}

func renderCapabilities(w io.Writer, caps *capabilities) {
	names := make([]string, 0, len(caps.Tools))
	for name := range caps.Tools {
		names = append(names, name)
	}
	sort.Strings(names)

	tw := newTable(w)
	tw.AppendHeader(table.Row{"Tool", "Binary", "Available", "Path / error"})
	for _, name := range names {
		tc := caps.Tools[name]
		detail := tc.Path
		if !tc.Available {
			detail = tc.Error
		}
		tw.AppendRow(table.Row{name, tc.Binary, tc.Available, detail})
	}
	tw.Render()

	if len(caps.Disks) > 0 || caps.Memory != nil {
		dt := newTable(w)
		dt.AppendHeader(table.Row{"Resource", "Path", "Free"})
		for _, d := range caps.Disks {
			free := formatBytes(d.FreeBytes)
			if d.Error != "" {
				free = "error: " + d.Error
			}
			dt.AppendRow(table.Row{d.Name, d.Path, free})
		}
		if caps.Memory != nil {
			dt.AppendRow(table.Row{"memory", "", formatBytes(caps.Memory.AvailableBytes) + " of " + formatBytes(caps.Memory.TotalBytes)})
		}
		dt.Render()
	}
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
