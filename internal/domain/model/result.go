package model

import "time"

// Finding categories produced by the aggregator.
const (
	CategoryCredentials      = "credentials"
	CategoryNetworkArtifacts = "network-artifacts"
	CategoryFileSignatures   = "file-signatures"
	CategoryCarvedFiles      = "carved-files"
	CategoryKernelStructures = "kernel-structures"
	CategoryFilePaths        = "file-paths"
	CategoryCommands         = "commands"
	CategorySuspicious       = "suspicious-strings"
	CategoryOther            = "other"
)

// AcquisitionInfo describes the memory image a job analyzed.
type AcquisitionInfo struct {
	ImagePath  string `json:"image_path"`
	SizeBytes  int64  `json:"size_bytes"`
	SHA256     string `json:"sha256"`
	Backend    string `json:"backend"`
	DurationMs int64  `json:"duration_ms"`
}

// Finding is a single extracted fact with its provenance.
type Finding struct {
	Tool   string `json:"tool"`
	Phase  string `json:"phase"`
	Rule   string `json:"rule"`
	Value  string `json:"value"`
	Offset int64  `json:"offset,omitempty"`
	Count  int    `json:"count,omitempty"`
}

// ToolSummary counts tool runs across all phases. Partial successes count as succeeded.
type ToolSummary struct {
	Run       int `json:"run"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Partial   int `json:"partial,omitempty"`
}

// ToolRecord is the audit entry kept for every tool run.
type ToolRecord struct {
	Phase      string    `json:"phase"`
	Tool       string    `json:"tool"`
	Outcome    Outcome   `json:"outcome"`
	ErrorKind  ErrorKind `json:"error_kind,omitempty"`
	Error      string    `json:"error,omitempty"`
	RawLog     string    `json:"raw_log,omitempty"`
	DurationMs int64     `json:"duration_ms"`
}

// ResultDocument is the canonical aggregated output of a job.
type ResultDocument struct {
	Subject     SubjectRef           `json:"subject"`
	Acquisition AcquisitionInfo      `json:"acquisition"`
	Findings    map[string][]Finding `json:"findings"`
	ToolSummary ToolSummary          `json:"tool_summary"`
	Tools       []ToolRecord         `json:"tools"`
	Warnings    []string             `json:"warnings,omitempty"`
	GeneratedAt time.Time            `json:"generated_at"`
}

// FindingCount returns the total number of findings across all categories.
func (d *ResultDocument) FindingCount() int {
	if d == nil {
		return 0
	}
	n := 0
	for _, fs := range d.Findings {
		n += len(fs)
	}
	return n
}

// Clone returns a deep copy of d.
func (d *ResultDocument) Clone() *ResultDocument {
	if d == nil {
		return nil
	}
	c := *d
	if d.Findings != nil {
		c.Findings = make(map[string][]Finding, len(d.Findings))
		for k, v := range d.Findings {
			c.Findings[k] = append([]Finding(nil), v...)
		}
	}
	if d.Tools != nil {
		c.Tools = append([]ToolRecord(nil), d.Tools...)
	}
	if d.Warnings != nil {
		c.Warnings = append([]string(nil), d.Warnings...)
	}
	return &c
}
