package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Report formats accepted by PIPELINE_REPORT_FORMAT.
const (
	ReportFormatMarkdown = "markdown"
	ReportFormatJSON     = "json"
)

// PipelineConfig controls scheduling, timeouts and retention of analysis jobs.
type PipelineConfig struct {
	// Concurrency is the number of jobs allowed to run at once.
	Concurrency int `env:"CONCURRENCY" envDefault:"3"`
	// MaxJobs caps the in-memory job table, terminal jobs included.
	MaxJobs int `env:"MAX_JOBS" envDefault:"100"`

	WorkDir string `env:"WORK_DIR" envDefault:"/tmp/memscope"`
	DumpDir string `env:"DUMP_DIR" envDefault:"/tmp/ramdump"`

	ToolTimeout        time.Duration `env:"TOOL_TIMEOUT"        envDefault:"10m"`
	PhaseTimeout       time.Duration `env:"PHASE_TIMEOUT"       envDefault:"30m"`
	AcquisitionTimeout time.Duration `env:"ACQUISITION_TIMEOUT" envDefault:"20m"`

	ReportMandatory      bool `env:"REPORT_MANDATORY"        envDefault:"false"`
	KeepPartialOnFailure bool `env:"KEEP_PARTIAL_ON_FAILURE" envDefault:"true"`
	KeepResultsOnCancel  bool `env:"KEEP_RESULTS_ON_CANCEL"  envDefault:"false"`
	// KeepArtifacts leaves tool scratch directories on disk after each phase.
	KeepArtifacts bool `env:"KEEP_ARTIFACTS" envDefault:"false"`

	// MinFreeBytes is the free space required in DumpDir before acquiring an image.
	MinFreeBytes uint64 `env:"MIN_FREE_BYTES" envDefault:"1073741824"`

	// PhasesFile optionally replaces the built-in phase plan with a YAML file.
	PhasesFile   string `env:"PHASES_FILE"`
	ReportFormat string `env:"REPORT_FORMAT" envDefault:"markdown"`
}

// Sanitize applies guardrails to pipeline configuration values.
func (p *PipelineConfig) Sanitize() {
	if p.Concurrency < 1 {
		p.Concurrency = 1
	}
	if p.MaxJobs < p.Concurrency {
		p.MaxJobs = p.Concurrency
	}
	if p.ToolTimeout <= 0 {
		p.ToolTimeout = 10 * time.Minute
	}
	if p.PhaseTimeout < p.ToolTimeout {
		p.PhaseTimeout = p.ToolTimeout
	}
	if p.AcquisitionTimeout <= 0 {
		p.AcquisitionTimeout = 20 * time.Minute
	}
	p.WorkDir = strings.TrimSpace(p.WorkDir)
	p.DumpDir = strings.TrimSpace(p.DumpDir)
	p.PhasesFile = strings.TrimSpace(p.PhasesFile)
	p.ReportFormat = strings.ToLower(strings.TrimSpace(p.ReportFormat))
	if p.ReportFormat == "" {
		p.ReportFormat = ReportFormatMarkdown
	}
}

// Validate reports values that cannot be defaulted.
func (p *PipelineConfig) Validate() error {
	if p.WorkDir == "" {
		return errors.New("PIPELINE_WORK_DIR is required")
	}
	if p.DumpDir == "" {
		return errors.New("PIPELINE_DUMP_DIR is required")
	}
	switch p.ReportFormat {
	case ReportFormatMarkdown, ReportFormatJSON:
	default:
		return fmt.Errorf("invalid PIPELINE_REPORT_FORMAT %q (valid options: markdown, json)", p.ReportFormat)
	}
	return nil
}

// ToolsConfig names the external binaries the adapters run.
type ToolsConfig struct {
	Binwalk       string `env:"BINWALK"        envDefault:"binwalk"`
	Foremost      string `env:"FOREMOST"       envDefault:"foremost"`
	BulkExtractor string `env:"BULK_EXTRACTOR" envDefault:"bulk_extractor"`
	Yara          string `env:"YARA"           envDefault:"yara"`
	Strings       string `env:"STRINGS"        envDefault:"strings"`
	Hexdump       string `env:"HEXDUMP"        envDefault:"hexdump"`
	Virsh         string `env:"VIRSH"          envDefault:"virsh"`
	VirshUseSudo  bool   `env:"VIRSH_USE_SUDO" envDefault:"false"`

	// CredentialScript, when set, adds a script tool to the credential extraction phase.
	CredentialScript string `env:"CREDENTIAL_SCRIPT"`
	// CredentialScriptMatches is a JMESPath expression selecting matches from the script's JSON.
	CredentialScriptMatches string `env:"CREDENTIAL_SCRIPT_MATCHES"`

	// MaxOutputBytes bounds the stdout and stderr kept per tool run.
	MaxOutputBytes int `env:"MAX_OUTPUT_BYTES" envDefault:"4194304"`
}

// Sanitize applies guardrails to tool configuration values.
func (t *ToolsConfig) Sanitize() {
	t.CredentialScript = strings.TrimSpace(t.CredentialScript)
	t.CredentialScriptMatches = strings.TrimSpace(t.CredentialScriptMatches)
	if t.MaxOutputBytes < 64<<10 {
		t.MaxOutputBytes = 64 << 10
	}
}
