package pipeline

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/target/memscope/internal/acquisition"
	"github.com/target/memscope/internal/domain/model"
)

// Names of the built-in phases.
const (
	PhaseAcquisition          = "acquisition"
	PhaseMultiToolAnalysis    = "multi_tool_analysis"
	PhaseCredentialExtraction = "credential_extraction"
)

// acquisitionOverhead is added to the acquisition timeout to cover checksumming the image.
const acquisitionOverhead = 5 * time.Minute

// Plan is the ordered list of analysis phases run after acquisition.
type Plan struct {
	AcquisitionTimeout time.Duration     `yaml:"acquisition_timeout"`
	Phases             []model.PhaseSpec `yaml:"phases"`
}

// DefaultPlan runs every built-in analysis tool concurrently, then the credential extraction
// tools. Both phases are best effort. extraCredentialTools are appended to the second phase.
func DefaultPlan(acquisitionTimeout, phaseTimeout time.Duration, extraCredentialTools ...string) Plan {
	credentialTools := []model.ToolInvocation{{Tool: "yara_credentials"}}
	for _, t := range extraCredentialTools {
		credentialTools = append(credentialTools, model.ToolInvocation{Tool: t})
	}
	return Plan{
		AcquisitionTimeout: acquisitionTimeout,
		Phases: []model.PhaseSpec{
			{
				Name: PhaseMultiToolAnalysis,
				Tools: []model.ToolInvocation{
					{Tool: "binwalk"},
					{Tool: "bulk_extractor"},
					{Tool: "foremost"},
					{Tool: "hexdump"},
					{Tool: "strings"},
					{Tool: "yara"},
				},
				Concurrent: true,
				Policy:     model.PolicyBestEffort,
				Timeout:    phaseTimeout,
			},
			{
				Name:       PhaseCredentialExtraction,
				Tools:      credentialTools,
				Concurrent: true,
				Policy:     model.PolicyBestEffort,
				Timeout:    phaseTimeout,
			},
		},
	}
}

// AcquisitionPhase is the single-tool phase that produces the memory image. It always requires
// its tool to succeed.
func (p Plan) AcquisitionPhase() model.PhaseSpec {
	timeout := p.AcquisitionTimeout
	if timeout <= 0 {
		timeout = acquisition.DefaultTimeout
	}
	return model.PhaseSpec{
		Name:    PhaseAcquisition,
		Tools:   []model.ToolInvocation{{Tool: acquisition.ToolName, Timeout: timeout}},
		Policy:  model.PolicyAllMustSucceed,
		Timeout: timeout + acquisitionOverhead,
	}
}

// Validate checks every phase and rejects duplicate or reserved names.
func (p Plan) Validate() error {
	if len(p.Phases) == 0 {
		return fmt.Errorf("phase plan has no analysis phases")
	}
	seen := make(map[string]struct{}, len(p.Phases))
	for _, ph := range p.Phases {
		if err := ph.Validate(); err != nil {
			return err
		}
		if ph.Name == PhaseAcquisition {
			return fmt.Errorf("phase name %q is reserved", PhaseAcquisition)
		}
		if _, dup := seen[ph.Name]; dup {
			return fmt.Errorf("phase %s declared twice", ph.Name)
		}
		seen[ph.Name] = struct{}{}
	}
	return nil
}

// ToolNames lists every tool referenced by the analysis phases, in declaration order.
func (p Plan) ToolNames() []string {
	var out []string
	seen := make(map[string]struct{})
	for _, ph := range p.Phases {
		for _, t := range ph.Tools {
			if _, ok := seen[t.Tool]; ok {
				continue
			}
			seen[t.Tool] = struct{}{}
			out = append(out, t.Tool)
		}
	}
	return out
}

// ParsePlan decodes a YAML phase plan. Phases without a timeout inherit defaultPhaseTimeout.
func ParsePlan(data []byte, defaultPhaseTimeout time.Duration) (Plan, error) {
	var p Plan
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return Plan{}, fmt.Errorf("decode phase plan: %w", err)
	}
	for i := range p.Phases {
		if p.Phases[i].Timeout <= 0 {
			p.Phases[i].Timeout = defaultPhaseTimeout
		}
	}
	if err := p.Validate(); err != nil {
		return Plan{}, err
	}
	return p, nil
}

// LoadPlanFile reads a YAML phase plan from path.
func LoadPlanFile(path string, defaultPhaseTimeout time.Duration) (Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Plan{}, fmt.Errorf("read phase plan: %w", err)
	}
	return ParsePlan(data, defaultPhaseTimeout)
}
