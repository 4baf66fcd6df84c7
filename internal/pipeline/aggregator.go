package pipeline

import (
	"fmt"
	"sort"
	"time"

	"github.com/target/memscope/internal/domain/model"
)

// Wildcard matches any tool or rule in a CategoryRule.
const Wildcard = "*"

// CategoryRule maps findings of a tool and rule to a category.
type CategoryRule struct {
	Tool     string `yaml:"tool"`
	Rule     string `yaml:"rule"`
	Category string `yaml:"category"`
}

// DefaultCategoryRules classifies the findings of the built-in adapters.
func DefaultCategoryRules() []CategoryRule {
	return []CategoryRule{
		{Tool: Wildcard, Rule: "CirrOS_Credentials", Category: model.CategoryCredentials},
		{Tool: Wildcard, Rule: "SSH_Private_Keys", Category: model.CategoryCredentials},
		{Tool: Wildcard, Rule: "Password_Hashes", Category: model.CategoryCredentials},
		{Tool: Wildcard, Rule: "Cloud_Tokens", Category: model.CategoryCredentials},
		{Tool: Wildcard, Rule: "Linux_Kernel_Structures", Category: model.CategoryKernelStructures},
		{Tool: Wildcard, Rule: "Network_Artifacts", Category: model.CategoryNetworkArtifacts},
		{Tool: Wildcard, Rule: "Suspicious_Strings", Category: model.CategorySuspicious},

		{Tool: "strings", Rule: "ip_address", Category: model.CategoryNetworkArtifacts},
		{Tool: "strings", Rule: "file_path", Category: model.CategoryFilePaths},
		{Tool: "strings", Rule: "command", Category: model.CategoryCommands},

		{Tool: "binwalk", Rule: "signature", Category: model.CategoryFileSignatures},
		{Tool: "binwalk", Rule: "extracted_files", Category: model.CategoryCarvedFiles},
		{Tool: "hexdump", Rule: Wildcard, Category: model.CategoryFileSignatures},
		{Tool: "foremost", Rule: Wildcard, Category: model.CategoryCarvedFiles},

		{Tool: "bulk_extractor", Rule: "email", Category: model.CategoryNetworkArtifacts},
		{Tool: "bulk_extractor", Rule: "url", Category: model.CategoryNetworkArtifacts},
		{Tool: "bulk_extractor", Rule: "domain", Category: model.CategoryNetworkArtifacts},
		{Tool: "bulk_extractor", Rule: "ip", Category: model.CategoryNetworkArtifacts},
		{Tool: "bulk_extractor", Rule: "ether", Category: model.CategoryNetworkArtifacts},
		{Tool: "bulk_extractor", Rule: "ccn", Category: model.CategoryCredentials},
	}
}

type ruleKey struct{ tool, rule string }

// Aggregator folds phase results into a ResultDocument.
type Aggregator struct {
	categories map[ruleKey]string
	now        func() time.Time
}

// NewAggregator builds an aggregator from category rules. Later rules override earlier ones for
// the same tool and rule pair.
func NewAggregator(rules []CategoryRule) *Aggregator {
	a := &Aggregator{categories: make(map[ruleKey]string, len(rules)), now: time.Now}
	for _, r := range rules {
		a.categories[ruleKey{r.Tool, r.Rule}] = r.Category
	}
	return a
}

// Classify returns the category of a finding. Exact matches win over rule wildcards, which win
// over tool wildcards; anything unmatched is "other".
func (a *Aggregator) Classify(tool, rule string) string {
	for _, k := range []ruleKey{{tool, rule}, {Wildcard, rule}, {tool, Wildcard}} {
		if c, ok := a.categories[k]; ok {
			return c
		}
	}
	return model.CategoryOther
}

// Aggregate builds the result document for the given analysis phases. Output depends only on the
// inputs, apart from GeneratedAt.
func (a *Aggregator) Aggregate(subject model.SubjectRef, acq model.AcquisitionInfo, phases []model.PhaseResult) *model.ResultDocument {
	doc := &model.ResultDocument{
		Subject:     subject,
		Acquisition: acq,
		Findings:    make(map[string][]model.Finding),
		Tools:       []model.ToolRecord{},
		GeneratedAt: a.now().UTC(),
	}

	for _, phase := range phases {
		for _, o := range sortedOutcomes(phase.ToolOutcomes) {
			doc.ToolSummary.Run++
			switch o.Outcome {
			case model.OutcomeSuccess:
				doc.ToolSummary.Succeeded++
			case model.OutcomePartialSuccess:
				doc.ToolSummary.Succeeded++
				doc.ToolSummary.Partial++
			default:
				doc.ToolSummary.Failed++
				doc.Warnings = append(doc.Warnings, toolWarning(phase.PhaseTag, o))
			}
			doc.Tools = append(doc.Tools, model.ToolRecord{
				Phase:      phase.PhaseTag,
				Tool:       o.ToolName,
				Outcome:    o.Outcome,
				ErrorKind:  o.ErrorKind,
				Error:      o.Error,
				RawLog:     o.RawLog,
				DurationMs: o.DurationMs,
			})

			if o.Output == nil || !o.Outcome.Succeeded() {
				continue
			}
			for _, f := range o.Output.Findings() {
				cat := a.Classify(o.ToolName, f.Rule)
				doc.Findings[cat] = append(doc.Findings[cat], model.Finding{
					Tool:   o.ToolName,
					Phase:  phase.PhaseTag,
					Rule:   f.Rule,
					Value:  f.Value,
					Offset: f.Offset,
					Count:  f.Count,
				})
			}
		}
	}

	for _, fs := range doc.Findings {
		sort.SliceStable(fs, func(i, j int) bool { return lessFinding(fs[i], fs[j]) })
	}
	return doc
}

func lessFinding(a, b model.Finding) bool {
	switch {
	case a.Tool != b.Tool:
		return a.Tool < b.Tool
	case a.Rule != b.Rule:
		return a.Rule < b.Rule
	case a.Offset != b.Offset:
		return a.Offset < b.Offset
	case a.Value != b.Value:
		return a.Value < b.Value
	case a.Phase != b.Phase:
		return a.Phase < b.Phase
	default:
		return a.Count < b.Count
	}
}

func sortedOutcomes(in []model.ToolOutcome) []model.ToolOutcome {
	out := append([]model.ToolOutcome(nil), in...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ToolName < out[j].ToolName })
	return out
}

func toolWarning(phase string, o model.ToolOutcome) string {
	kind := string(o.ErrorKind)
	if kind == "" {
		kind = "failed"
	}
	if o.Error == "" {
		return fmt.Sprintf("phase %s: tool %s failed (%s)", phase, o.ToolName, kind)
	}
	return fmt.Sprintf("phase %s: tool %s failed (%s): %s", phase, o.ToolName, kind, o.Error)
}
