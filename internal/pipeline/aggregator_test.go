package pipeline

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/memscope/internal/domain/model"
)

func samplePhases(reverse bool) []model.PhaseResult {
	multi := []model.ToolOutcome{
		{ToolName: "binwalk", Outcome: model.OutcomeSuccess, Output: &fakeOutput{findings: []model.RawFinding{
			{Rule: "signature", Value: "gzip compressed data", Offset: 4096},
			{Rule: "signature", Value: "ELF, 64-bit", Offset: 0},
		}}},
		{ToolName: "foremost", Outcome: model.OutcomeFailure, ErrorKind: model.ErrorKindTimeout, Error: "tool timed out"},
		{ToolName: "strings", Outcome: model.OutcomePartialSuccess, Output: &fakeOutput{findings: []model.RawFinding{
			{Rule: "ip_address", Value: "10.0.0.5", Offset: 16},
			{Rule: "command", Value: "/bin/bash -c id", Offset: 32},
			{Rule: "unexpected", Value: "zzz"},
		}}},
	}
	creds := []model.ToolOutcome{
		{ToolName: "yara_credentials", Outcome: model.OutcomeSuccess, Output: &fakeOutput{findings: []model.RawFinding{
			{Rule: "SSH_Private_Keys", Value: "$rsa", Offset: 1, Count: 2},
		}}},
	}
	if reverse {
		for i, j := 0, len(multi)-1; i < j; i, j = i+1, j-1 {
			multi[i], multi[j] = multi[j], multi[i]
		}
	}
	return []model.PhaseResult{
		{PhaseTag: PhaseMultiToolAnalysis, Outcome: model.OutcomeSuccess, ToolOutcomes: multi},
		{PhaseTag: PhaseCredentialExtraction, Outcome: model.OutcomeSuccess, ToolOutcomes: creds},
	}
}

func fixedAggregator() *Aggregator {
	a := NewAggregator(DefaultCategoryRules())
	a.now = func() time.Time { return time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC) }
	return a
}

func TestAggregate_GroupsFindings(t *testing.T) {
	t.Parallel()
	acq := model.AcquisitionInfo{ImagePath: "/tmp/ramdump/x.raw", SizeBytes: 1024, SHA256: "abc"}
	doc := fixedAggregator().Aggregate(model.SubjectRef{InstanceID: "i-1"}, acq, samplePhases(false))

	assert.Equal(t, acq, doc.Acquisition)
	assert.Equal(t, model.ToolSummary{Run: 4, Succeeded: 3, Failed: 1, Partial: 1}, doc.ToolSummary)
	assert.Equal(t, 6, doc.FindingCount())

	sigs := doc.Findings[model.CategoryFileSignatures]
	require.Len(t, sigs, 2)
	assert.Equal(t, int64(0), sigs[0].Offset, "sorted by offset")
	assert.Equal(t, PhaseMultiToolAnalysis, sigs[0].Phase)

	assert.Len(t, doc.Findings[model.CategoryNetworkArtifacts], 1)
	assert.Len(t, doc.Findings[model.CategoryCommands], 1)
	assert.Len(t, doc.Findings[model.CategoryOther], 1, "unclassified findings are kept")
	creds := doc.Findings[model.CategoryCredentials]
	require.Len(t, creds, 1)
	assert.Equal(t, 2, creds[0].Count)

	require.Len(t, doc.Warnings, 1)
	assert.Contains(t, doc.Warnings[0], "foremost failed (timeout)")
	require.Len(t, doc.Tools, 4)
	assert.Equal(t, "binwalk", doc.Tools[0].Tool)
	assert.Equal(t, "yara_credentials", doc.Tools[3].Tool)
}

func TestAggregate_IsDeterministic(t *testing.T) {
	t.Parallel()
	a := fixedAggregator()
	first, err := json.Marshal(a.Aggregate(model.SubjectRef{InstanceID: "i"}, model.AcquisitionInfo{}, samplePhases(false)))
	require.NoError(t, err)
	second, err := json.Marshal(a.Aggregate(model.SubjectRef{InstanceID: "i"}, model.AcquisitionInfo{}, samplePhases(true)))
	require.NoError(t, err)
	assert.JSONEq(t, string(first), string(second))
	assert.Equal(t, string(first), string(second))
}

func TestAggregate_Empty(t *testing.T) {
	t.Parallel()
	doc := fixedAggregator().Aggregate(model.SubjectRef{InstanceID: "i"}, model.AcquisitionInfo{}, nil)
	assert.Equal(t, 0, doc.FindingCount())
	assert.NotNil(t, doc.Findings)
	assert.Equal(t, time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC), doc.GeneratedAt)
}

func TestClassify(t *testing.T) {
	t.Parallel()
	a := NewAggregator(append(DefaultCategoryRules(),
		CategoryRule{Tool: "credential_scan", Rule: Wildcard, Category: model.CategoryCredentials},
		CategoryRule{Tool: "strings", Rule: "ip_address", Category: "ips"},
	))
	assert.Equal(t, model.CategoryCredentials, a.Classify("script", "Cloud_Tokens"))
	assert.Equal(t, model.CategoryCredentials, a.Classify("credential_scan", "match"))
	assert.Equal(t, model.CategoryFileSignatures, a.Classify("hexdump", "elf_header"))
	assert.Equal(t, "ips", a.Classify("strings", "ip_address"), "later rules override")
	assert.Equal(t, model.CategoryOther, a.Classify("binwalk", "mystery"))
}
