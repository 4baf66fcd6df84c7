//go:build !windows

package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/memscope/internal/domain/model"
	"github.com/target/memscope/internal/tools"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tool.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o700))
	return path
}

// Runs real child processes through the script adapter to check that phase timeouts kill them.
func TestRunPhase_RealProcesses(t *testing.T) {
	exec := &tools.ProcessExecutor{WaitDelay: 500 * time.Millisecond}
	quick, err := tools.NewScript(exec, tools.ScriptOptions{
		Name:        "quick_scan",
		Script:      writeScript(t, `echo '{"matches": [{"rule": "SSH_Private_Keys", "value": "BEGIN OPENSSH"}]}'`),
		Interpreter: "/bin/sh",
	})
	require.NoError(t, err)
	stuck, err := tools.NewScript(exec, tools.ScriptOptions{
		Name:        "stuck_scan",
		Script:      writeScript(t, "sleep 30 & sleep 30\nwait"),
		Interpreter: "/bin/sh",
	})
	require.NoError(t, err)

	r := NewPhaseRunner(RunnerOptions{Adapters: resolverOf(quick, stuck)})
	spec := phase(model.PolicyBestEffort, true, "quick_scan", "stuck_scan")
	spec.Timeout = 500 * time.Millisecond

	start := time.Now()
	res := r.RunPhase(context.Background(), spec, tools.Artifact{JobID: "j", Path: "/dev/null", WorkDir: t.TempDir()})
	assert.Less(t, time.Since(start), 10*time.Second)

	assert.Equal(t, model.OutcomeSuccess, res.Outcome)
	require.Len(t, res.ToolOutcomes, 2)
	assert.Equal(t, model.OutcomeSuccess, res.ToolOutcomes[0].Outcome)
	assert.Equal(t, model.OutcomeFailure, res.ToolOutcomes[1].Outcome)
	assert.Equal(t, model.ErrorKindTimeout, res.ToolOutcomes[1].ErrorKind)

	doc := NewAggregator(DefaultCategoryRules()).Aggregate(model.SubjectRef{InstanceID: "i"}, model.AcquisitionInfo{}, []model.PhaseResult{res})
	require.Len(t, doc.Findings[model.CategoryCredentials], 1)
	assert.Equal(t, "quick_scan", doc.Findings[model.CategoryCredentials][0].Tool)
}
