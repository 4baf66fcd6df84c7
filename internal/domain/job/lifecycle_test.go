package job

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/memscope/internal/domain/model"
)

func TestCanTransition_ForwardOnly(t *testing.T) {
	forward := []model.JobState{
		model.JobStatePending,
		model.JobStateAcquiring,
		model.JobStateAnalyzing,
		model.JobStateReporting,
		model.JobStateCompleted,
	}
	for i := 0; i+1 < len(forward); i++ {
		assert.True(t, CanTransition(forward[i], forward[i+1]), "%s -> %s", forward[i], forward[i+1])
		assert.False(t, CanTransition(forward[i+1], forward[i]), "%s -> %s", forward[i+1], forward[i])
	}

	// No phase is entered twice and no skipping ahead.
	assert.False(t, CanTransition(model.JobStateAnalyzing, model.JobStateAnalyzing))
	assert.False(t, CanTransition(model.JobStatePending, model.JobStateAnalyzing))
	assert.False(t, CanTransition(model.JobStateAcquiring, model.JobStateCompleted))
}

func TestCanTransition_FailureStatesFromAnyNonTerminal(t *testing.T) {
	for _, from := range []model.JobState{
		model.JobStatePending, model.JobStateAcquiring, model.JobStateAnalyzing, model.JobStateReporting,
	} {
		assert.True(t, CanTransition(from, model.JobStateFailed), from)
		assert.True(t, CanTransition(from, model.JobStateCancelled), from)
	}
}

func TestCanTransition_TerminalStatesAreFinal(t *testing.T) {
	all := []model.JobState{
		model.JobStatePending, model.JobStateAcquiring, model.JobStateAnalyzing, model.JobStateReporting,
		model.JobStateCompleted, model.JobStateFailed, model.JobStateCancelled,
	}
	for _, from := range []model.JobState{model.JobStateCompleted, model.JobStateFailed, model.JobStateCancelled} {
		for _, to := range all {
			assert.False(t, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestValidateTransition(t *testing.T) {
	require.NoError(t, ValidateTransition(model.JobStatePending, model.JobStateAcquiring))

	err := ValidateTransition(model.JobStateCompleted, model.JobStateFailed)
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Contains(t, err.Error(), "completed -> failed")
}

func TestAnalysisProgress(t *testing.T) {
	tests := []struct {
		completed, total, want int
	}{
		{0, 2, 25},
		{1, 2, 50},
		{2, 2, 75},
		{1, 3, 41},
		{2, 3, 58},
		{3, 3, 75},
		{0, 0, 75},
		{5, 2, 75},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, AnalysisProgress(tt.completed, tt.total), "%d/%d", tt.completed, tt.total)
	}
}

func TestAnalysisProgress_Monotonic(t *testing.T) {
	for total := 1; total <= 7; total++ {
		prev := ProgressAcquired
		for done := 0; done <= total; done++ {
			p := AnalysisProgress(done, total)
			assert.GreaterOrEqual(t, p, prev)
			assert.LessOrEqual(t, p, ProgressAnalysisDone)
			prev = p
		}
	}
}

func TestStepLabel(t *testing.T) {
	assert.Equal(t, "Acquiring memory image", StepLabel(model.JobStateAcquiring))
	assert.Equal(t, "weird", StepLabel(model.JobState("weird")))
}
