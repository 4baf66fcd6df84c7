package job

import "github.com/target/memscope/internal/domain/model"

// Progress milestones, in percent.
const (
	ProgressPending       = 0
	ProgressAcquiring     = 5
	ProgressAcquired      = 25
	ProgressAnalysisDone  = 75
	ProgressReporting     = 80
	ProgressReportReady   = 90
	ProgressComplete      = 100
	analysisProgressRange = ProgressAnalysisDone - ProgressAcquired
)

// AnalysisProgress returns the milestone reached after completed of total analysis phases,
// splitting the analysis range evenly.
func AnalysisProgress(completed, total int) int {
	if total <= 0 || completed >= total {
		return ProgressAnalysisDone
	}
	if completed <= 0 {
		return ProgressAcquired
	}
	return ProgressAcquired + analysisProgressRange*completed/total
}

// StepCancelling labels an active job whose cancellation was requested but has not finished.
const StepCancelling = "Cancelling"

// StepLabel is the default human-readable label for a state.
func StepLabel(state model.JobState) string {
	switch state {
	case model.JobStatePending:
		return "Waiting for a worker slot"
	case model.JobStateAcquiring:
		return "Acquiring memory image"
	case model.JobStateAnalyzing:
		return "Running analysis phases"
	case model.JobStateReporting:
		return "Aggregating results and rendering report"
	case model.JobStateCompleted:
		return "Analysis completed"
	case model.JobStateFailed:
		return "Analysis failed"
	case model.JobStateCancelled:
		return "Analysis cancelled"
	default:
		return string(state)
	}
}
