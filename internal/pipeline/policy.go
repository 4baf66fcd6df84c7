package pipeline

import "github.com/target/memscope/internal/domain/model"

// EvaluatePolicy folds tool outcomes into the phase outcome. A phase that violates its policy is a
// Failure. A phase that satisfies it is a Success when at least one tool succeeded fully, and a
// PartialSuccess when every usable output was itself partial.
func EvaluatePolicy(policy model.FailurePolicy, outcomes []model.ToolOutcome) model.Outcome {
	total := len(outcomes)
	if total == 0 {
		return model.OutcomeFailure
	}
	succeeded, full := 0, 0
	for _, o := range outcomes {
		if o.Outcome.Succeeded() {
			succeeded++
		}
		if o.Outcome == model.OutcomeSuccess {
			full++
		}
	}

	var satisfied bool
	switch policy {
	case model.PolicyAllMustSucceed:
		satisfied = succeeded == total
	case model.PolicyMajoritySucceed:
		satisfied = succeeded*2 > total
	case model.PolicyBestEffort:
		satisfied = succeeded > 0
	}
	switch {
	case !satisfied:
		return model.OutcomeFailure
	case full == 0:
		return model.OutcomePartialSuccess
	default:
		return model.OutcomeSuccess
	}
}
