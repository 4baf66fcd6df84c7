// Package job holds the lifecycle rules of a forensic analysis job: allowed state transitions,
// progress milestones and change notification.
package job

import (
	"errors"
	"fmt"
	"slices"

	"github.com/target/memscope/internal/domain/model"
)

// ErrInvalidTransition is returned when a state change is not allowed by the lifecycle.
var ErrInvalidTransition = errors.New("invalid job state transition")

// allowedTransitions lists the forward edges of the lifecycle. Failed and Cancelled are
// reachable from every non-terminal state; terminal states have no outgoing edges.
var allowedTransitions = map[model.JobState][]model.JobState{
	model.JobStatePending:   {model.JobStateAcquiring, model.JobStateFailed, model.JobStateCancelled},
	model.JobStateAcquiring: {model.JobStateAnalyzing, model.JobStateFailed, model.JobStateCancelled},
	model.JobStateAnalyzing: {model.JobStateReporting, model.JobStateFailed, model.JobStateCancelled},
	model.JobStateReporting: {model.JobStateCompleted, model.JobStateFailed, model.JobStateCancelled},
}

// CanTransition reports whether a job may move from one state to another.
func CanTransition(from, to model.JobState) bool {
	return slices.Contains(allowedTransitions[from], to)
}

// ValidateTransition returns ErrInvalidTransition when the move is not allowed.
func ValidateTransition(from, to model.JobState) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
