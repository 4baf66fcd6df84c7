package tools

import (
	"context"
	"errors"

	"github.com/target/memscope/internal/domain/model"
	apperrors "github.com/target/memscope/internal/errors"
)

// ErrNoData is the parse error reported when a tool produced nothing a parser could use.
var ErrNoData = errors.New("no parsable output")

// settle converts an execution error and the parse status into an outcome. recovered reports whether
// the parser extracted any usable data.
func settle(execErr error, recovered bool, parseErr error) (model.Outcome, model.ErrorKind, error) {
	switch {
	case execErr == nil:
	case errors.Is(execErr, ErrTimeout), errors.Is(execErr, context.DeadlineExceeded):
		return model.OutcomeFailure, model.ErrorKindTimeout,
			apperrors.Wrap(execErr, apperrors.ErrCodeToolTimeout, "tool timed out")
	case errors.Is(execErr, context.Canceled):
		return model.OutcomeFailure, model.ErrorKindCancelled,
			apperrors.Wrap(execErr, apperrors.ErrCodeCanceled, "tool cancelled")
	case errors.Is(execErr, ErrUnavailable):
		return model.OutcomeFailure, model.ErrorKindUnavailable, execErr
	default:
		if recovered {
			return model.OutcomePartialSuccess, model.ErrorKindExecFailed, execErr
		}
		return model.OutcomeFailure, model.ErrorKindExecFailed, execErr
	}

	if parseErr != nil {
		err := apperrors.Wrap(parseErr, apperrors.ErrCodeToolOutputUnparsable, "tool output could not be parsed")
		if recovered {
			return model.OutcomePartialSuccess, model.ErrorKindUnparsable, err
		}
		return model.OutcomeFailure, model.ErrorKindUnparsable, err
	}
	return model.OutcomeSuccess, model.ErrorKindNone, nil
}

// finish builds the Result returned by adapters that ran one command.
func finish(out model.ToolOutput, c Command, res ExecResult, execErr error, recovered bool, parseErr error) (Result, error) {
	outcome, kind, err := settle(execErr, recovered, parseErr)
	r := Result{
		Outcome:   outcome,
		ErrorKind: kind,
		RawLog:    res.Log(c),
	}
	if recovered || outcome == model.OutcomeSuccess {
		r.Output = out
	}
	return r, err
}
