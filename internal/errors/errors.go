package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a category of application error.
type ErrorCode string

const (
	// ErrCodeNotFound indicates a job or archive record was not found.
	ErrCodeNotFound ErrorCode = "not_found"
	// ErrCodeNotReady indicates a job has not reached the state required by the caller.
	ErrCodeNotReady ErrorCode = "not_ready"
	// ErrCodeCapacityExceeded indicates the job table is full.
	ErrCodeCapacityExceeded ErrorCode = "capacity_exceeded"
	// ErrCodeConflict indicates a conflict with existing data (e.g., unique constraint violation).
	ErrCodeConflict ErrorCode = "conflict"
	// ErrCodeValidation indicates invalid input data.
	ErrCodeValidation ErrorCode = "validation"
	// ErrCodeInternal indicates an internal server error.
	ErrCodeInternal ErrorCode = "internal"
	// ErrCodeTimeout indicates a timeout occurred.
	ErrCodeTimeout ErrorCode = "timeout"
	// ErrCodeCanceled indicates the operation or job was cancelled.
	ErrCodeCanceled ErrorCode = "canceled"

	// ErrCodeAcquisitionFailed indicates the memory image could not be obtained.
	ErrCodeAcquisitionFailed ErrorCode = "acquisition_failed"
	// ErrCodeToolTimeout indicates an external tool exceeded its wall-clock budget.
	ErrCodeToolTimeout ErrorCode = "tool_timeout"
	// ErrCodeToolOutputUnparsable indicates a tool produced output its parser could not read.
	ErrCodeToolOutputUnparsable ErrorCode = "tool_output_unparsable"
	// ErrCodePhaseFailurePolicyViolated indicates a phase did not satisfy its failure policy.
	ErrCodePhaseFailurePolicyViolated ErrorCode = "phase_failure_policy_violated"
	// ErrCodeReportRenderFailed indicates the report renderer returned an error.
	ErrCodeReportRenderFailed ErrorCode = "report_render_failed"
)

// AppError represents a structured application error with a code, message, and optional cause.
// It supports error wrapping and unwrapping for use with errors.Is and errors.As.
type AppError struct {
	// Code categorizes the error type
	Code ErrorCode
	// Message is a human-readable error message
	Message string
	// Cause is the underlying error that caused this error (optional)
	Cause error
	// Field is the specific field that caused the error (optional, for validation errors)
	Field string
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause, enabling errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Cause
}

// New creates an AppError with the given code.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Newf creates an AppError with the given code and a formatted message.
func Newf(code ErrorCode, format string, args ...any) *AppError {
	return &AppError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// NotFound creates a new NotFound error.
func NotFound(message string) *AppError {
	return New(ErrCodeNotFound, message)
}

// NotFoundf creates a new NotFound error with formatted message.
func NotFoundf(format string, args ...any) *AppError {
	return Newf(ErrCodeNotFound, format, args...)
}

// NotReadyf creates a new NotReady error with formatted message.
func NotReadyf(format string, args ...any) *AppError {
	return Newf(ErrCodeNotReady, format, args...)
}

// CapacityExceededf creates a new CapacityExceeded error with formatted message.
func CapacityExceededf(format string, args ...any) *AppError {
	return Newf(ErrCodeCapacityExceeded, format, args...)
}

// Conflict creates a new Conflict error.
func Conflict(message string) *AppError {
	return New(ErrCodeConflict, message)
}

// Validation creates a new Validation error.
func Validation(message string) *AppError {
	return New(ErrCodeValidation, message)
}

// Validationf creates a new Validation error with formatted message.
func Validationf(format string, args ...any) *AppError {
	return Newf(ErrCodeValidation, format, args...)
}

// ValidationField creates a new Validation error for a specific field.
func ValidationField(field, message string) *AppError {
	return &AppError{
		Code:    ErrCodeValidation,
		Message: message,
		Field:   field,
	}
}

// Internal creates a new Internal error.
func Internal(message string) *AppError {
	return New(ErrCodeInternal, message)
}

// Internalf creates a new Internal error with formatted message.
func Internalf(format string, args ...any) *AppError {
	return Newf(ErrCodeInternal, format, args...)
}

// Wrap wraps an existing error with an AppError, preserving the cause.
func Wrap(err error, code ErrorCode, message string) *AppError {
	if err == nil {
		return nil
	}
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// Wrapf wraps an existing error with an AppError and formatted message.
func Wrapf(err error, code ErrorCode, format string, args ...any) *AppError {
	if err == nil {
		return nil
	}
	return &AppError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Cause:   err,
	}
}

// isCode checks if an error has a specific error code.
func isCode(err error, code ErrorCode) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == code
}

// IsNotFound checks if an error is a NotFound error.
func IsNotFound(err error) bool {
	return isCode(err, ErrCodeNotFound)
}

// IsNotReady checks if an error is a NotReady error.
func IsNotReady(err error) bool {
	return isCode(err, ErrCodeNotReady)
}

// IsCapacityExceeded checks if an error is a CapacityExceeded error.
func IsCapacityExceeded(err error) bool {
	return isCode(err, ErrCodeCapacityExceeded)
}

// IsConflict checks if an error is a Conflict error.
func IsConflict(err error) bool {
	return isCode(err, ErrCodeConflict)
}

// IsValidation checks if an error is a Validation error.
func IsValidation(err error) bool {
	return isCode(err, ErrCodeValidation)
}

// IsInternal checks if an error is an Internal error.
func IsInternal(err error) bool {
	return isCode(err, ErrCodeInternal)
}

// IsTimeout checks if an error is a Timeout error.
func IsTimeout(err error) bool {
	return isCode(err, ErrCodeTimeout)
}

// IsCanceled checks if an error is a Canceled error.
func IsCanceled(err error) bool {
	return isCode(err, ErrCodeCanceled)
}

// IsAcquisitionFailed checks if an error is an AcquisitionFailed error.
func IsAcquisitionFailed(err error) bool {
	return isCode(err, ErrCodeAcquisitionFailed)
}

// IsPhaseFailurePolicyViolated checks if an error is a PhaseFailurePolicyViolated error.
func IsPhaseFailurePolicyViolated(err error) bool {
	return isCode(err, ErrCodePhaseFailurePolicyViolated)
}

// IsReportRenderFailed checks if an error is a ReportRenderFailed error.
func IsReportRenderFailed(err error) bool {
	return isCode(err, ErrCodeReportRenderFailed)
}

// GetCode returns the ErrorCode from an error, or empty string if not an AppError.
func GetCode(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// GetField returns the Field from an error, or empty string if not an AppError or no field set.
func GetField(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Field
	}
	return ""
}
