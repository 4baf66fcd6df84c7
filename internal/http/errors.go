package httpx

import (
	"context"
	"errors"
	"net/http"

	apperrors "github.com/target/memscope/internal/errors"
)

// statusForCode maps application error codes onto HTTP statuses. Unlisted codes are 500.
//
//nolint:gochecknoglobals // static read-only lookup
var statusForCode = map[apperrors.ErrorCode]int{
	apperrors.ErrCodeNotFound:           http.StatusNotFound,
	apperrors.ErrCodeNotReady:           http.StatusConflict,
	apperrors.ErrCodeConflict:           http.StatusConflict,
	apperrors.ErrCodeCapacityExceeded:   http.StatusTooManyRequests,
	apperrors.ErrCodeValidation:         http.StatusBadRequest,
	apperrors.ErrCodeTimeout:            http.StatusGatewayTimeout,
	apperrors.ErrCodeReportRenderFailed: http.StatusUnprocessableEntity,
}

// WriteAppError writes err as a JSON error whose "error" field is the application error code.
func WriteAppError(w http.ResponseWriter, err error) {
	code := apperrors.GetCode(err)
	status, ok := statusForCode[code]
	switch {
	case ok:
	case errors.Is(err, context.DeadlineExceeded):
		code, status = apperrors.ErrCodeTimeout, http.StatusGatewayTimeout
	default:
		if code == "" {
			code = apperrors.ErrCodeInternal
		}
		status = http.StatusInternalServerError
	}
	WriteError(w, ErrorParams{Code: status, ErrCode: string(code), Err: err})
}
