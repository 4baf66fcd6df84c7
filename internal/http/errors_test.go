package httpx

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	apperrors "github.com/target/memscope/internal/errors"
)

func TestWriteAppError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"not found", apperrors.NotFound("job x not found"), http.StatusNotFound, "not_found"},
		{"not ready", apperrors.NotReadyf("job x is %s", "analyzing"), http.StatusConflict, "not_ready"},
		{"capacity", apperrors.CapacityExceededf("full"), http.StatusTooManyRequests, "capacity_exceeded"},
		{"validation", apperrors.Validation("instance id is required"), http.StatusBadRequest, "validation"},
		{"render failed", apperrors.New(apperrors.ErrCodeReportRenderFailed, "boom"), http.StatusUnprocessableEntity, "report_render_failed"},
		{"wrapped", fmt.Errorf("lookup: %w", apperrors.NotFound("gone")), http.StatusNotFound, "not_found"},
		{"deadline", fmt.Errorf("archive: %w", context.DeadlineExceeded), http.StatusGatewayTimeout, "timeout"},
		{"internal code", apperrors.Internal("broken"), http.StatusInternalServerError, "internal"},
		{"plain", errors.New("disk on fire"), http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			WriteAppError(rec, tt.err)

			assert.Equal(t, tt.wantStatus, rec.Code)
			body := decodeBody(t, rec)
			assert.Equal(t, tt.wantCode, body["error"])
			assert.Equal(t, tt.err.Error(), body["message"])
		})
	}
}
