package httpx

import (
	"net/http"
	"strings"

	"github.com/target/memscope/internal/core"
	"github.com/target/memscope/internal/domain/model"
	apperrors "github.com/target/memscope/internal/errors"
)

const (
	defaultArchiveLimit = 50
	maxArchiveLimit     = 500
)

// ArchiveHandlers serves jobs that the evictor moved to the archive.
type ArchiveHandlers struct {
	Repo core.JobArchiveRepository
}

type archiveListResponse struct {
	Jobs   []jobStatus `json:"jobs"`
	Limit  int         `json:"limit"`
	Offset int         `json:"offset"`
}

// List handles GET /api/archive/jobs.
func (h *ArchiveHandlers) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := model.ArchiveListOptions{InstanceID: strings.TrimSpace(q.Get("instance_id"))}
	if raw := q.Get("state"); raw != "" {
		if err := opts.State.UnmarshalText([]byte(raw)); err != nil || !opts.State.Terminal() {
			WriteAppError(w, apperrors.ValidationField("state", "state must be completed, failed or cancelled"))
			return
		}
	}
	opts.Limit, opts.Offset = ParseLimitOffset(r, defaultArchiveLimit, maxArchiveLimit)

	jobs, err := h.Repo.List(r.Context(), opts)
	if err != nil {
		WriteAppError(w, err)
		return
	}
	out := archiveListResponse{Jobs: make([]jobStatus, 0, len(jobs)), Limit: opts.Limit, Offset: opts.Offset}
	for _, j := range jobs {
		out.Jobs = append(out.Jobs, statusOf(j, true))
	}
	WriteJSON(w, http.StatusOK, out)
}

// Get handles GET /api/archive/jobs/{id}. The full archived snapshot is returned, results included.
func (h *ArchiveHandlers) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	job, err := h.Repo.GetByID(r.Context(), id)
	if err != nil {
		WriteAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, job)
}
