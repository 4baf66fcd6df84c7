package httpx

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/target/memscope/internal/core"
)

// RouterServices holds all the services needed by the HTTP router.
type RouterServices struct {
	Jobs JobService
	// Optional: archive of evicted jobs. Enables /api/archive and lookups of evicted jobs.
	Archive core.JobArchiveRepository
	// Optional: last published snapshots, consulted after the archive.
	Snapshots SnapshotSource
	// Capabilities serves /api/capabilities; nil disables the route.
	Capabilities *CapabilitiesHandler
	// Metrics serves /metrics; nil disables the route.
	Metrics http.Handler
	// ReadyChecks back /readyz, keyed by dependency name.
	ReadyChecks  map[string]HealthCheck
	WatchTimeout time.Duration
	Logger       *slog.Logger
}

// NewRouter creates the API mux. Logging, recovery and compression are layered on by the caller.
func NewRouter(services RouterServices) http.Handler {
	mux := http.NewServeMux()

	registerJobRoutes(mux, &JobHandlers{
		Svc:          services.Jobs,
		Archive:      services.Archive,
		Snapshots:    services.Snapshots,
		WatchTimeout: services.WatchTimeout,
		Logger:       services.Logger,
	})
	if services.Archive != nil {
		registerArchiveRoutes(mux, &ArchiveHandlers{Repo: services.Archive})
	}
	if services.Capabilities != nil {
		mux.Handle("GET /api/capabilities", services.Capabilities)
	}
	if services.Metrics != nil {
		mux.Handle("GET /metrics", services.Metrics)
	}
	mux.Handle("GET /healthz", http.HandlerFunc(healthHandler))
	mux.Handle("HEAD /healthz", http.HandlerFunc(healthHandler))
	mux.Handle("GET /readyz", readyHandler(services.ReadyChecks))

	return mux
}

func registerJobRoutes(mux *http.ServeMux, h *JobHandlers) {
	mux.HandleFunc("POST /api/jobs", h.CreateJob)
	mux.HandleFunc("GET /api/jobs", h.ListJobs)
	mux.HandleFunc("GET /api/jobs/{id}", h.GetJob)
	mux.HandleFunc("DELETE /api/jobs/{id}", h.DeleteJob)
	mux.HandleFunc("POST /api/jobs/{id}/cancel", h.CancelJob)
	mux.HandleFunc("GET /api/jobs/{id}/watch", h.WatchJob)
	mux.HandleFunc("GET /api/jobs/{id}/result", h.GetResult)
	mux.HandleFunc("GET /api/jobs/{id}/report", h.GetReport)
}

func registerArchiveRoutes(mux *http.ServeMux, h *ArchiveHandlers) {
	mux.HandleFunc("GET /api/archive/jobs", h.List)
	mux.HandleFunc("GET /api/archive/jobs/{id}", h.Get)
}
