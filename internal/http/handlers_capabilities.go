package httpx

import (
	"context"
	"net/http"
	"time"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/target/memscope/internal/tools"
)

// DiskPath names a directory whose free space is reported by the capabilities endpoint.
type DiskPath struct {
	Name string
	Path string
}

// CapabilitiesHandler reports which forensic tools were found at startup and how much room the
// host has for new memory images.
type CapabilitiesHandler struct {
	Caps  tools.Capabilities
	Disks []DiskPath
	// DiskFree reports free bytes for a path; nil skips the disk section.
	DiskFree func(ctx context.Context, path string) (uint64, error)
	// Memory reports host memory; nil skips the section.
	Memory func(ctx context.Context) (*mem.VirtualMemoryStat, error)
}

type diskReport struct {
	Name      string `json:"name"`
	Path      string `json:"path"`
	FreeBytes uint64 `json:"free_bytes"`
	Error     string `json:"error,omitempty"`
}

type memoryReport struct {
	TotalBytes     uint64 `json:"total_bytes"`
	AvailableBytes uint64 `json:"available_bytes"`
}

type capabilitiesResponse struct {
	Tools    map[string]tools.Capability `json:"tools"`
	Missing  []string                    `json:"missing"`
	ProbedAt time.Time                   `json:"probed_at"`
	Disks    []diskReport                `json:"disks,omitempty"`
	Memory   *memoryReport               `json:"memory,omitempty"`
}

// ServeHTTP handles GET /api/capabilities.
func (h *CapabilitiesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	out := capabilitiesResponse{
		Tools:    h.Caps.Tools,
		Missing:  h.Caps.Missing(),
		ProbedAt: h.Caps.ProbedAt,
	}
	if out.Tools == nil {
		out.Tools = map[string]tools.Capability{}
	}
	if out.Missing == nil {
		out.Missing = []string{}
	}

	if h.DiskFree != nil {
		for _, d := range h.Disks {
			rep := diskReport{Name: d.Name, Path: d.Path}
			free, err := h.DiskFree(ctx, d.Path)
			if err != nil {
				rep.Error = err.Error()
			}
			rep.FreeBytes = free
			out.Disks = append(out.Disks, rep)
		}
	}

	if h.Memory != nil {
		if vm, err := h.Memory(ctx); err == nil && vm != nil {
			out.Memory = &memoryReport{TotalBytes: vm.Total, AvailableBytes: vm.Available}
		}
	}

	WriteJSON(w, http.StatusOK, out)
}
