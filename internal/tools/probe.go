package tools

import (
	"context"
	"log/slog"
	"os/exec"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
)

const probeConcurrency = 4

// Capability reports whether one adapter's binary could be resolved.
type Capability struct {
	Tool      string `json:"tool"`
	Binary    string `json:"binary"`
	Path      string `json:"path,omitempty"`
	Available bool   `json:"available"`
	Error     string `json:"error,omitempty"`
}

// Capabilities is the result of the startup probe.
type Capabilities struct {
	Tools    map[string]Capability `json:"tools"`
	ProbedAt time.Time             `json:"probed_at"`
}

// Available reports whether tool can run. Unknown tools are reported unavailable.
func (c Capabilities) Available(tool string) bool {
	return c.Tools[tool].Available
}

// Missing lists unavailable tools in name order.
func (c Capabilities) Missing() []string {
	var out []string
	for name, tc := range c.Tools {
		if !tc.Available {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Prober resolves adapter binaries once at startup.
type Prober struct {
	LookPath func(file string) (string, error)
	Logger   *slog.Logger
}

// Probe checks every adapter concurrently.
func (p *Prober) Probe(ctx context.Context, adapters []Adapter) (Capabilities, error) {
	lookPath := exec.LookPath
	if p != nil && p.LookPath != nil {
		lookPath = p.LookPath
	}
	logger := slog.Default()
	if p != nil && p.Logger != nil {
		logger = p.Logger
	}

	results := make([]Capability, len(adapters))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(probeConcurrency)
	for i, a := range adapters {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			c := Capability{Tool: a.Name(), Binary: a.Binary()}
			if c.Binary == "" {
				c.Available = true
				results[i] = c
				return nil
			}
			path, err := lookPath(c.Binary)
			if err != nil {
				c.Error = err.Error()
			} else {
				c.Path = path
				c.Available = true
			}
			results[i] = c
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Capabilities{}, err
	}

	caps := Capabilities{Tools: make(map[string]Capability, len(results)), ProbedAt: time.Now().UTC()}
	for _, c := range results {
		caps.Tools[c.Tool] = c
		if !c.Available {
			logger.WarnContext(ctx, "tool unavailable", "tool", c.Tool, "binary", c.Binary, "error", c.Error)
		}
	}
	return caps, nil
}
