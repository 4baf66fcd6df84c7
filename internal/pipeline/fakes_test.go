package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/target/memscope/internal/domain/model"
	"github.com/target/memscope/internal/tools"
)

type fakeOutput struct {
	findings []model.RawFinding
}

func (o *fakeOutput) Findings() []model.RawFinding { return o.findings }

type fakeAdapter struct {
	name     string
	delay    time.Duration
	result   tools.Result
	err      error
	panicMsg string
	touch    bool
	calls    atomic.Int32
	gotCfg   atomic.Value
	gotDir   atomic.Value
}

func (f *fakeAdapter) Name() string   { return f.name }
func (f *fakeAdapter) Binary() string { return "" }

func (f *fakeAdapter) Run(ctx context.Context, art tools.Artifact, cfg tools.Config) (tools.Result, error) {
	f.calls.Add(1)
	f.gotCfg.Store(cfg)
	f.gotDir.Store(art.WorkDir)
	if f.touch {
		_ = os.WriteFile(filepath.Join(art.WorkDir, "carved.bin"), []byte("x"), 0o600)
	}
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return tools.Result{Outcome: model.OutcomeFailure, ErrorKind: model.ErrorKindCancelled}, ctx.Err()
		}
	}
	return f.result, f.err
}

func ok(findings ...model.RawFinding) tools.Result {
	return tools.Result{Outcome: model.OutcomeSuccess, Output: &fakeOutput{findings: findings}, RawLog: "ran"}
}

func resolverOf(adapters ...tools.Adapter) AdapterResolver {
	r, err := tools.NewRegistry(adapters...)
	if err != nil {
		panic(err)
	}
	return r
}
