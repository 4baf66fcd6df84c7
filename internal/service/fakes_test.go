package service

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/target/memscope/internal/acquisition"
	"github.com/target/memscope/internal/domain/model"
	"github.com/target/memscope/internal/observability/notify"
	"github.com/target/memscope/internal/pipeline"
	"github.com/target/memscope/internal/tools"
)

type phaseFunc func(ctx context.Context, spec model.PhaseSpec, art tools.Artifact) model.PhaseResult

type stubOutput []model.RawFinding

func (o stubOutput) Findings() []model.RawFinding { return o }

// scriptedRunner runs phases from per-phase functions. Phases without a function succeed; the
// acquisition phase produces image.
type scriptedRunner struct {
	image string

	mu     sync.Mutex
	phases map[string]phaseFunc
	calls  []string
}

func newScriptedRunner(image string) *scriptedRunner {
	return &scriptedRunner{image: image, phases: make(map[string]phaseFunc)}
}

func (r *scriptedRunner) on(phase string, fn phaseFunc) *scriptedRunner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.phases[phase] = fn
	return r
}

func (r *scriptedRunner) called() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *scriptedRunner) RunPhase(ctx context.Context, spec model.PhaseSpec, art tools.Artifact) model.PhaseResult {
	r.mu.Lock()
	fn := r.phases[spec.Name]
	r.calls = append(r.calls, spec.Name)
	r.mu.Unlock()

	if fn != nil {
		return fn(ctx, spec, art)
	}
	if spec.Name == pipeline.PhaseAcquisition {
		path := art.Path
		if path == "" {
			path = r.image
		}
		return acquired(spec, path)
	}
	return allSucceeded(spec)
}

func acquired(spec model.PhaseSpec, path string) model.PhaseResult {
	return model.PhaseResult{
		PhaseTag: spec.Name,
		Policy:   spec.Policy,
		Outcome:  model.OutcomeSuccess,
		ToolOutcomes: []model.ToolOutcome{{
			ToolName: acquisition.ToolName,
			Outcome:  model.OutcomeSuccess,
			Output: &acquisition.Output{Info: model.AcquisitionInfo{
				ImagePath: path,
				SizeBytes: 4,
				SHA256:    "abc",
				Backend:   "fake",
			}},
		}},
	}
}

func allSucceeded(spec model.PhaseSpec) model.PhaseResult {
	res := model.PhaseResult{PhaseTag: spec.Name, Policy: spec.Policy, Outcome: model.OutcomeSuccess}
	for _, t := range spec.Tools {
		res.ToolOutcomes = append(res.ToolOutcomes, model.ToolOutcome{
			ToolName: t.Tool,
			Outcome:  model.OutcomeSuccess,
			Output:   stubOutput{{Rule: "url", Value: "http://" + t.Tool + ".example"}},
		})
	}
	return res
}

// blockUntilCancelled signals started and holds the phase until ctx ends.
func blockUntilCancelled(started chan<- struct{}) phaseFunc {
	var once sync.Once
	return func(ctx context.Context, spec model.PhaseSpec, _ tools.Artifact) model.PhaseResult {
		once.Do(func() { close(started) })
		<-ctx.Done()
		res := model.PhaseResult{PhaseTag: spec.Name, Policy: spec.Policy, Outcome: model.OutcomeFailure}
		for _, t := range spec.Tools {
			res.ToolOutcomes = append(res.ToolOutcomes, model.ToolOutcome{
				ToolName:  t.Tool,
				Outcome:   model.OutcomeFailure,
				ErrorKind: model.ErrorKindCancelled,
				Error:     ctx.Err().Error(),
			})
		}
		return res
	}
}

type stubRenderer struct {
	// hook runs before rendering.
	hook func(doc *model.ResultDocument)
}

func (r stubRenderer) Render(doc *model.ResultDocument) ([]byte, error) {
	if r.hook != nil {
		r.hook(doc)
	}
	return []byte("# report for " + doc.Subject.InstanceID), nil
}

func (stubRenderer) Format() string      { return "markdown" }
func (stubRenderer) ContentType() string { return "text/markdown; charset=utf-8" }

type captureFailures struct {
	mu       sync.Mutex
	payloads []notify.JobFailurePayload
}

func (c *captureFailures) NotifyJobFailure(_ context.Context, p notify.JobFailurePayload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.payloads = append(c.payloads, p)
}

func (c *captureFailures) all() []notify.JobFailurePayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]notify.JobFailurePayload(nil), c.payloads...)
}

func testPlan() pipeline.Plan {
	return pipeline.Plan{
		AcquisitionTimeout: time.Minute,
		Phases: []model.PhaseSpec{
			{
				Name:       "scan",
				Tools:      []model.ToolInvocation{{Tool: "strings"}, {Tool: "yara"}},
				Concurrent: true,
				Policy:     model.PolicyAllMustSucceed,
				Timeout:    time.Minute,
			},
			{
				Name:    "creds",
				Tools:   []model.ToolInvocation{{Tool: "yara_credentials"}},
				Policy:  model.PolicyBestEffort,
				Timeout: time.Minute,
			},
		},
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type orchestratorFixture struct {
	orch     *Orchestrator
	runner   *scriptedRunner
	failures *captureFailures
	image    string
}

type fixtureOption func(*OrchestratorOptions)

func withConfig(cfg OrchestratorConfig) fixtureOption {
	return func(o *OrchestratorOptions) { o.Config = cfg }
}

func withRenderer(r stubRenderer) fixtureOption {
	return func(o *OrchestratorOptions) { o.Pipeline.Renderer = r }
}

func withPlan(plan pipeline.Plan) fixtureOption {
	return func(o *OrchestratorOptions) { o.Pipeline.Plan = plan }
}

func newFixture(t *testing.T, opts ...fixtureOption) *orchestratorFixture {
	t.Helper()
	dir := t.TempDir()
	image := filepath.Join(dir, "image.raw")
	require.NoError(t, os.WriteFile(image, []byte("core"), 0o600))

	runner := newScriptedRunner(image)
	failures := &captureFailures{}
	o := OrchestratorOptions{
		Pipeline: PipelineDeps{
			Runner:     runner,
			Aggregator: pipeline.NewAggregator(pipeline.DefaultCategoryRules()),
			Workspace:  pipeline.NewWorkspace(filepath.Join(dir, "work")),
			Plan:       testPlan(),
		},
		Config: OrchestratorConfig{Concurrency: 2, MaxJobs: 10, KeepPartialOnFailure: true},
		Observers: ObserverDeps{
			Logger:   discardLogger(),
			Failures: failures,
		},
	}
	for _, opt := range opts {
		opt(&o)
	}
	orch, err := NewOrchestrator(o)
	require.NoError(t, err)
	t.Cleanup(orch.Close)
	return &orchestratorFixture{orch: orch, runner: runner, failures: failures, image: image}
}

func (f *orchestratorFixture) submit(t *testing.T, instance string) *model.Job {
	t.Helper()
	job, err := f.orch.Submit(context.Background(), model.SubjectRef{InstanceID: instance})
	require.NoError(t, err)
	return job
}

// runNext reserves the next job and executes it to completion.
func (f *orchestratorFixture) runNext(t *testing.T) *model.Job {
	t.Helper()
	ctx := context.Background()
	id, err := f.orch.ReserveNext(ctx)
	require.NoError(t, err)
	f.orch.Execute(ctx, id)
	job, err := f.orch.GetStatus(ctx, id)
	require.NoError(t, err)
	return job
}

// waitForState polls until the job reaches state.
func waitForState(t *testing.T, o *Orchestrator, id string, state model.JobState) *model.Job {
	t.Helper()
	var job *model.Job
	require.Eventually(t, func() bool {
		j, err := o.GetStatus(context.Background(), id)
		if err != nil {
			return false
		}
		job = j
		return j.State == state
	}, 5*time.Second, 5*time.Millisecond)
	return job
}
