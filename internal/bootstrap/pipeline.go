package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"

	"github.com/target/memscope/config"
	"github.com/target/memscope/internal/acquisition"
	"github.com/target/memscope/internal/pipeline"
	"github.com/target/memscope/internal/tools"
)

// credentialScriptTool is the registry name of the optional TOOLS_CREDENTIAL_SCRIPT adapter.
const credentialScriptTool = "credential_script"

// toolset is the adapter registry together with what the startup probe found.
type toolset struct {
	Registry     *tools.Registry
	Capabilities tools.Capabilities
	// ExtraCredentialTools are appended to the built-in credential extraction phase.
	ExtraCredentialTools []string
}

// Available reports whether the phase runner may dispatch tool. Acquisition stays available even
// without its backend binary because jobs submitted from an existing dump never call it.
func (t toolset) Available(tool string) bool {
	return tool == acquisition.ToolName || t.Capabilities.Available(tool)
}

type toolsetOptions struct {
	Tools    config.ToolsConfig
	Pipeline config.PipelineConfig
	Logger   *slog.Logger
	// LookPath overrides binary resolution in the capability probe.
	LookPath func(file string) (string, error)
}

// buildToolset registers every adapter and probes their binaries once.
func buildToolset(ctx context.Context, opts toolsetOptions) (toolset, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tc := opts.Tools
	exec := &tools.ProcessExecutor{
		Logger:         logger.With("component", "tool_exec"),
		MaxOutputBytes: tc.MaxOutputBytes,
	}

	acquirer := acquisition.New(acquisition.Options{
		Backend:      acquisition.NewVirsh(exec, tc.Virsh, tc.VirshUseSudo, logger),
		DumpDir:      opts.Pipeline.DumpDir,
		MinFreeBytes: opts.Pipeline.MinFreeBytes,
		Timeout:      opts.Pipeline.AcquisitionTimeout,
		Logger:       logger.With("component", "acquisition"),
	})

	adapters := []tools.Adapter{
		acquirer,
		tools.NewBinwalk(exec, tc.Binwalk),
		tools.NewForemost(exec, tc.Foremost),
		tools.NewBulkExtractor(exec, tc.BulkExtractor),
		tools.NewHexdump(exec, tc.Hexdump),
		tools.NewStrings(exec, tc.Strings),
		tools.NewYara(exec, tc.Yara, "yara", tools.RulesetMemory),
		tools.NewYara(exec, tc.Yara, "yara_credentials", tools.RulesetCredentials),
	}

	var extra []string
	if tc.CredentialScript != "" {
		script, err := tools.NewScript(exec, tools.ScriptOptions{
			Name:        credentialScriptTool,
			Script:      tc.CredentialScript,
			MatchesExpr: tc.CredentialScriptMatches,
		})
		if err != nil {
			return toolset{}, fmt.Errorf("credential script: %w", err)
		}
		adapters = append(adapters, script)
		extra = append(extra, script.Name())
	}

	registry, err := tools.NewRegistry(adapters...)
	if err != nil {
		return toolset{}, fmt.Errorf("register tools: %w", err)
	}

	prober := &tools.Prober{LookPath: opts.LookPath, Logger: logger}
	caps, err := prober.Probe(ctx, registry.All())
	if err != nil {
		return toolset{}, fmt.Errorf("probe tools: %w", err)
	}
	if missing := caps.Missing(); len(missing) > 0 {
		logger.WarnContext(ctx, "some analysis tools are unavailable; their invocations will be recorded as failures",
			"missing", missing)
	}

	return toolset{Registry: registry, Capabilities: caps, ExtraCredentialTools: extra}, nil
}

// loadPlan reads PIPELINE_PHASES_FILE when set and falls back to the built-in plan. Every tool the
// plan names must be registered.
func loadPlan(cfg config.PipelineConfig, ts toolset) (pipeline.Plan, error) {
	var (
		plan pipeline.Plan
		err  error
	)
	if cfg.PhasesFile != "" {
		plan, err = pipeline.LoadPlanFile(cfg.PhasesFile, cfg.PhaseTimeout)
		if err != nil {
			return pipeline.Plan{}, err
		}
		if plan.AcquisitionTimeout <= 0 {
			plan.AcquisitionTimeout = cfg.AcquisitionTimeout
		}
	} else {
		plan = pipeline.DefaultPlan(cfg.AcquisitionTimeout, cfg.PhaseTimeout, ts.ExtraCredentialTools...)
	}

	registered := ts.Registry.Names()
	for _, name := range plan.ToolNames() {
		if !slices.Contains(registered, name) {
			return pipeline.Plan{}, fmt.Errorf("phase plan references unknown tool %q", name)
		}
	}
	return plan, plan.Validate()
}

// ensureDirs creates the scratch and dump directories so the first job does not race on them.
func ensureDirs(cfg config.PipelineConfig) error {
	for _, dir := range []string{cfg.WorkDir, cfg.DumpDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
