package bootstrap

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/memscope/config"
	"github.com/target/memscope/internal/acquisition"
)

func TestErrorChannelCapacity(t *testing.T) {
	tests := []struct {
		name  string
		modes []config.ServiceMode
		want  int
	}{
		{
			name: "no services enabled",
			want: 0,
		},
		{
			name:  "http only",
			modes: []config.ServiceMode{config.ServiceModeHTTP},
			want:  1,
		},
		{
			name:  "http and worker",
			modes: []config.ServiceMode{config.ServiceModeHTTP, config.ServiceModeWorker},
			want:  2,
		},
		{
			name:  "all services enabled",
			modes: config.ValidServiceModes(),
			want:  3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enabled := make(map[config.ServiceMode]bool, len(tt.modes))
			for _, mode := range tt.modes {
				enabled[mode] = true
			}

			if got := errorChannelCapacity(enabled); got != tt.want {
				t.Fatalf("errorChannelCapacity(%v) = %d, want %d", tt.modes, got, tt.want)
			}
			assert.Equal(t, tt.want+1, errorChannelBufferSize(enabled))
		})
	}
}

func TestGetEnabledServices(t *testing.T) {
	cfg := &config.AppConfig{Services: "worker, http"}
	assert.Equal(t, []string{"http", "worker"}, GetEnabledServices(cfg))
	require.NoError(t, ValidateServiceConfig(cfg))

	cfg.Services = "http,scheduler"
	assert.Empty(t, GetEnabledServices(cfg))
	require.Error(t, ValidateServiceConfig(cfg))
	require.Error(t, ValidateServiceConfig(nil))
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLogLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLogLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLogLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLogLevel("verbose"))
}

func testAppConfig(t *testing.T) *config.AppConfig {
	t.Helper()
	root := t.TempDir()
	cfg := &config.AppConfig{
		Services: "http,worker,evictor",
		Pipeline: config.PipelineConfig{
			Concurrency:          2,
			MaxJobs:              5,
			WorkDir:              filepath.Join(root, "work"),
			DumpDir:              filepath.Join(root, "dumps"),
			ToolTimeout:          time.Minute,
			PhaseTimeout:         2 * time.Minute,
			AcquisitionTimeout:   5 * time.Minute,
			KeepPartialOnFailure: true,
			ReportFormat:         config.ReportFormatMarkdown,
		},
		Tools: config.ToolsConfig{
			Binwalk:       "binwalk",
			Foremost:      "foremost",
			BulkExtractor: "bulk_extractor",
			Yara:          "yara",
			Strings:       "strings",
			Hexdump:       "hexdump",
			Virsh:         "virsh",
		},
		Eviction: config.EvictionConfig{Interval: time.Minute, Retention: time.Hour},
	}
	cfg.Observability.Metrics.PrometheusEnabled = true
	cfg.Sanitize()
	return cfg
}

// lookPathWithout resolves every binary except the given ones.
func lookPathWithout(missing ...string) func(string) (string, error) {
	return func(file string) (string, error) {
		for _, m := range missing {
			if m == file {
				return "", errors.New("executable file not found in $PATH")
			}
		}
		return "/usr/bin/" + file, nil
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewServices(t *testing.T) {
	cfg := testAppConfig(t)

	svc, err := NewServices(context.Background(), &ServiceDeps{
		Config:   cfg,
		Logger:   quietLogger(),
		LookPath: lookPathWithout("foremost", "virsh"),
	})
	require.NoError(t, err)
	t.Cleanup(svc.Orchestrator.Close)

	assert.NotNil(t, svc.Orchestrator)
	assert.Nil(t, svc.Archive)
	assert.Nil(t, svc.Publisher)
	assert.NotNil(t, svc.Observability.Prom)
	assert.NotNil(t, svc.Observability.Metrics)
	assert.Nil(t, svc.Observability.Statsd)
	assert.Equal(t, []string{acquisition.ToolName, "foremost"}, svc.Capabilities.Missing())
	assert.Contains(t, svc.Tools.Names(), "yara_credentials")

	for _, dir := range []string{cfg.Pipeline.WorkDir, cfg.Pipeline.DumpDir} {
		info, statErr := os.Stat(dir)
		require.NoError(t, statErr)
		assert.True(t, info.IsDir())
	}

	archive, pruner := svc.archiveDeps()
	assert.Nil(t, archive)
	assert.Nil(t, pruner)
}

func TestNewServices_CredentialScript(t *testing.T) {
	cfg := testAppConfig(t)
	cfg.Tools.CredentialScript = "/opt/scan.sh"
	cfg.Tools.CredentialScriptMatches = "results[*]"

	svc, err := NewServices(context.Background(), &ServiceDeps{Config: cfg, Logger: quietLogger(), LookPath: lookPathWithout()})
	require.NoError(t, err)
	t.Cleanup(svc.Orchestrator.Close)
	assert.Contains(t, svc.Tools.Names(), credentialScriptTool)
}

func TestNewServices_Errors(t *testing.T) {
	tests := map[string]func(cfg *config.AppConfig){
		"bad report format": func(cfg *config.AppConfig) { cfg.Pipeline.ReportFormat = "pdf" },
		"missing plan file": func(cfg *config.AppConfig) {
			cfg.Pipeline.PhasesFile = filepath.Join(t.TempDir(), "missing.yaml")
		},
		"plan names unknown tool": func(cfg *config.AppConfig) {
			path := filepath.Join(t.TempDir(), "phases.yaml")
			require.NoError(t, os.WriteFile(path,
				[]byte("phases:\n  - {name: scan, policy: best_effort, tools: [{tool: volatility}]}\n"), 0o600))
			cfg.Pipeline.PhasesFile = path
		},
		"invalid credential expression": func(cfg *config.AppConfig) {
			cfg.Tools.CredentialScript = "/opt/scan.sh"
			cfg.Tools.CredentialScriptMatches = "results[["
		},
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := testAppConfig(t)
			mutate(cfg)
			_, err := NewServices(context.Background(), &ServiceDeps{Config: cfg, Logger: quietLogger(), LookPath: lookPathWithout()})
			require.Error(t, err)
		})
	}

	_, err := NewServices(context.Background(), nil)
	require.Error(t, err)
}

func TestLoadPlan_FileInheritsAcquisitionTimeout(t *testing.T) {
	cfg := testAppConfig(t)
	path := filepath.Join(t.TempDir(), "phases.yaml")
	require.NoError(t, os.WriteFile(path,
		[]byte("phases:\n  - {name: scan, policy: best_effort, tools: [{tool: strings}, {tool: yara}]}\n"), 0o600))
	cfg.Pipeline.PhasesFile = path

	ts, err := buildToolset(context.Background(), toolsetOptions{
		Tools:    cfg.Tools,
		Pipeline: cfg.Pipeline,
		Logger:   quietLogger(),
		LookPath: lookPathWithout(),
	})
	require.NoError(t, err)

	plan, err := loadPlan(cfg.Pipeline, ts)
	require.NoError(t, err)
	assert.Equal(t, cfg.Pipeline.AcquisitionTimeout, plan.AcquisitionTimeout)
	assert.Equal(t, []string{"strings", "yara"}, plan.ToolNames())
	assert.Equal(t, cfg.Pipeline.PhaseTimeout, plan.Phases[0].Timeout)
}

func TestToolsetAvailable(t *testing.T) {
	cfg := testAppConfig(t)
	ts, err := buildToolset(context.Background(), toolsetOptions{
		Tools:    cfg.Tools,
		Pipeline: cfg.Pipeline,
		Logger:   quietLogger(),
		LookPath: lookPathWithout("virsh", "binwalk"),
	})
	require.NoError(t, err)

	assert.True(t, ts.Available(acquisition.ToolName))
	assert.False(t, ts.Available("binwalk"))
	assert.True(t, ts.Available("strings"))
	assert.False(t, ts.Available("volatility"))
}

func TestBuildReadyChecks(t *testing.T) {
	assert.Empty(t, buildReadyChecks(&HTTPServerConfig{}))
}

func TestWaitForShutdown(t *testing.T) {
	t.Run("signal stops background services", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			<-ctx.Done()
			close(done)
		}()
		sig := make(chan os.Signal, 1)
		sig <- os.Interrupt

		err := waitForShutdown(shutdownConfig{
			ctx:         ctx,
			cancel:      cancel,
			errCh:       make(chan error),
			logger:      quietLogger(),
			backgrounds: []backgroundServiceHandle{{mode: config.ServiceModeWorker, name: "job worker", done: done}},
			signals:     sig,
		})
		require.NoError(t, err)
		assert.ErrorIs(t, ctx.Err(), context.Canceled)
	})

	t.Run("service error is returned", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		errCh := make(chan error, 1)
		errCh <- errors.New("evictor failed: boom")

		err := waitForShutdown(shutdownConfig{
			ctx:     ctx,
			cancel:  cancel,
			errCh:   errCh,
			logger:  quietLogger(),
			signals: make(chan os.Signal),
		})
		require.EqualError(t, err, "evictor failed: boom")
		assert.ErrorIs(t, ctx.Err(), context.Canceled)
	})
}
