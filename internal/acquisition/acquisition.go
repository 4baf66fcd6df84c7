// Package acquisition obtains the memory image a job analyzes. The Acquirer plugs into the phase
// runner as an ordinary tool adapter whose structured output describes the image.
package acquisition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/target/memscope/internal/domain/model"
	apperrors "github.com/target/memscope/internal/errors"
	"github.com/target/memscope/internal/tools"
)

// ToolName is the adapter name of the acquisition step.
const ToolName = "acquisition"

// DefaultTimeout bounds a single image acquisition when no timeout is configured.
const DefaultTimeout = 20 * time.Minute

// BackendExisting is reported when a job analyzes a pre-existing image.
const BackendExisting = "existing"

// Backend produces a memory image of subject at destPath and returns its size.
type Backend interface {
	Name() string
	AcquireImage(ctx context.Context, subject model.SubjectRef, destPath string, timeout time.Duration) (int64, error)
}

// Output is the structured output of the acquisition step.
type Output struct {
	Info model.AcquisitionInfo `json:"acquisition"`
}

// Findings implements model.ToolOutput. Acquisition produces no findings.
func (o *Output) Findings() []model.RawFinding { return nil }

// Image returns the acquired image description.
func (o *Output) Image() model.AcquisitionInfo { return o.Info }

// Options configures an Acquirer.
type Options struct {
	Backend Backend
	// DumpDir receives acquired images.
	DumpDir string
	// MinFreeBytes is the free space required on DumpDir before acquisition starts. Zero disables the check.
	MinFreeBytes uint64
	Timeout      time.Duration
	// FreeBytes reports available space for a path. Defaults to a gopsutil disk usage lookup.
	FreeBytes func(ctx context.Context, path string) (uint64, error)
	Logger    *slog.Logger
}

// Acquirer implements tools.Adapter for the acquisition phase. When the artifact path names an
// existing image it is verified and checksummed instead of acquired.
type Acquirer struct {
	opts Options
	now  func() time.Time
}

// New constructs an Acquirer.
func New(opts Options) *Acquirer {
	if opts.FreeBytes == nil {
		opts.FreeBytes = DiskFree
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Acquirer{opts: opts, now: time.Now}
}

func (a *Acquirer) Name() string { return ToolName }

// Binary reports the backend's executable so the capability probe can check it.
func (a *Acquirer) Binary() string {
	if b, ok := a.opts.Backend.(interface{ Binary() string }); ok {
		return b.Binary()
	}
	return ""
}

// Run acquires or verifies the image. artifact.Path is the caller-supplied existing image, or empty.
func (a *Acquirer) Run(ctx context.Context, artifact tools.Artifact, cfg tools.Config) (tools.Result, error) {
	start := a.now()
	if artifact.Path != "" {
		return a.useExisting(ctx, artifact.Path, start)
	}
	if a.opts.Backend == nil {
		return failed(model.ErrorKindUnavailable, "no acquisition backend configured",
			apperrors.New(apperrors.ErrCodeAcquisitionFailed, "no acquisition backend configured"))
	}

	if err := os.MkdirAll(a.opts.DumpDir, 0o750); err != nil {
		return failed(model.ErrorKindExecFailed, err.Error(),
			apperrors.Wrap(err, apperrors.ErrCodeAcquisitionFailed, "create dump directory"))
	}
	if err := a.checkFreeSpace(ctx); err != nil {
		return failed(model.ErrorKindExecFailed, err.Error(), err)
	}

	dest := filepath.Join(a.opts.DumpDir, ImageFileName(artifact.Subject, artifact.JobID, start))
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = a.opts.Timeout
	}
	a.opts.Logger.InfoContext(ctx, "acquiring memory image",
		"job_id", artifact.JobID,
		"subject", artifact.Subject.String(),
		"backend", a.opts.Backend.Name(),
		"dest", dest,
	)

	size, err := a.opts.Backend.AcquireImage(ctx, artifact.Subject, dest, timeout)
	if err != nil {
		_ = os.Remove(dest)
		return acquisitionFailure(err)
	}
	sum, err := FileSHA256(ctx, dest)
	if err != nil {
		_ = os.Remove(dest)
		return acquisitionFailure(err)
	}

	info := model.AcquisitionInfo{
		ImagePath:  dest,
		SizeBytes:  size,
		SHA256:     sum,
		Backend:    a.opts.Backend.Name(),
		DurationMs: a.now().Sub(start).Milliseconds(),
	}
	a.opts.Logger.InfoContext(ctx, "memory image acquired",
		"job_id", artifact.JobID,
		"path", dest,
		"size_bytes", size,
		"duration_ms", info.DurationMs,
	)
	return succeeded(info), nil
}

func (a *Acquirer) useExisting(ctx context.Context, path string, start time.Time) (tools.Result, error) {
	fi, err := os.Stat(path)
	switch {
	case err != nil:
		return acquisitionFailure(fmt.Errorf("source dump: %w", err))
	case !fi.Mode().IsRegular():
		return acquisitionFailure(fmt.Errorf("source dump %s is not a regular file", path))
	case fi.Size() == 0:
		return acquisitionFailure(fmt.Errorf("source dump %s is empty", path))
	}
	sum, err := FileSHA256(ctx, path)
	if err != nil {
		return acquisitionFailure(err)
	}
	return succeeded(model.AcquisitionInfo{
		ImagePath:  path,
		SizeBytes:  fi.Size(),
		SHA256:     sum,
		Backend:    BackendExisting,
		DurationMs: a.now().Sub(start).Milliseconds(),
	}), nil
}

func (a *Acquirer) checkFreeSpace(ctx context.Context) error {
	if a.opts.MinFreeBytes == 0 {
		return nil
	}
	free, err := a.opts.FreeBytes(ctx, a.opts.DumpDir)
	if err != nil {
		a.opts.Logger.WarnContext(ctx, "disk usage check failed", "dir", a.opts.DumpDir, "error", err)
		return nil
	}
	if free < a.opts.MinFreeBytes {
		return apperrors.Newf(apperrors.ErrCodeAcquisitionFailed,
			"insufficient free space in %s: %d bytes available, %d required", a.opts.DumpDir, free, a.opts.MinFreeBytes)
	}
	return nil
}

// ImageFileName builds a unique, filesystem-safe image name for a job.
func ImageFileName(subject model.SubjectRef, jobID string, at time.Time) string {
	id := strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == ' ' {
			return '_'
		}
		return r
	}, subject.InstanceID)
	short := jobID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("%s_%s_%s.raw", id, at.UTC().Format("20060102_150405"), short)
}

func succeeded(info model.AcquisitionInfo) tools.Result {
	return tools.Result{
		Output:  &Output{Info: info},
		Outcome: model.OutcomeSuccess,
		RawLog:  fmt.Sprintf("image=%s size=%d sha256=%s backend=%s", info.ImagePath, info.SizeBytes, info.SHA256, info.Backend),
	}
}

func failed(kind model.ErrorKind, log string, err error) (tools.Result, error) {
	return tools.Result{Outcome: model.OutcomeFailure, ErrorKind: kind, RawLog: log}, err
}

func acquisitionFailure(err error) (tools.Result, error) {
	switch {
	case errors.Is(err, context.Canceled):
		return failed(model.ErrorKindCancelled, err.Error(), apperrors.Wrap(err, apperrors.ErrCodeCanceled, "acquisition cancelled"))
	case errors.Is(err, tools.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return failed(model.ErrorKindTimeout, err.Error(), apperrors.Wrap(err, apperrors.ErrCodeAcquisitionFailed, "acquisition timed out"))
	case errors.Is(err, tools.ErrUnavailable):
		return failed(model.ErrorKindUnavailable, err.Error(), apperrors.Wrap(err, apperrors.ErrCodeAcquisitionFailed, "acquisition backend unavailable"))
	case apperrors.IsAcquisitionFailed(err):
		return failed(model.ErrorKindExecFailed, err.Error(), err)
	default:
		return failed(model.ErrorKindExecFailed, err.Error(), apperrors.Wrap(err, apperrors.ErrCodeAcquisitionFailed, "acquisition failed"))
	}
}

var _ tools.Adapter = (*Acquirer)(nil)
