package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

var (
	// ErrTimeout is returned when a tool exceeds its wall-clock budget and was killed.
	ErrTimeout = errors.New("tool timed out")
	// ErrNonZeroExit is returned when a tool exits with a non-zero status.
	ErrNonZeroExit = errors.New("tool exited with non-zero status")
	// ErrUnavailable is returned when the tool binary cannot be found.
	ErrUnavailable = errors.New("tool binary not available")
)

const (
	defaultMaxOutputBytes = 4 << 20
	defaultWaitDelay      = 2 * time.Second
	maxLineBytes          = 1 << 20
	rawLogSectionBytes    = 16 << 10
)

// Command describes one external process invocation.
type Command struct {
	Name    string
	Args    []string
	Dir     string
	Timeout time.Duration
	// OnLine, when set, receives stdout line by line. Returning false stops reading and kills the
	// process group; the run is then reported as stopped rather than failed.
	OnLine func(line []byte) bool
}

// String renders the command line for logs.
func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// ExecResult captures the observable effects of a finished process.
type ExecResult struct {
	Stdout    []byte
	Stderr    []byte
	ExitCode  int
	Lines     int
	Truncated bool
	Stopped   bool
	TimedOut  bool
	Duration  time.Duration
}

// Log renders a bounded raw log of the run for operator diagnosis.
func (r ExecResult) Log(c Command) string {
	var b strings.Builder
	fmt.Fprintf(&b, "$ %s\n", c.String())
	fmt.Fprintf(&b, "exit=%d duration=%s", r.ExitCode, r.Duration.Round(time.Millisecond))
	if r.TimedOut {
		b.WriteString(" timed_out=true")
	}
	if r.Stopped {
		b.WriteString(" stopped_early=true")
	}
	b.WriteString("\n")
	if len(r.Stderr) > 0 {
		b.WriteString("--- stderr ---\n")
		b.Write(head(r.Stderr, rawLogSectionBytes))
		b.WriteString("\n")
	}
	if len(r.Stdout) > 0 {
		b.WriteString("--- stdout ---\n")
		b.Write(head(r.Stdout, rawLogSectionBytes))
		if len(r.Stdout) > rawLogSectionBytes || r.Truncated {
			b.WriteString("\n[output truncated]")
		}
		b.WriteString("\n")
	}
	return b.String()
}

func head(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}

// Executor runs external processes. Adapters depend on it so parsers can be tested with canned output.
type Executor interface {
	Exec(ctx context.Context, c Command) (ExecResult, error)
}

// ProcessExecutor runs commands as real child processes in their own process group.
type ProcessExecutor struct {
	Logger *slog.Logger
	// MaxOutputBytes bounds the stdout and stderr kept in memory. Defaults to 4 MiB.
	MaxOutputBytes int
	// WaitDelay bounds how long Wait blocks on pipes held open by orphaned children after a kill.
	WaitDelay time.Duration
}

// Exec runs the command until it exits, the timeout elapses or ctx is cancelled. On timeout or
// cancellation the whole process group is killed.
func (e *ProcessExecutor) Exec(ctx context.Context, c Command) (ExecResult, error) {
	start := time.Now()
	runCtx := ctx
	if c.Timeout > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeout(ctx, c.Timeout)
		defer cancelTimeout()
	}
	runCtx, stop := context.WithCancel(runCtx)
	defer stop()

	cmd := exec.CommandContext(runCtx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	configureCommandProcess(cmd)
	cmd.Cancel = func() error { return terminateCommandProcess(cmd) }
	cmd.WaitDelay = e.waitDelay()

	stdout := &cappedBuffer{limit: e.maxOutput()}
	stderr := &cappedBuffer{limit: e.maxOutput()}
	var lw *lineWriter
	if c.OnLine != nil {
		lw = &lineWriter{onLine: c.OnLine, head: stdout, stop: stop}
		cmd.Stdout = lw
	} else {
		cmd.Stdout = stdout
	}
	cmd.Stderr = stderr

	e.logger().DebugContext(ctx, "starting tool process", "command", c.String(), "timeout", c.Timeout)
	err := cmd.Run()
	if lw != nil {
		lw.flush()
	}

	res := ExecResult{
		Stdout:    stdout.Bytes(),
		Stderr:    stderr.Bytes(),
		ExitCode:  -1,
		Truncated: stdout.truncated,
		Duration:  time.Since(start),
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	if lw != nil {
		res.Lines = lw.lines
		res.Stopped = lw.stopped
	}

	err = e.classify(ctx, runCtx, c, &res, err)
	e.logger().DebugContext(ctx, "tool process finished",
		"command", c.Name,
		"exit_code", res.ExitCode,
		"duration", res.Duration,
		"error", err,
	)
	return res, err
}

func (e *ProcessExecutor) classify(ctx, runCtx context.Context, c Command, res *ExecResult, err error) error {
	switch {
	case res.Stopped, err == nil, errors.Is(err, exec.ErrWaitDelay):
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case c.Timeout > 0 && errors.Is(runCtx.Err(), context.DeadlineExceeded):
		res.TimedOut = true
		return fmt.Errorf("%s: %w after %s", c.Name, ErrTimeout, c.Timeout)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("%s: %w (%d)", c.Name, ErrNonZeroExit, res.ExitCode)
	}
	if errors.Is(err, exec.ErrNotFound) {
		return fmt.Errorf("%s: %w: %w", c.Name, ErrUnavailable, err)
	}
	return fmt.Errorf("run %s: %w", c.Name, err)
}

func (e *ProcessExecutor) logger() *slog.Logger {
	if e != nil && e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e *ProcessExecutor) maxOutput() int {
	if e != nil && e.MaxOutputBytes > 0 {
		return e.MaxOutputBytes
	}
	return defaultMaxOutputBytes
}

func (e *ProcessExecutor) waitDelay() time.Duration {
	if e != nil && e.WaitDelay > 0 {
		return e.WaitDelay
	}
	return defaultWaitDelay
}

// cappedBuffer keeps the first limit bytes written to it and discards the rest.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.limit - b.buf.Len()
	switch {
	case room <= 0:
		b.truncated = true
	case len(p) > room:
		b.buf.Write(p[:room])
		b.truncated = true
	default:
		b.buf.Write(p)
	}
	return len(p), nil
}

func (b *cappedBuffer) Bytes() []byte {
	return b.buf.Bytes()
}

// lineWriter splits stdout into lines for streaming parsers.
type lineWriter struct {
	onLine  func([]byte) bool
	head    *cappedBuffer
	stop    context.CancelFunc
	partial []byte
	lines   int
	stopped bool
}

func (w *lineWriter) Write(p []byte) (int, error) {
	n := len(p)
	if w.stopped {
		return n, nil
	}
	_, _ = w.head.Write(p)

	data := p
	for len(data) > 0 {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			w.partial = append(w.partial, data...)
			if len(w.partial) >= maxLineBytes {
				w.emit(w.partial)
				w.partial = w.partial[:0]
			}
			break
		}
		line := data[:i]
		if len(w.partial) > 0 {
			line = append(w.partial, line...)
		}
		data = data[i+1:]
		cont := w.emit(line)
		w.partial = w.partial[:0]
		if !cont {
			break
		}
	}
	return n, nil
}

func (w *lineWriter) emit(line []byte) bool {
	if w.stopped {
		return false
	}
	w.lines++
	if !w.onLine(bytes.TrimSuffix(line, []byte{'\r'})) {
		w.stopped = true
		w.stop()
		return false
	}
	return true
}

func (w *lineWriter) flush() {
	if len(w.partial) > 0 && !w.stopped {
		w.emit(w.partial)
		w.partial = nil
	}
}

var _ Executor = (*ProcessExecutor)(nil)
