package tools

import (
	"context"
	"strings"
	"sync"
)

// fakeExecutor returns canned output and feeds OnLine callbacks like the real executor.
type fakeExecutor struct {
	mu       sync.Mutex
	stdout   string
	stderr   string
	exitCode int
	err      error
	before   func(c Command)
	calls    []Command
}

func (f *fakeExecutor) Exec(_ context.Context, c Command) (ExecResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()
	if f.before != nil {
		f.before(c)
	}
	res := ExecResult{Stdout: []byte(f.stdout), Stderr: []byte(f.stderr), ExitCode: f.exitCode}
	if c.OnLine != nil && f.stdout != "" {
		for _, line := range strings.Split(strings.TrimSuffix(f.stdout, "\n"), "\n") {
			res.Lines++
			if !c.OnLine([]byte(line)) {
				res.Stopped = true
				break
			}
		}
	}
	return res, f.err
}

func (f *fakeExecutor) lastCall() Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return Command{}
	}
	return f.calls[len(f.calls)-1]
}
