package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Workspace hands out job scoped scratch directories under a common root.
type Workspace struct {
	root string
}

// NewWorkspace returns a workspace rooted at root.
func NewWorkspace(root string) *Workspace {
	return &Workspace{root: root}
}

// Root returns the workspace root.
func (w *Workspace) Root() string { return w.root }

// JobDir returns the scratch directory of a job without creating it.
func (w *Workspace) JobDir(jobID string) (string, error) {
	if jobID == "" || jobID == "." || jobID == ".." || strings.ContainsAny(jobID, `/\`) {
		return "", fmt.Errorf("invalid job id %q", jobID)
	}
	return filepath.Join(w.root, jobID), nil
}

// Create makes the job's scratch directory.
func (w *Workspace) Create(jobID string) (string, error) {
	dir, err := w.JobDir(jobID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create job workspace: %w", err)
	}
	return dir, nil
}

// Remove deletes the job's scratch directory and everything in it.
func (w *Workspace) Remove(jobID string) error {
	dir, err := w.JobDir(jobID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove job workspace: %w", err)
	}
	return nil
}
