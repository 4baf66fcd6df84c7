// Package model defines the core data types shared by the memscope pipeline, its transport and its storage.
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// JobState is the lifecycle state of a forensic analysis job.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type JobState string

const (
	// JobStatePending indicates a job is waiting for a concurrency slot.
	JobStatePending JobState = "pending"
	// JobStateAcquiring indicates the memory image is being obtained.
	JobStateAcquiring JobState = "acquiring"
	// JobStateAnalyzing indicates analysis phases are running against the image.
	JobStateAnalyzing JobState = "analyzing"
	// JobStateReporting indicates results are being aggregated and rendered.
	JobStateReporting JobState = "reporting"
	// JobStateCompleted indicates the job finished and its result is available.
	JobStateCompleted JobState = "completed"
	// JobStateFailed indicates the job stopped on a fatal error.
	JobStateFailed JobState = "failed"
	// JobStateCancelled indicates the job was cancelled by a caller.
	JobStateCancelled JobState = "cancelled"
)

// ErrNoJobsAvailable is returned when no pending job can be reserved.
var ErrNoJobsAvailable = errors.New("no jobs available")

// UnmarshalText implements encoding.TextUnmarshaler for JobState to allow query/env parsing.
func (s *JobState) UnmarshalText(text []byte) error {
	v := JobState(strings.ToLower(strings.TrimSpace(string(text))))
	if !v.Valid() {
		return fmt.Errorf("invalid JobState: %q", v)
	}
	*s = v
	return nil
}

// Valid returns true if the JobState is valid.
func (s JobState) Valid() bool {
	switch s {
	case JobStatePending, JobStateAcquiring, JobStateAnalyzing, JobStateReporting,
		JobStateCompleted, JobStateFailed, JobStateCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are possible from s.
func (s JobState) Terminal() bool {
	return s == JobStateCompleted || s == JobStateFailed || s == JobStateCancelled
}

// Active reports whether a job in state s occupies a concurrency slot.
func (s JobState) Active() bool {
	return s == JobStateAcquiring || s == JobStateAnalyzing || s == JobStateReporting
}

// SubjectRef identifies the instance a job analyzes.
type SubjectRef struct {
	InstanceID   string `json:"instance_id"`
	InstanceName string `json:"instance_name,omitempty"`
}

// Validate checks that the reference names an instance.
func (s SubjectRef) Validate() error {
	if strings.TrimSpace(s.InstanceID) == "" {
		return errors.New("instance id is required")
	}
	return nil
}

func (s SubjectRef) String() string {
	if s.InstanceName == "" {
		return s.InstanceID
	}
	return s.InstanceName + " (" + s.InstanceID + ")"
}

// ErrorDetail describes why a job failed.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Phase   string `json:"phase,omitempty"`
}

// Job represents one forensic analysis request and its lifecycle state.
type Job struct {
	ID              string     `json:"id"`
	Subject         SubjectRef `json:"subject"`
	State           JobState   `json:"state"`
	ProgressPercent int        `json:"progress_percent"`
	CurrentStep     string     `json:"current_step"`
	// Version increments on every mutation so watchers can detect changes.
	Version     uint64     `json:"version"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// SourceDump is set when the job analyzes an existing image instead of acquiring one.
	SourceDump string `json:"source_dump,omitempty"`
	// Image describes the memory image once acquisition succeeded.
	Image       *AcquisitionInfo `json:"image,omitempty"`
	ErrorDetail *ErrorDetail     `json:"error_detail,omitempty"`
	Warnings    []string         `json:"warnings,omitempty"`
	Result      *ResultDocument  `json:"result,omitempty"`
	// PartialResult holds findings gathered before a failure when partial results are retained.
	PartialResult *ResultDocument `json:"partial_result,omitempty"`
	ReportError   string          `json:"report_error,omitempty"`
	ReportFormat  string          `json:"report_format,omitempty"`
	Report        []byte          `json:"-"`
}

// Clone returns a copy of j that shares no mutable state with it.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.StartedAt = cloneTime(j.StartedAt)
	c.CompletedAt = cloneTime(j.CompletedAt)
	if j.Image != nil {
		img := *j.Image
		c.Image = &img
	}
	if j.ErrorDetail != nil {
		ed := *j.ErrorDetail
		c.ErrorDetail = &ed
	}
	if j.Warnings != nil {
		c.Warnings = append([]string(nil), j.Warnings...)
	}
	c.Result = j.Result.Clone()
	c.PartialResult = j.PartialResult.Clone()
	if j.Report != nil {
		c.Report = append([]byte(nil), j.Report...)
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// SubmitJobRequest represents a request to start a new analysis job.
type SubmitJobRequest struct {
	InstanceID   string `json:"instance_id"`
	InstanceName string `json:"instance_name,omitempty"`
	// DumpPath starts the job from an existing memory image and skips acquisition.
	DumpPath string `json:"dump_path,omitempty"`
}

// Subject returns the subject reference named by the request.
func (r *SubmitJobRequest) Subject() SubjectRef {
	return SubjectRef{
		InstanceID:   strings.TrimSpace(r.InstanceID),
		InstanceName: strings.TrimSpace(r.InstanceName),
	}
}

// Validate validates the SubmitJobRequest fields.
func (r *SubmitJobRequest) Validate() error {
	if err := r.Subject().Validate(); err != nil {
		return err
	}
	if r.DumpPath != "" && !strings.HasPrefix(r.DumpPath, "/") {
		return errors.New("dump path must be absolute")
	}
	return nil
}

// ArchiveListOptions filters archived jobs.
type ArchiveListOptions struct {
	InstanceID string
	State      JobState
	Limit      int
	Offset     int
}

// JobStats counts jobs in the job table by state.
type JobStats struct {
	Pending   int `json:"pending"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}
