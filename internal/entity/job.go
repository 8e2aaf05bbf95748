package entity

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed from s.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Error kinds recorded on failed jobs.
const (
	ErrKindStage   = "stage_failure"
	ErrKindTimeout = "timeout"
)

// Options are caller-supplied knobs for the pipeline stages.
type Options struct {
	Language string `json:"language,omitempty" bson:"language,omitempty"`
	Format   string `json:"format,omitempty" bson:"format,omitempty"`
	Enhance  bool   `json:"enhance" bson:"enhance"`
}

// Input is the immutable submission payload: a remote media source plus
// stage options.
type Input struct {
	Source  string  `json:"source" bson:"source"`
	Options Options `json:"options" bson:"options"`
}

// StageResult is one stage's output summary. Large artifacts are referenced
// by Location rather than embedded.
type StageResult struct {
	Summary  string `json:"summary" bson:"summary"`
	Location string `json:"location,omitempty" bson:"location,omitempty"`
}

// JobError records which stage failed and why. Present only on failed jobs.
type JobError struct {
	Stage   string `json:"stage" bson:"stage"`
	Message string `json:"message" bson:"message"`
	Kind    string `json:"kind,omitempty" bson:"kind,omitempty"`
}

func (e *JobError) Error() string {
	return fmt.Sprintf("%s: %s", e.Stage, e.Message)
}

// Job is one end-to-end media-processing request tracked from submission to
// terminal status. A single execution context mutates it at a time; readers
// only ever see store snapshots.
type Job struct {
	ID           string                 `json:"id" bson:"_id"`
	Input        Input                  `json:"input" bson:"input"`
	Status       JobStatus              `json:"status" bson:"status"`
	CurrentStage string                 `json:"currentStage,omitempty" bson:"currentStage,omitempty"`
	Progress     int                    `json:"progress" bson:"progress"`
	StageResults map[string]StageResult `json:"stageResults,omitempty" bson:"stageResults,omitempty"`
	Error        *JobError              `json:"error,omitempty" bson:"error,omitempty"`
	Attempts     int                    `json:"attempts" bson:"attempts"`
	CreatedAt    time.Time              `json:"createdAt" bson:"createdAt"`
	UpdatedAt    time.Time              `json:"updatedAt" bson:"updatedAt"`
	CompletedAt  *time.Time             `json:"completedAt,omitempty" bson:"completedAt,omitempty"`
}

// NewJob validates the input and builds a queued job. Validation failures
// wrap ErrInvalidInput and no record is ever stored for them.
func NewJob(id string, in Input, now time.Time) (*Job, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty job id", ErrInvalidInput)
	}
	if err := ValidateInput(in); err != nil {
		return nil, err
	}

	return &Job{
		ID:        id,
		Input:     in,
		Status:    StatusQueued,
		Progress:  0,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// ValidateInput checks the submission payload before any job exists.
func ValidateInput(in Input) error {
	if in.Source == "" {
		return fmt.Errorf("%w: source is required", ErrInvalidInput)
	}
	u, err := url.Parse(in.Source)
	if err != nil {
		return fmt.Errorf("%w: source is not a valid URL: %v", ErrInvalidInput, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: source must be an http(s) URL, got %q", ErrInvalidInput, in.Source)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: source URL has no host", ErrInvalidInput)
	}
	return nil
}

// TransitionTo applies a status change, enforcing the transition DAG:
//
//	queued -> running -> {completed, failed, cancelled}
//	queued -> cancelled
//
// The first transition into a terminal status pins CompletedAt; completed
// additionally pins progress to 100. Any other edge is rejected.
func (j *Job) TransitionTo(status JobStatus, now time.Time) error {
	if !allowedTransition(j.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, status)
	}

	j.Status = status
	j.UpdatedAt = now

	if status.Terminal() {
		j.CurrentStage = ""
		if j.CompletedAt == nil {
			t := now
			j.CompletedAt = &t
		}
	}
	if status == StatusCompleted {
		j.Progress = 100
	}
	return nil
}

func allowedTransition(from, to JobStatus) bool {
	switch from {
	case StatusQueued:
		return to == StatusRunning || to == StatusCancelled
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed || to == StatusCancelled
	default:
		// Terminal states have no outgoing edges.
		return false
	}
}

// SetProgress advances progress while the job is running. Progress never
// decreases and never exceeds 100; on failed/cancelled jobs it stays frozen
// at its last value.
func (j *Job) SetProgress(p int, now time.Time) {
	if j.Status != StatusRunning {
		return
	}
	if p > 100 {
		p = 100
	}
	if p <= j.Progress {
		return
	}
	j.Progress = p
	j.UpdatedAt = now
}

// SetStage records the stage currently in flight.
func (j *Job) SetStage(name string, now time.Time) {
	j.CurrentStage = name
	j.UpdatedAt = now
}

// AddStageResult appends one stage's output summary. Results are append-only:
// an existing entry is never overwritten.
func (j *Job) AddStageResult(stage string, res StageResult, now time.Time) {
	if j.StageResults == nil {
		j.StageResults = make(map[string]StageResult)
	}
	if _, ok := j.StageResults[stage]; ok {
		return
	}
	j.StageResults[stage] = res
	j.UpdatedAt = now
}

// SetError records the failure detail for a failed job.
func (j *Job) SetError(stage, message, kind string, now time.Time) {
	j.Error = &JobError{Stage: stage, Message: message, Kind: kind}
	j.UpdatedAt = now
}

// Clone returns a deep copy so store snapshots cannot alias live state.
func (j *Job) Clone() *Job {
	cp := *j
	if j.StageResults != nil {
		cp.StageResults = make(map[string]StageResult, len(j.StageResults))
		for k, v := range j.StageResults {
			cp.StageResults[k] = v
		}
	}
	if j.Error != nil {
		e := *j.Error
		cp.Error = &e
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}
