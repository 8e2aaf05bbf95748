package service

import (
	"context"
	"errors"
	"time"

	"github.com/briancasteel/youtube-transcriber-sub001/internal/entity"
	"github.com/briancasteel/youtube-transcriber-sub001/internal/store"
)

// ErrNotReady is returned by GetResult while the job has not completed.
var ErrNotReady = errors.New("job result not ready")

// FailedError surfaces a failed job's terminal error through GetResult.
type FailedError struct {
	Stage   string
	Message string
	Kind    string
}

func (e *FailedError) Error() string {
	return "job failed at stage " + e.Stage + ": " + e.Message
}

// Engine is the slice of the pipeline engine the facade consumes.
type Engine interface {
	Submit(ctx context.Context, id string, in entity.Input) (*entity.Job, error)
	Cancel(ctx context.Context, id string) error
}

// Reader is the slice of the job store the facade consumes. All facade reads
// are pure lookups, safe at arbitrary polling frequency.
type Reader interface {
	Get(ctx context.Context, id string) (*entity.Job, error)
	List(ctx context.Context, f store.Filter, p store.Page) ([]*entity.Job, int, error)
}

// JobService is the public operation set over the pipeline: submit, poll,
// fetch results, cancel, list.
type JobService struct {
	engine Engine
	reader Reader
}

func NewJobService(engine Engine, reader Reader) *JobService {
	return &JobService{engine: engine, reader: reader}
}

type SubmitRequest struct {
	JobID   string // optional idempotency key; generated when empty
	Source  string
	Options entity.Options
}

// Submit hands the job to the engine and returns immediately with the queued
// record; execution proceeds asynchronously.
func (s *JobService) Submit(ctx context.Context, req SubmitRequest) (*entity.Job, error) {
	return s.engine.Submit(ctx, req.JobID, entity.Input{
		Source:  req.Source,
		Options: req.Options,
	})
}

// StatusSnapshot is one observation of a job's state.
type StatusSnapshot struct {
	ID           string           `json:"id"`
	Status       entity.JobStatus `json:"status"`
	Progress     int              `json:"progress"`
	CurrentStage string           `json:"currentStage,omitempty"`
	Error        *entity.JobError `json:"error,omitempty"`
	CreatedAt    time.Time        `json:"createdAt"`
	UpdatedAt    time.Time        `json:"updatedAt"`
}

func snapshot(j *entity.Job) StatusSnapshot {
	return StatusSnapshot{
		ID:           j.ID,
		Status:       j.Status,
		Progress:     j.Progress,
		CurrentStage: j.CurrentStage,
		Error:        j.Error,
		CreatedAt:    j.CreatedAt,
		UpdatedAt:    j.UpdatedAt,
	}
}

func (s *JobService) GetStatus(ctx context.Context, id string) (StatusSnapshot, error) {
	job, err := s.reader.Get(ctx, id)
	if err != nil {
		return StatusSnapshot{}, err
	}
	return snapshot(job), nil
}

// Result is the terminal payload of a completed job.
type Result struct {
	ID           string                        `json:"id"`
	StageResults map[string]entity.StageResult `json:"stageResults"`
	CompletedAt  *time.Time                    `json:"completedAt"`
}

// GetResult returns the merged stage results once the job completed. A
// failed job yields its terminal error as a *FailedError; anything still in
// flight (or cancelled) yields ErrNotReady.
func (s *JobService) GetResult(ctx context.Context, id string) (*Result, error) {
	job, err := s.reader.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	switch job.Status {
	case entity.StatusCompleted:
		return &Result{
			ID:           job.ID,
			StageResults: job.StageResults,
			CompletedAt:  job.CompletedAt,
		}, nil
	case entity.StatusFailed:
		fe := &FailedError{Message: "unknown failure"}
		if job.Error != nil {
			fe.Stage = job.Error.Stage
			fe.Message = job.Error.Message
			fe.Kind = job.Error.Kind
		}
		return nil, fe
	default:
		return nil, ErrNotReady
	}
}

func (s *JobService) Cancel(ctx context.Context, id string) error {
	return s.engine.Cancel(ctx, id)
}

// ListResult is one page of job snapshots plus the total match count.
type ListResult struct {
	Items []StatusSnapshot `json:"items"`
	Total int              `json:"total"`
}

func (s *JobService) List(ctx context.Context, f store.Filter, p store.Page) (ListResult, error) {
	jobs, total, err := s.reader.List(ctx, f, p)
	if err != nil {
		return ListResult{}, err
	}

	items := make([]StatusSnapshot, 0, len(jobs))
	for _, j := range jobs {
		items = append(items, snapshot(j))
	}
	return ListResult{Items: items, Total: total}, nil
}
