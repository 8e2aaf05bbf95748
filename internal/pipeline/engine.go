package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/briancasteel/youtube-transcriber-sub001/internal/entity"
	"github.com/briancasteel/youtube-transcriber-sub001/internal/metrics"
	"github.com/briancasteel/youtube-transcriber-sub001/internal/stage"
	"github.com/briancasteel/youtube-transcriber-sub001/internal/store"
)

var (
	// ErrAlreadyRunning rejects a Submit for a job id whose prior job is
	// still queued or running. No new record is created.
	ErrAlreadyRunning = errors.New("job already running")

	// ErrJobExists rejects a Submit for a job id that already reached a
	// terminal status; ids are never reused.
	ErrJobExists = errors.New("job id already exists")

	// ErrNotCancellable is returned by Cancel on a terminal job.
	ErrNotCancellable = errors.New("job is not cancellable")
)

// Options tune the engine's timing. Zero values take defaults.
type Options struct {
	JobTimeout      time.Duration // wall-clock budget per job, checked at stage boundaries
	RetryDelay      time.Duration // fixed delay between stage attempts
	StoreRetryDelay time.Duration // initial backoff for retried store writes
}

// execution is the engine's private handle on one running job, retained only
// to enforce the at-most-one-execution-per-job guard and to carry the
// cooperative cancellation signal. It is never exposed to callers.
type execution struct {
	cancel    context.CancelFunc
	cancelled atomic.Bool
	started   bool // guarded by the engine mutex
}

// Engine drives jobs through the configured stage sequence. Each submitted
// job runs on its own goroutine; within one job stages execute strictly in
// order, and only that goroutine (plus the explicit Cancel path) ever writes
// the job's record.
type Engine struct {
	cfg       Config
	store     store.Store
	executors map[string]stage.Executor
	opts      Options
	now       func() time.Time

	mu      sync.Mutex
	running map[string]*execution
	wg      sync.WaitGroup
}

// New validates the pipeline configuration and executor registry up front;
// no job can be submitted through a misconfigured engine.
func New(cfg Config, st store.Store, executors map[string]stage.Executor, opts Options) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, sc := range cfg.Stages {
		if _, ok := executors[sc.Name]; !ok {
			return nil, fmt.Errorf("no executor registered for stage %q", sc.Name)
		}
	}

	if opts.JobTimeout == 0 {
		opts.JobTimeout = 30 * time.Minute
	}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = 300 * time.Millisecond
	}
	if opts.StoreRetryDelay == 0 {
		opts.StoreRetryDelay = 200 * time.Millisecond
	}

	return &Engine{
		cfg:       cfg,
		store:     st,
		executors: executors,
		opts:      opts,
		now:       time.Now,
		running:   make(map[string]*execution),
	}, nil
}

// Submit validates the input, persists the queued record, and hands the job
// off to an asynchronous execution context. It never blocks on pipeline
// work. An empty id gets a generated one; a caller-supplied id acts as an
// idempotency key and is rejected while a prior job with that id is live.
func (e *Engine) Submit(ctx context.Context, id string, in entity.Input) (*entity.Job, error) {
	if id == "" {
		id = uuid.NewString()
	}

	job, err := entity.NewJob(id, in, e.now())
	if err != nil {
		return nil, err
	}

	execCtx, cancelExec := context.WithCancel(context.Background())
	ex := &execution{cancel: cancelExec}

	// Reserve the id before touching the store so two concurrent Submits
	// cannot both pass the existence check.
	e.mu.Lock()
	if _, live := e.running[id]; live {
		e.mu.Unlock()
		cancelExec()
		return nil, ErrAlreadyRunning
	}
	e.running[id] = ex
	e.mu.Unlock()

	if existing, err := e.store.Get(ctx, id); err == nil {
		e.release(id)
		cancelExec()
		if existing.Status.Terminal() {
			return nil, ErrJobExists
		}
		return nil, ErrAlreadyRunning
	} else if !errors.Is(err, store.ErrNotFound) {
		e.release(id)
		cancelExec()
		return nil, fmt.Errorf("check existing job: %w", err)
	}

	if err := e.store.Put(ctx, job); err != nil {
		e.release(id)
		cancelExec()
		return nil, fmt.Errorf("persist queued job: %w", err)
	}

	metrics.JobsSubmittedTotal.Inc()
	metrics.JobsActive.Inc()
	log.Printf("[engine] job_id=%s status=queued source=%s", job.ID, in.Source)

	e.wg.Add(1)
	go e.run(execCtx, ex, job.Clone())

	return job, nil
}

// Cancel requests early termination and returns immediately; it never waits
// for the execution context to observe the signal. A queued job transitions
// straight to cancelled; a running job is cancelled at the next stage
// boundary (stages blocked on external calls may finish that call first).
func (e *Engine) Cancel(ctx context.Context, id string) error {
	job, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return ErrNotCancellable
	}

	e.mu.Lock()
	ex := e.running[id]
	started := false
	if ex != nil {
		ex.cancelled.Store(true)
		ex.cancel()
		started = ex.started
	}
	e.mu.Unlock()

	if ex == nil {
		// The execution finished between the snapshot read and the lookup.
		if cur, err := e.store.Get(ctx, id); err == nil && cur.Status.Terminal() {
			return ErrNotCancellable
		}
	}

	if job.Status == entity.StatusQueued && !started {
		// The execution context checks the flag under the same mutex before
		// marking itself started, so it never writes over this record.
		if err := job.TransitionTo(entity.StatusCancelled, e.now()); err != nil {
			return err
		}
		if err := e.store.Put(ctx, job); err != nil {
			return fmt.Errorf("persist cancelled job: %w", err)
		}
		metrics.JobsFinishedTotal.WithLabelValues(string(entity.StatusCancelled)).Inc()
		log.Printf("[engine] job_id=%s status=cancelled stage=queued", id)
	} else {
		log.Printf("[engine] job_id=%s cancel_requested stage=%s", id, job.CurrentStage)
	}
	return nil
}

// Shutdown waits for in-flight executions. If ctx expires first, remaining
// executions are cancelled cooperatively and abandoned.
func (e *Engine) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		e.mu.Lock()
		for _, ex := range e.running {
			ex.cancelled.Store(true)
			ex.cancel()
		}
		e.mu.Unlock()
		return ctx.Err()
	}
}

func (e *Engine) release(id string) {
	e.mu.Lock()
	delete(e.running, id)
	e.mu.Unlock()
}

// run is the single execution context for one job. Store writes use a
// background context on purpose: cancelling the job must not prevent the
// engine from persisting the cancelled outcome.
func (e *Engine) run(ctx context.Context, ex *execution, job *entity.Job) {
	defer e.wg.Done()
	defer func() {
		e.release(job.ID)
		metrics.JobsActive.Dec()
	}()

	start := e.now()

	// The flag check and the started mark share the engine mutex with
	// Cancel's queued path: either Cancel wrote the terminal record and no
	// write happens here, or the running write below lands first and Cancel
	// relies on the flag alone.
	e.mu.Lock()
	if ex.cancelled.Load() {
		e.mu.Unlock()
		return
	}
	ex.started = true
	e.mu.Unlock()

	if err := job.TransitionTo(entity.StatusRunning, e.now()); err != nil {
		log.Printf("[engine] job_id=%s start_error=%v", job.ID, err)
		return
	}
	e.putWithRetry(job)

	for i, sc := range e.cfg.Stages {
		if ex.cancelled.Load() {
			e.finishCancelled(job)
			return
		}
		if e.opts.JobTimeout > 0 && e.now().Sub(start) > e.opts.JobTimeout {
			e.finishFailed(job, sc.Name,
				fmt.Sprintf("job exceeded wall-clock budget of %s", e.opts.JobTimeout),
				entity.ErrKindTimeout)
			return
		}

		job.SetStage(sc.Name, e.now())
		job.SetProgress(e.cfg.overallProgress(i, 0), e.now())
		e.putWithRetry(job)
		log.Printf("[engine] job_id=%s stage=%s status=running progress=%d", job.ID, sc.Name, job.Progress)

		out, err := e.runStage(ctx, ex, job, i, sc)
		if err != nil {
			if ex.cancelled.Load() {
				e.finishCancelled(job)
				return
			}
			// Fail fast: later stages are never attempted.
			e.finishFailed(job, sc.Name, err.Error(), entity.ErrKindStage)
			return
		}

		job.AddStageResult(sc.Name, entity.StageResult{Summary: out.Summary, Location: out.Location}, e.now())
		job.SetProgress(e.cfg.overallProgress(i, 100), e.now())
		e.putWithRetry(job)
	}

	if err := job.TransitionTo(entity.StatusCompleted, e.now()); err != nil {
		log.Printf("[engine] job_id=%s complete_error=%v", job.ID, err)
		return
	}
	e.putWithRetry(job)
	metrics.JobsFinishedTotal.WithLabelValues(string(entity.StatusCompleted)).Inc()
	log.Printf("[engine] job_id=%s status=completed duration_ms=%d attempts=%d",
		job.ID, e.now().Sub(start).Milliseconds(), job.Attempts)
}

// runStage executes one stage with its retry budget. Attempts are counted
// cumulatively on the job across all stages.
func (e *Engine) runStage(ctx context.Context, ex *execution, job *entity.Job, idx int, sc StageConfig) (stage.Output, error) {
	executor := e.executors[sc.Name]

	in := stage.Input{
		JobID:   job.ID,
		Source:  job.Input.Source,
		Options: job.Input.Options,
		Prior:   job.StageResults,
		Progress: func(sub int) {
			p := e.cfg.overallProgress(idx, sub)
			if p <= job.Progress {
				return
			}
			job.SetProgress(p, e.now())
			if err := e.store.Put(context.Background(), job); err != nil {
				log.Printf("[engine] job_id=%s stage=%s progress_write_error=%v", job.ID, sc.Name, err)
			}
		},
	}

	maxAttempts := sc.attempts()
	for attempt := 1; ; attempt++ {
		job.Attempts++
		started := e.now()

		out, err := executor.Execute(ctx, in)
		metrics.StageDurationSeconds.WithLabelValues(sc.Name).Observe(e.now().Sub(started).Seconds())
		if err == nil {
			return out, nil
		}

		// No retry once cancellation is in flight.
		if ex.cancelled.Load() || ctx.Err() != nil {
			return stage.Output{}, err
		}

		var se *stage.Error
		retryable := errors.As(err, &se) && se.Retryable
		if !retryable || attempt >= maxAttempts {
			log.Printf("[engine] job_id=%s stage=%s attempt=%d/%d status=failed error=%v",
				job.ID, sc.Name, attempt, maxAttempts, err)
			return stage.Output{}, err
		}

		metrics.StageRetriesTotal.WithLabelValues(sc.Name).Inc()
		log.Printf("[engine] job_id=%s stage=%s attempt=%d/%d retrying error=%v",
			job.ID, sc.Name, attempt, maxAttempts, err)

		select {
		case <-ctx.Done():
			return stage.Output{}, ctx.Err()
		case <-time.After(e.opts.RetryDelay):
		}
	}
}

func (e *Engine) finishCancelled(job *entity.Job) {
	if err := job.TransitionTo(entity.StatusCancelled, e.now()); err != nil {
		log.Printf("[engine] job_id=%s cancel_error=%v", job.ID, err)
		return
	}
	e.putWithRetry(job)
	metrics.JobsFinishedTotal.WithLabelValues(string(entity.StatusCancelled)).Inc()
	log.Printf("[engine] job_id=%s status=cancelled progress=%d", job.ID, job.Progress)
}

func (e *Engine) finishFailed(job *entity.Job, stageName, message, kind string) {
	job.SetError(stageName, message, kind, e.now())
	if err := job.TransitionTo(entity.StatusFailed, e.now()); err != nil {
		log.Printf("[engine] job_id=%s fail_error=%v", job.ID, err)
		return
	}
	e.putWithRetry(job)
	metrics.JobsFinishedTotal.WithLabelValues(string(entity.StatusFailed)).Inc()
	log.Printf("[engine] job_id=%s status=failed stage=%s kind=%s error=%s", job.ID, stageName, kind, message)
}

// putWithRetry persists a record, retrying with doubling backoff so a
// terminal outcome is never dropped on a transient store error. If the store
// stays unavailable the outcome is lost and logged loudly; there is no
// write-ahead log behind it.
func (e *Engine) putWithRetry(job *entity.Job) {
	const maxWrites = 3

	delay := e.opts.StoreRetryDelay
	var err error
	for attempt := 1; attempt <= maxWrites; attempt++ {
		if err = e.store.Put(context.Background(), job); err == nil {
			return
		}
		if attempt < maxWrites {
			metrics.StoreWriteRetriesTotal.Inc()
			log.Printf("[engine] job_id=%s store_write_retry attempt=%d error=%v", job.ID, attempt, err)
			time.Sleep(delay)
			delay *= 2
		}
	}
	log.Printf("[engine] job_id=%s STORE UNAVAILABLE, outcome not persisted: status=%s error=%v",
		job.ID, job.Status, err)
}
