package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/briancasteel/youtube-transcriber-sub001/internal/entity"
	"github.com/briancasteel/youtube-transcriber-sub001/internal/stage"
	"github.com/briancasteel/youtube-transcriber-sub001/internal/store"
)

const waitFor = 5 * time.Second

// fakeExecutor runs a scripted function and counts invocations.
type fakeExecutor struct {
	calls atomic.Int32
	fn    func(ctx context.Context, in stage.Input) (stage.Output, error)
}

func (f *fakeExecutor) Execute(ctx context.Context, in stage.Input) (stage.Output, error) {
	f.calls.Add(1)
	if f.fn == nil {
		return stage.Output{Summary: "ok"}, nil
	}
	return f.fn(ctx, in)
}

// flakyStore fails the next N writes once armed.
type flakyStore struct {
	store.Store
	failNext atomic.Int32
}

// writeOrderStore records the status of every successful write. When
// holdFirstRunning is set, the first running-status write blocks on it after
// signalling runningEntered.
type writeOrderStore struct {
	store.Store
	mu       sync.Mutex
	statuses []entity.JobStatus

	holdFirstRunning chan struct{}
	runningEntered   chan struct{}
	held             atomic.Bool
}

func (s *writeOrderStore) Put(ctx context.Context, job *entity.Job) error {
	if job.Status == entity.StatusRunning && s.holdFirstRunning != nil &&
		s.held.CompareAndSwap(false, true) {
		close(s.runningEntered)
		<-s.holdFirstRunning
	}

	err := s.Store.Put(ctx, job)
	if err == nil {
		s.mu.Lock()
		s.statuses = append(s.statuses, job.Status)
		s.mu.Unlock()
	}
	return err
}

// requireTerminalLast fails when any write landed after a terminal record.
func requireTerminalLast(t *testing.T, statuses []entity.JobStatus) {
	t.Helper()
	require.NotEmpty(t, statuses)
	for i, st := range statuses[:len(statuses)-1] {
		require.False(t, st.Terminal(),
			"terminal %s at write %d followed by %v", st, i, statuses[i+1:])
	}
	require.True(t, statuses[len(statuses)-1].Terminal(), "writes: %v", statuses)
}

// staleGetStore serves one stale snapshot on the first Get, then delegates.
type staleGetStore struct {
	store.Store
	stale *entity.Job
	used  atomic.Bool
}

func (s *staleGetStore) Get(ctx context.Context, id string) (*entity.Job, error) {
	if s.used.CompareAndSwap(false, true) {
		return s.stale.Clone(), nil
	}
	return s.Store.Get(ctx, id)
}

func (s *flakyStore) Put(ctx context.Context, job *entity.Job) error {
	if s.failNext.Add(-1) >= 0 {
		return errors.New("store unavailable")
	}
	return s.Store.Put(ctx, job)
}

func twoStageConfig() Config {
	return Config{Stages: []StageConfig{
		{Name: "prepare", Weight: 60},
		{Name: "finish", Weight: 40},
	}}
}

func newTestEngine(t *testing.T, cfg Config, st store.Store, execs map[string]stage.Executor) *Engine {
	t.Helper()
	e, err := New(cfg, st, execs, Options{
		RetryDelay:      time.Millisecond,
		StoreRetryDelay: time.Millisecond,
	})
	require.NoError(t, err)
	return e
}

func testInput() entity.Input {
	return entity.Input{Source: "https://example.com/video"}
}

func waitTerminal(t *testing.T, st store.Store, id string) *entity.Job {
	t.Helper()
	var job *entity.Job
	require.Eventually(t, func() bool {
		j, err := st.Get(context.Background(), id)
		if err != nil {
			return false
		}
		job = j
		return j.Status.Terminal()
	}, waitFor, 2*time.Millisecond)
	return job
}

func TestEngine_New_Validation(t *testing.T) {
	st := store.NewMemoryStore(time.Hour)
	execs := map[string]stage.Executor{"prepare": &fakeExecutor{}, "finish": &fakeExecutor{}}

	_, err := New(Config{Stages: []StageConfig{{Name: "prepare", Weight: 50}}}, st, execs, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sum to 100")

	_, err = New(twoStageConfig(), st, map[string]stage.Executor{"prepare": &fakeExecutor{}}, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `no executor registered for stage "finish"`)
}

func TestEngine_CompletesJob(t *testing.T) {
	st := store.NewMemoryStore(time.Hour)
	prepare := &fakeExecutor{fn: func(ctx context.Context, in stage.Input) (stage.Output, error) {
		return stage.Output{Summary: "prepared", Location: "/tmp/prepared"}, nil
	}}
	finish := &fakeExecutor{fn: func(ctx context.Context, in stage.Input) (stage.Output, error) {
		// Prior stage results are visible downstream.
		if in.Prior["prepare"].Location != "/tmp/prepared" {
			return stage.Output{}, stage.Failf(false, "missing prepare result")
		}
		return stage.Output{Summary: "finished"}, nil
	}}

	e := newTestEngine(t, twoStageConfig(), st,
		map[string]stage.Executor{"prepare": prepare, "finish": finish})

	job, err := e.Submit(context.Background(), "", testInput())
	require.NoError(t, err)
	require.NotEmpty(t, job.ID)
	assert.Equal(t, entity.StatusQueued, job.Status)

	got := waitTerminal(t, st, job.ID)
	assert.Equal(t, entity.StatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, 2, got.Attempts)
	assert.Nil(t, got.Error)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, "prepared", got.StageResults["prepare"].Summary)
	assert.Equal(t, "finished", got.StageResults["finish"].Summary)

	require.NoError(t, e.Shutdown(context.Background()))
}

func TestEngine_ProgressNeverDecreases(t *testing.T) {
	st := store.NewMemoryStore(time.Hour)
	prepare := &fakeExecutor{fn: func(ctx context.Context, in stage.Input) (stage.Output, error) {
		for _, p := range []int{20, 40, 60, 80, 100} {
			in.Progress(p)
			time.Sleep(2 * time.Millisecond)
		}
		return stage.Output{Summary: "ok"}, nil
	}}
	finish := &fakeExecutor{}

	e := newTestEngine(t, twoStageConfig(), st,
		map[string]stage.Executor{"prepare": prepare, "finish": finish})

	job, err := e.Submit(context.Background(), "job-progress", testInput())
	require.NoError(t, err)

	var samples []int
	require.Eventually(t, func() bool {
		j, err := st.Get(context.Background(), job.ID)
		if err != nil {
			return false
		}
		samples = append(samples, j.Progress)
		return j.Status.Terminal()
	}, waitFor, time.Millisecond)

	for i := 1; i < len(samples); i++ {
		assert.GreaterOrEqual(t, samples[i], samples[i-1],
			"progress went backwards: %v", samples)
	}
	assert.Equal(t, 100, samples[len(samples)-1])
	require.NoError(t, e.Shutdown(context.Background()))
}

func TestEngine_DuplicateID(t *testing.T) {
	st := store.NewMemoryStore(time.Hour)
	release := make(chan struct{})
	prepare := &fakeExecutor{fn: func(ctx context.Context, in stage.Input) (stage.Output, error) {
		<-release
		return stage.Output{Summary: "ok"}, nil
	}}
	finish := &fakeExecutor{}

	e := newTestEngine(t, twoStageConfig(), st,
		map[string]stage.Executor{"prepare": prepare, "finish": finish})

	_, err := e.Submit(context.Background(), "job-1", testInput())
	require.NoError(t, err)

	// Live job with the same id.
	_, err = e.Submit(context.Background(), "job-1", testInput())
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	close(release)
	waitTerminal(t, st, "job-1")
	require.NoError(t, e.Shutdown(context.Background()))

	// Terminal ids are never reused.
	_, err = e.Submit(context.Background(), "job-1", testInput())
	assert.ErrorIs(t, err, ErrJobExists)

	// The rejected submissions did not disturb the record.
	got, err := st.Get(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, entity.StatusCompleted, got.Status)
}

func TestEngine_SubmitInvalidInput(t *testing.T) {
	st := store.NewMemoryStore(time.Hour)
	e := newTestEngine(t, twoStageConfig(), st,
		map[string]stage.Executor{"prepare": &fakeExecutor{}, "finish": &fakeExecutor{}})

	_, err := e.Submit(context.Background(), "bad", entity.Input{Source: "not a url"})
	require.ErrorIs(t, err, entity.ErrInvalidInput)

	// No record is created for rejected input.
	_, err = st.Get(context.Background(), "bad")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestEngine_RetryThenSuccess(t *testing.T) {
	st := store.NewMemoryStore(time.Hour)
	var fails atomic.Int32
	fails.Store(2)
	flaky := &fakeExecutor{fn: func(ctx context.Context, in stage.Input) (stage.Output, error) {
		if fails.Add(-1) >= 0 {
			return stage.Output{}, stage.Failf(true, "transient upstream error")
		}
		return stage.Output{Summary: "ok"}, nil
	}}

	cfg := Config{Stages: []StageConfig{{Name: "prepare", Weight: 100, MaxAttempts: 3}}}
	e := newTestEngine(t, cfg, st, map[string]stage.Executor{"prepare": flaky})

	job, err := e.Submit(context.Background(), "job-retry", testInput())
	require.NoError(t, err)

	got := waitTerminal(t, st, job.ID)
	assert.Equal(t, entity.StatusCompleted, got.Status)
	assert.Equal(t, 3, got.Attempts)
	assert.Nil(t, got.Error)
	require.NoError(t, e.Shutdown(context.Background()))
}

func TestEngine_RetryableExhausted(t *testing.T) {
	st := store.NewMemoryStore(time.Hour)
	flaky := &fakeExecutor{fn: func(ctx context.Context, in stage.Input) (stage.Output, error) {
		return stage.Output{}, stage.Failf(true, "still down")
	}}

	cfg := Config{Stages: []StageConfig{{Name: "prepare", Weight: 100, MaxAttempts: 2}}}
	e := newTestEngine(t, cfg, st, map[string]stage.Executor{"prepare": flaky})

	job, err := e.Submit(context.Background(), "job-exhaust", testInput())
	require.NoError(t, err)

	got := waitTerminal(t, st, job.ID)
	assert.Equal(t, entity.StatusFailed, got.Status)
	assert.Equal(t, int32(2), flaky.calls.Load())
	require.NotNil(t, got.Error)
	assert.Equal(t, "prepare", got.Error.Stage)
	assert.Equal(t, entity.ErrKindStage, got.Error.Kind)
	require.NoError(t, e.Shutdown(context.Background()))
}

func TestEngine_NonRetryableFailsFast(t *testing.T) {
	st := store.NewMemoryStore(time.Hour)
	prepare := &fakeExecutor{fn: func(ctx context.Context, in stage.Input) (stage.Output, error) {
		return stage.Output{Summary: "done", Location: "/tmp/x"}, nil
	}}
	finish := &fakeExecutor{fn: func(ctx context.Context, in stage.Input) (stage.Output, error) {
		return stage.Output{}, stage.Failf(false, "malformed input")
	}}
	// MaxAttempts above 1 must not matter for a non-retryable error.
	cfg := Config{Stages: []StageConfig{
		{Name: "prepare", Weight: 60},
		{Name: "finish", Weight: 40, MaxAttempts: 5},
	}}
	e := newTestEngine(t, cfg, st,
		map[string]stage.Executor{"prepare": prepare, "finish": finish})

	job, err := e.Submit(context.Background(), "job-fail", testInput())
	require.NoError(t, err)

	got := waitTerminal(t, st, job.ID)
	assert.Equal(t, entity.StatusFailed, got.Status)
	assert.Equal(t, int32(1), finish.calls.Load())
	require.NotNil(t, got.Error)
	assert.Equal(t, "finish", got.Error.Stage)
	assert.Contains(t, got.Error.Message, "malformed input")

	// The completed stage's result survives the failure.
	assert.Equal(t, "done", got.StageResults["prepare"].Summary)
	assert.NotContains(t, got.StageResults, "finish")

	// Progress freezes at the last good value.
	assert.Equal(t, 60, got.Progress)
	require.NoError(t, e.Shutdown(context.Background()))
}

func TestEngine_CancelQueued(t *testing.T) {
	st := store.NewMemoryStore(time.Hour)
	e := newTestEngine(t, twoStageConfig(), st,
		map[string]stage.Executor{"prepare": &fakeExecutor{}, "finish": &fakeExecutor{}})

	// A queued record with no live execution, as after a restart.
	job, err := entity.NewJob("job-queued", testInput(), time.Now())
	require.NoError(t, err)
	require.NoError(t, st.Put(context.Background(), job))

	require.NoError(t, e.Cancel(context.Background(), "job-queued"))

	got, err := st.Get(context.Background(), "job-queued")
	require.NoError(t, err)
	assert.Equal(t, entity.StatusCancelled, got.Status)
	assert.Equal(t, 0, got.Progress)
}

func TestEngine_CancelRunning(t *testing.T) {
	st := store.NewMemoryStore(time.Hour)
	started := make(chan struct{})
	release := make(chan struct{})
	prepare := &fakeExecutor{fn: func(ctx context.Context, in stage.Input) (stage.Output, error) {
		close(started)
		<-release
		return stage.Output{Summary: "ok"}, nil
	}}
	finish := &fakeExecutor{}

	e := newTestEngine(t, twoStageConfig(), st,
		map[string]stage.Executor{"prepare": prepare, "finish": finish})

	job, err := e.Submit(context.Background(), "job-cancel", testInput())
	require.NoError(t, err)
	<-started

	// Cancel acks immediately; the stage in flight may still finish.
	require.NoError(t, e.Cancel(context.Background(), job.ID))
	close(release)

	got := waitTerminal(t, st, job.ID)
	assert.Equal(t, entity.StatusCancelled, got.Status)
	assert.Equal(t, int32(0), finish.calls.Load(), "no stage starts after cancellation")
	require.NoError(t, e.Shutdown(context.Background()))

	// Terminal jobs cannot be cancelled again.
	assert.ErrorIs(t, e.Cancel(context.Background(), job.ID), ErrNotCancellable)
}

func TestEngine_CancelDuringFirstRunningWrite(t *testing.T) {
	ws := &writeOrderStore{
		Store:            store.NewMemoryStore(time.Hour),
		holdFirstRunning: make(chan struct{}),
		runningEntered:   make(chan struct{}),
	}
	prepare := &fakeExecutor{}
	finish := &fakeExecutor{}

	e := newTestEngine(t, twoStageConfig(), ws,
		map[string]stage.Executor{"prepare": prepare, "finish": finish})

	job, err := e.Submit(context.Background(), "job-race", testInput())
	require.NoError(t, err)

	// The execution context is mid-write of its running record; the store
	// still shows the job as queued.
	<-ws.runningEntered
	require.NoError(t, e.Cancel(context.Background(), job.ID))
	close(ws.holdFirstRunning)

	got := waitTerminal(t, ws, job.ID)
	assert.Equal(t, entity.StatusCancelled, got.Status)
	assert.Equal(t, int32(0), prepare.calls.Load(), "no stage runs once cancelled")
	require.NoError(t, e.Shutdown(context.Background()))

	// Cancel must not have persisted a terminal record the pending running
	// write could overwrite.
	requireTerminalLast(t, ws.statuses)
}

func TestEngine_CancelRightAfterSubmit(t *testing.T) {
	// Races Cancel against the execution context's startup across many runs;
	// whichever side wins, no write may land after a terminal record.
	for i := 0; i < 25; i++ {
		ws := &writeOrderStore{Store: store.NewMemoryStore(time.Hour)}
		e := newTestEngine(t, twoStageConfig(), ws,
			map[string]stage.Executor{"prepare": &fakeExecutor{}, "finish": &fakeExecutor{}})

		job, err := e.Submit(context.Background(), "job-spin", testInput())
		require.NoError(t, err)

		if err := e.Cancel(context.Background(), job.ID); err != nil {
			require.ErrorIs(t, err, ErrNotCancellable)
		}

		got := waitTerminal(t, ws, job.ID)
		assert.Contains(t,
			[]entity.JobStatus{entity.StatusCancelled, entity.StatusCompleted}, got.Status)
		require.NoError(t, e.Shutdown(context.Background()))
		requireTerminalLast(t, ws.statuses)
	}
}

func TestEngine_CancelAfterFinishIsNotCancellable(t *testing.T) {
	mem := store.NewMemoryStore(time.Hour)
	now := time.Now()

	job, err := entity.NewJob("job-done", testInput(), now)
	require.NoError(t, err)
	require.NoError(t, job.TransitionTo(entity.StatusRunning, now))
	stale := job.Clone()
	require.NoError(t, job.TransitionTo(entity.StatusCompleted, now))
	require.NoError(t, mem.Put(context.Background(), job))

	// The first read returns the pre-completion snapshot, as when the
	// execution finishes between Cancel's read and its handle lookup.
	st := &staleGetStore{Store: mem, stale: stale}
	e := newTestEngine(t, twoStageConfig(), st,
		map[string]stage.Executor{"prepare": &fakeExecutor{}, "finish": &fakeExecutor{}})

	assert.ErrorIs(t, e.Cancel(context.Background(), "job-done"), ErrNotCancellable)

	got, err := mem.Get(context.Background(), "job-done")
	require.NoError(t, err)
	assert.Equal(t, entity.StatusCompleted, got.Status)
}

func TestEngine_CancelUnknownJob(t *testing.T) {
	st := store.NewMemoryStore(time.Hour)
	e := newTestEngine(t, twoStageConfig(), st,
		map[string]stage.Executor{"prepare": &fakeExecutor{}, "finish": &fakeExecutor{}})

	assert.ErrorIs(t, e.Cancel(context.Background(), "nope"), store.ErrNotFound)
}

func TestEngine_JobTimeout(t *testing.T) {
	st := store.NewMemoryStore(time.Hour)
	prepare := &fakeExecutor{fn: func(ctx context.Context, in stage.Input) (stage.Output, error) {
		time.Sleep(30 * time.Millisecond)
		return stage.Output{Summary: "slow"}, nil
	}}
	finish := &fakeExecutor{}

	e, err := New(twoStageConfig(), st,
		map[string]stage.Executor{"prepare": prepare, "finish": finish},
		Options{JobTimeout: 10 * time.Millisecond, RetryDelay: time.Millisecond, StoreRetryDelay: time.Millisecond})
	require.NoError(t, err)

	job, err := e.Submit(context.Background(), "job-slow", testInput())
	require.NoError(t, err)

	got := waitTerminal(t, st, job.ID)
	assert.Equal(t, entity.StatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, entity.ErrKindTimeout, got.Error.Kind)
	// The budget is checked at stage boundaries; the slow stage's own result
	// is kept, the next stage never starts.
	assert.Equal(t, int32(0), finish.calls.Load())
	require.NoError(t, e.Shutdown(context.Background()))
}

func TestEngine_StoreWriteRetried(t *testing.T) {
	flaky := &flakyStore{Store: store.NewMemoryStore(time.Hour)}
	prepare := &fakeExecutor{fn: func(ctx context.Context, in stage.Input) (stage.Output, error) {
		// Break the store for the writes that follow this stage.
		flaky.failNext.Store(2)
		return stage.Output{Summary: "ok"}, nil
	}}

	cfg := Config{Stages: []StageConfig{{Name: "prepare", Weight: 100}}}
	e := newTestEngine(t, cfg, flaky, map[string]stage.Executor{"prepare": prepare})

	job, err := e.Submit(context.Background(), "job-flaky", testInput())
	require.NoError(t, err)

	got := waitTerminal(t, flaky, job.ID)
	assert.Equal(t, entity.StatusCompleted, got.Status)
	require.NoError(t, e.Shutdown(context.Background()))
}

func TestEngine_Shutdown_WaitsForJobs(t *testing.T) {
	st := store.NewMemoryStore(time.Hour)
	prepare := &fakeExecutor{fn: func(ctx context.Context, in stage.Input) (stage.Output, error) {
		time.Sleep(10 * time.Millisecond)
		return stage.Output{Summary: "ok"}, nil
	}}
	finish := &fakeExecutor{}

	e := newTestEngine(t, twoStageConfig(), st,
		map[string]stage.Executor{"prepare": prepare, "finish": finish})

	job, err := e.Submit(context.Background(), "job-drain", testInput())
	require.NoError(t, err)

	require.NoError(t, e.Shutdown(context.Background()))

	got, err := st.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusCompleted, got.Status)
}
