package stage

import (
	"context"
	"fmt"

	"github.com/briancasteel/youtube-transcriber-sub001/internal/entity"
)

// Pipeline stage names. The engine's stage list references executors by
// these keys.
const (
	NameFetch      = "fetch"
	NameExtract    = "extract"
	NameTranscribe = "transcribe"
	NameEnhance    = "enhance"
)

// Input is everything one stage execution may read: the original submission,
// the accumulated results of prior stages, and a sub-progress callback.
// Progress may be nil; executors report 0-100 within their own stage.
type Input struct {
	JobID    string
	Source   string
	Options  entity.Options
	Prior    map[string]entity.StageResult
	Progress func(percent int)
}

func (in Input) report(percent int) {
	if in.Progress != nil {
		in.Progress(percent)
	}
}

// Output is one stage's result summary. Large artifacts live on disk and are
// referenced by Location.
type Output struct {
	Summary  string
	Location string
}

// Error is a stage failure that tells the engine whether a retry can help.
type Error struct {
	Message   string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Failf builds a stage error without an underlying cause.
func Failf(retryable bool, format string, args ...any) *Error {
	return &Error{Message: fmt.Sprintf(format, args...), Retryable: retryable}
}

// Wrap builds a stage error around an underlying cause.
func Wrap(retryable bool, err error, message string) *Error {
	return &Error{Message: message, Retryable: retryable, Err: err}
}

// Executor implements one discrete unit of pipeline work. Execute must
// observe ctx cancellation cooperatively and return either an Output or an
// error; *Error failures carry retryability, anything else is treated as
// non-retryable.
type Executor interface {
	Execute(ctx context.Context, in Input) (Output, error)
}
