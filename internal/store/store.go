package store

import (
	"context"
	"errors"

	"github.com/briancasteel/youtube-transcriber-sub001/internal/entity"
)

var ErrNotFound = errors.New("job not found")

// Filter narrows List results. A zero Filter matches everything.
type Filter struct {
	Status entity.JobStatus
}

func (f Filter) matches(j *entity.Job) bool {
	return f.Status == "" || j.Status == f.Status
}

// Page selects a window of List results.
type Page struct {
	Limit  int
	Offset int
}

// Store is the shared keyed persistence layer holding job records. Put
// upserts the full record and refreshes its retention TTL; write errors
// always propagate. The store offers no transactions and no compare-and-swap;
// the engine's single-writer discipline compensates. A Put followed by a Get
// from the same execution context observes the just-written value.
type Store interface {
	Put(ctx context.Context, job *entity.Job) error
	Get(ctx context.Context, id string) (*entity.Job, error)
	List(ctx context.Context, f Filter, p Page) ([]*entity.Job, int, error)
	Delete(ctx context.Context, id string) error
}
