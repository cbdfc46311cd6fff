package store

import (
	"context"
	"errors"
	"time"

	"github.com/Popie52/feedrank/internal/model"
)

var (
	ErrNotFound  = errors.New("job not found")
	ErrDuplicate = errors.New("job already outstanding")
)

// JobStore holds job state and enforces at most one outstanding job per ID.
type JobStore interface {
	// SavePending records job as enqueued. When a job with the same ID is
	// already enqueued or active it returns that job and ErrDuplicate.
	SavePending(ctx context.Context, job *model.Job) (*model.Job, error)

	// Update overwrites the state of an outstanding job.
	Update(ctx context.Context, job *model.Job) error

	// Finish records a terminal state, releases the ID for new jobs and keeps
	// the record for the retention period.
	Finish(ctx context.Context, job *model.Job) error

	Get(ctx context.Context, jobID string) (*model.Job, error)

	LoadOutstanding(ctx context.Context) ([]*model.Job, error)

	// RecoverStuck moves active jobs picked before cutoff back to enqueued
	// and returns them.
	RecoverStuck(ctx context.Context, cutoff time.Time) ([]*model.Job, error)

	// Prune drops finished records older than before.
	Prune(ctx context.Context, before time.Time) (int, error)
}
