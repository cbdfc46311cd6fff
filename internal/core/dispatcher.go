package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/google/uuid"

	"github.com/Popie52/feedrank/internal/logging"
	"github.com/Popie52/feedrank/internal/metrics"
	"github.com/Popie52/feedrank/internal/model"
	"github.com/Popie52/feedrank/internal/queue"
	"github.com/Popie52/feedrank/internal/store"
)

var ErrClosed = errors.New("dispatcher closed")

// JobDefaults fill fields a submitted job leaves unset.
type JobDefaults struct {
	MaxAttempts int
	Backoff     model.BackoffPolicy
}

func DefaultJobDefaults() JobDefaults {
	return JobDefaults{
		MaxAttempts: 3,
		Backoff:     model.BackoffPolicy{Base: 2 * time.Second, Max: time.Minute},
	}
}

// Dispatcher owns the job state machine:
// enqueued -> active -> completed | enqueued (retry) | exhausted.
type Dispatcher struct {
	queue    *queue.Queue
	store    store.JobStore
	metrics  metrics.MetricsFn
	logger   logging.Logger
	defaults JobDefaults
	closed   atomic.Bool

	// IDs of jobs a local worker is running right now
	running     sync.Map
	finishRetry retrypolicy.RetryPolicy[any]
}

func NewDispatcher(q *queue.Queue, store store.JobStore, m metrics.MetricsFn, logger logging.Logger, defaults JobDefaults) *Dispatcher {
	if defaults.MaxAttempts <= 0 {
		defaults.MaxAttempts = DefaultJobDefaults().MaxAttempts
	}
	finishRetry := retrypolicy.NewBuilder[any]().
		WithMaxRetries(4).
		WithBackoff(50*time.Millisecond, time.Second).
		Build()
	return &Dispatcher{
		queue:       q,
		store:       store,
		metrics:     m,
		logger:      logger,
		defaults:    defaults,
		finishRetry: finishRetry,
	}
}

// Enqueue accepts job unless another job with the same ID is enqueued or
// active, in which case it is a no-op returning that job's ID.
func (d *Dispatcher) Enqueue(ctx context.Context, job *model.Job) (string, error) {
	if d.closed.Load() {
		return "", ErrClosed
	}

	now := time.Now()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.RunAt.IsZero() {
		job.RunAt = now
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = d.defaults.MaxAttempts
	}
	if job.Backoff == (model.BackoffPolicy{}) {
		job.Backoff = d.defaults.Backoff
	}
	job.State = model.StateEnqueued

	existing, err := d.store.SavePending(ctx, job)
	if errors.Is(err, store.ErrDuplicate) {
		d.metrics.IncJobsDeduplicated(string(job.Type))
		d.logger.WithFields(logging.Fields{
			"job_id":   job.ID,
			"job_type": job.Type,
			"state":    existing.State,
		}).Debug("duplicate job ignored")
		return existing.ID, nil
	}
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", job.ID, err)
	}

	if err := d.queue.Push(job); err != nil {
		_ = d.store.Finish(ctx, d.terminal(job, model.StateExhausted, err))
		return "", ErrClosed
	}

	d.metrics.IncJobsSubmitted(string(job.Type))
	d.metrics.IncQueueDepth()
	return job.ID, nil
}

// Next blocks for the next due job.
func (d *Dispatcher) Next(ctx context.Context) (*model.Job, error) {
	job, err := d.queue.Pop(ctx)
	if err != nil {
		return nil, err
	}
	d.metrics.DecQueueDepth()
	return job, nil
}

// Activate counts an attempt and marks the job active.
func (d *Dispatcher) Activate(ctx context.Context, job *model.Job) error {
	d.running.Store(job.ID, struct{}{})
	job.Attempts++
	job.State = model.StateActive
	job.PickedAt = time.Now()
	if err := d.store.Update(ctx, job); err != nil {
		d.running.Delete(job.ID)
		job.Attempts--
		job.State = model.StateEnqueued
		return fmt.Errorf("activate %s: %w", job.ID, err)
	}
	d.metrics.IncInflight()
	return nil
}

// Release puts a job taken with Next back without counting an attempt.
func (d *Dispatcher) Release(job *model.Job) {
	if err := d.queue.Push(job); err != nil {
		// queue is shut down; the record stays outstanding for Restore
		return
	}
	d.metrics.IncQueueDepth()
}

// Defer puts a job whose activation failed back in the queue, due after
// delay, so it stops competing with due work in the meantime.
func (d *Dispatcher) Defer(job *model.Job, delay time.Duration) {
	job.RunAt = time.Now().Add(delay)
	d.Release(job)
}

// Retry re-enqueues an active job after delay. The record stays outstanding
// through the delay so the ID keeps deduplicating.
func (d *Dispatcher) Retry(ctx context.Context, job *model.Job, delay time.Duration, cause error) error {
	d.metrics.DecInflight()
	d.running.Delete(job.ID)

	job.State = model.StateEnqueued
	job.RunAt = time.Now().Add(delay)
	job.LastError = cause.Error()
	if err := d.store.Update(ctx, job); err != nil {
		return fmt.Errorf("retry %s: %w", job.ID, err)
	}
	if err := d.queue.Push(job); err != nil {
		return fmt.Errorf("retry %s: %w", job.ID, err)
	}
	d.metrics.IncQueueDepth()
	return nil
}

func (d *Dispatcher) Complete(ctx context.Context, job *model.Job) {
	d.metrics.DecInflight()
	d.running.Delete(job.ID)
	if err := d.finish(ctx, d.terminal(job, model.StateCompleted, nil)); err != nil {
		d.logger.WithError(err).WithField("job_id", job.ID).Error("record job completion failed, left for recovery")
	}
}

func (d *Dispatcher) Exhaust(ctx context.Context, job *model.Job, cause error) {
	if job.State == model.StateActive {
		d.metrics.DecInflight()
	}
	d.running.Delete(job.ID)
	if err := d.finish(ctx, d.terminal(job, model.StateExhausted, cause)); err != nil {
		d.logger.WithError(err).WithField("job_id", job.ID).Error("record job exhaustion failed, left for recovery")
	}
}

// finish retries the terminal write; a record left outstanding would block
// its ID until RecoverStuck reclaims it.
func (d *Dispatcher) finish(ctx context.Context, job *model.Job) error {
	return failsafe.With(d.finishRetry).WithContext(ctx).Run(func() error {
		return d.store.Finish(ctx, job)
	})
}

func (d *Dispatcher) terminal(job *model.Job, state model.JobState, cause error) *model.Job {
	job.State = state
	job.FinishedAt = time.Now()
	if cause != nil {
		job.LastError = cause.Error()
	}
	return job
}

// Restore pushes outstanding records left by a previous process back into
// the queue. Records that were active restart as enqueued.
func (d *Dispatcher) Restore(ctx context.Context) (int, error) {
	jobs, err := d.store.LoadOutstanding(ctx)
	if err != nil {
		return 0, fmt.Errorf("restore jobs: %w", err)
	}
	restored := 0
	for _, j := range jobs {
		if j.State == model.StateActive {
			j.State = model.StateEnqueued
			if err := d.store.Update(ctx, j); err != nil {
				return restored, fmt.Errorf("restore %s: %w", j.ID, err)
			}
		}
		if err := d.queue.Push(j); err != nil {
			return restored, err
		}
		d.metrics.IncQueueDepth()
		restored++
	}
	return restored, nil
}

// RecoverStuck requeues jobs left active longer than cutoff by a failed
// terminal write or a dead process. Jobs with no attempts left are
// exhausted instead.
func (d *Dispatcher) RecoverStuck(ctx context.Context, cutoff time.Time) (int, error) {
	if d.closed.Load() {
		return 0, nil
	}
	jobs, err := d.store.RecoverStuck(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("recover stuck jobs: %w", err)
	}

	recovered := 0
	for _, j := range jobs {
		if _, busy := d.running.Load(j.ID); busy {
			// still running here; its own Complete or Retry rewrites the record
			continue
		}
		log := d.logger.WithFields(logging.Fields{
			"job_id":       j.ID,
			"job_type":     j.Type,
			"attempt":      j.Attempts,
			"max_attempts": j.MaxAttempts,
		})
		if j.Attempts >= j.MaxAttempts {
			d.Exhaust(ctx, j, errors.New("abandoned after final attempt"))
			d.metrics.IncJobsDead(string(j.Type))
			log.Error("stuck job exhausted")
			continue
		}
		j.RunAt = time.Now()
		if err := d.queue.Push(j); err != nil {
			// closed; the enqueued record waits for the next Restore
			return recovered, nil
		}
		d.metrics.IncQueueDepth()
		recovered++
		log.Warn("stuck job requeued")
	}
	return recovered, nil
}

func (d *Dispatcher) Status(ctx context.Context, jobID string) (*model.Job, error) {
	return d.store.Get(ctx, jobID)
}

// Close stops accepting jobs and wakes idle workers. Queued jobs stay
// outstanding in the store for the next Restore.
func (d *Dispatcher) Close() {
	if d.closed.Swap(true) {
		return
	}
	d.queue.Shutdown()

	left := d.queue.Drain()
	for range left {
		d.metrics.DecQueueDepth()
	}
	if len(left) > 0 {
		d.logger.WithField("jobs", len(left)).Info("queued jobs left outstanding")
	}
}
