package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/Popie52/feedrank/internal/logging"
	"github.com/Popie52/feedrank/internal/metrics"
	"github.com/Popie52/feedrank/internal/model"
	"github.com/Popie52/feedrank/internal/queue"
	"github.com/Popie52/feedrank/internal/store"
)

var ErrUnknownJobType = errors.New("unknown job type")

// Handler runs one attempt of a job. A returned error schedules a retry
// until the job's attempts are spent.
type Handler func(ctx context.Context, job *model.Job) error

type Worker struct {
	id         int
	dispatcher *Dispatcher
	handlers   map[model.JobType]Handler
	limiter    *rate.Limiter
	// ctx stops the pull loop; jobCtx is handed to handlers and only ends on force close
	ctx     context.Context
	jobCtx  context.Context
	metrics metrics.MetricsFn
	logger  logging.Logger
}

func NewWorker(id int, dispatcher *Dispatcher, handlers map[model.JobType]Handler, limiter *rate.Limiter, ctx, jobCtx context.Context, m metrics.MetricsFn, logger logging.Logger) *Worker {
	return &Worker{
		id:         id,
		dispatcher: dispatcher,
		handlers:   handlers,
		limiter:    limiter,
		ctx:        ctx,
		jobCtx:     jobCtx,
		metrics:    m,
		logger:     logger,
	}
}

func (w *Worker) Run() {
	w.metrics.IncActiveWorkers()
	defer w.metrics.DecActiveWorkers()

	for {
		job, err := w.dispatcher.Next(w.ctx)
		if err != nil {
			return
		}
		if err := w.limiter.Wait(w.ctx); err != nil {
			w.dispatcher.Release(job)
			return
		}
		if err := w.dispatcher.Activate(w.jobCtx, job); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				// the record is gone, so nothing holds this ID any more
				w.logger.WithField("job_id", job.ID).Warn("job record missing, dropped")
				continue
			}
			delay := activationRetryDelay(job)
			w.logger.WithError(err).WithFields(logging.Fields{
				"job_id":   job.ID,
				"retry_in": delay.String(),
			}).Error("job activation failed")
			w.dispatcher.Defer(job, delay)
			continue
		}

		log := w.logger.WithFields(logging.Fields{
			"worker":       w.id,
			"job_id":       job.ID,
			"job_type":     job.Type,
			"attempt":      job.Attempts,
			"max_attempts": job.MaxAttempts,
		})

		start := time.Now()
		err = w.process(job)
		elapsed := time.Since(start)
		w.metrics.ObserveJobDuration(string(job.Type), elapsed)

		if err != nil {
			w.metrics.IncJobsFailed(string(job.Type))
			w.handleFailure(job, err, log)
		} else {
			w.dispatcher.Complete(w.jobCtx, job)
			w.metrics.IncJobsCompleted(string(job.Type))
			log.WithField("duration_ms", elapsed.Milliseconds()).Info("job completed")
		}
	}
}

func activationRetryDelay(job *model.Job) time.Duration {
	if d := job.Backoff.Delay(1); d > 0 {
		return d
	}
	return time.Second
}

func (w *Worker) process(job *model.Job) (err error) {
	handler, ok := w.handlers[job.Type]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJobType, job.Type)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(w.jobCtx, job)
}

func (w *Worker) handleFailure(job *model.Job, cause error, log *logrus.Entry) {
	if job.Attempts >= job.MaxAttempts || errors.Is(cause, ErrUnknownJobType) {
		w.dispatcher.Exhaust(w.jobCtx, job, cause)
		w.metrics.IncJobsDead(string(job.Type))
		log.WithError(cause).Error("job exhausted")
		return
	}

	delay := job.Backoff.Delay(job.Attempts)
	if err := w.dispatcher.Retry(w.jobCtx, job, delay, cause); err != nil {
		if errors.Is(err, queue.ErrClosed) {
			// shutting down; the record stays outstanding for the next Restore
			log.WithError(cause).Warn("job failed during shutdown, retry deferred")
			return
		}
		log.WithError(err).Error("requeue failed")
		w.dispatcher.Exhaust(w.jobCtx, job, err)
		w.metrics.IncJobsDead(string(job.Type))
		return
	}
	w.metrics.IncJobsRetries(string(job.Type))
	log.WithError(cause).WithField("retry_in", delay.String()).Warn("job failed, will retry")
}
