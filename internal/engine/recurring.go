package engine

import (
	"context"
	"errors"

	"github.com/Popie52/feedrank/internal/core"
	"github.com/Popie52/feedrank/internal/logging"
	"github.com/Popie52/feedrank/internal/model"
	"github.com/Popie52/feedrank/internal/schedule"
)

// Scheduler is the recurring-timer registry the engine installs itself into.
type Scheduler interface {
	Clear() int
	Register(s schedule.Recurring, fn func()) error
}

// Schedules are the canonical recurring aggregations.
func (e *Engine) Schedules() []schedule.Recurring {
	return []schedule.Recurring{
		{JobType: model.JobTrendingPosts, Every: e.cfg.TrendingEvery, JobID: TrendingPostsJobID},
		{JobType: model.JobTrendingHashtags, Every: e.cfg.HashtagEvery, JobID: TrendingHashtagsJobID},
	}
}

// Bootstrap clears previously registered schedules, registers the canonical
// ones and enqueues one immediate run of each to warm the caches.
func (e *Engine) Bootstrap(ctx context.Context, registry Scheduler) error {
	if removed := registry.Clear(); removed > 0 {
		e.logger.WithField("removed", removed).Info("cleared stale recurring schedules")
	}

	for _, s := range e.Schedules() {
		enqueue := e.enqueueFor(s.JobType)
		if err := registry.Register(s, func() {
			if _, err := enqueue(context.Background()); err != nil && !errors.Is(err, core.ErrClosed) {
				e.logger.WithError(err).WithField("job_id", s.JobID).Error("recurring enqueue failed")
			}
		}); err != nil {
			return err
		}
		e.logger.WithFields(logging.Fields{
			"job_id": s.JobID,
			"every":  s.Every.String(),
		}).Info("recurring schedule registered")
	}

	for _, s := range e.Schedules() {
		if _, err := e.enqueueFor(s.JobType)(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) enqueueFor(t model.JobType) func(context.Context) (string, error) {
	if t == model.JobTrendingHashtags {
		return e.enqueueTrendingHashtags
	}
	return e.enqueueTrendingPosts
}
