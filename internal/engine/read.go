package engine

import (
	"context"
	"time"

	"github.com/Popie52/feedrank/internal/cache"
	"github.com/Popie52/feedrank/internal/logging"
	"github.com/Popie52/feedrank/internal/model"
)

// ReadFeed returns the agent's cached feed. On a miss it recomputes the feed
// inline and queues a generation so the next read hits. Errors are logged,
// never returned.
func (e *Engine) ReadFeed(ctx context.Context, agentID string, limit int) []model.ScoredItem {
	if agentID == "" {
		return []model.ScoredItem{}
	}
	limit = clampLimit(limit, e.cfg.FeedSize)
	key := cache.FeedKey(agentID)

	items := e.readOrCompute(ctx, key, limit, func(ctx context.Context) ([]model.ScoredItem, error) {
		return e.computeFeed(ctx, agentID)
	})
	if items.fallback {
		if _, err := e.EnqueuePersonalizedFeedJob(context.WithoutCancel(ctx), agentID); err != nil {
			e.logger.WithError(err).WithField("agent_id", agentID).Warn("warm-up enqueue failed")
		}
	}
	return items.items
}

func (e *Engine) ReadTrending(ctx context.Context, limit int) []model.ScoredItem {
	limit = clampLimit(limit, e.cfg.TrendingSize)
	return e.readOrCompute(ctx, cache.TrendingPostsKey, limit, e.computeTrending).items
}

func (e *Engine) ReadTrendingHashtags(ctx context.Context, limit int) []model.ScoredItem {
	limit = clampLimit(limit, e.cfg.HashtagSize)
	return e.readOrCompute(ctx, cache.TrendingHashtagsKey, limit, e.computeHashtags).items
}

const fallbackTimeout = 5 * time.Second

type readResult struct {
	items    []model.ScoredItem
	fallback bool
}

func (e *Engine) readOrCompute(ctx context.Context, key string, limit int, compute func(context.Context) ([]model.ScoredItem, error)) readResult {
	items, err := e.cache.TopN(ctx, key, limit)
	if err != nil {
		e.logger.WithError(err).WithField("cache_key", key).Warn("cache read failed, recomputing")
	} else if len(items) > 0 {
		return readResult{items: items}
	}

	e.metrics.IncFallback(cache.Class(key))
	// concurrent misses on one key share a single recomputation, detached
	// from whichever caller started it
	v, err, _ := e.sf.Do(key, func() (interface{}, error) {
		computeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fallbackTimeout)
		defer cancel()
		return compute(computeCtx)
	})
	if err != nil {
		e.logger.WithError(err).WithFields(logging.Fields{"cache_key": key}).Warn("fallback recompute failed")
		return readResult{items: []model.ScoredItem{}, fallback: true}
	}

	computed := v.([]model.ScoredItem)
	if len(computed) > limit {
		computed = computed[:limit]
	}
	out := make([]model.ScoredItem, len(computed))
	copy(out, computed)
	return readResult{items: out, fallback: true}
}

func clampLimit(limit, ceiling int) int {
	if limit <= 0 || (ceiling > 0 && limit > ceiling) {
		return ceiling
	}
	return limit
}
