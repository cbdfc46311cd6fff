// Package engine wires candidate fetch, scoring, diversification and the
// ranked cache into job handlers, and serves reads from the cache.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/Popie52/feedrank/internal/cache"
	"github.com/Popie52/feedrank/internal/candidates"
	"github.com/Popie52/feedrank/internal/core"
	"github.com/Popie52/feedrank/internal/logging"
	"github.com/Popie52/feedrank/internal/metrics"
	"github.com/Popie52/feedrank/internal/model"
	"github.com/Popie52/feedrank/internal/ranking"
)

const (
	TrendingPostsJobID    = "trending:posts"
	TrendingHashtagsJobID = "trending:hashtags"

	personalizedPriority = 10
)

var agentNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("feedrank/personalized-feed"))

// PersonalizedJobID is stable per agent so repeated triggers collapse.
func PersonalizedJobID(agentID string) string {
	return "feed:" + uuid.NewSHA1(agentNamespace, []byte(agentID)).String()
}

type Config struct {
	DiversityCap int
	FeedSize     int
	TrendingSize int
	HashtagSize  int

	FeedWindow             time.Duration
	FeedCandidateLimit     int
	TrendingWindow         time.Duration
	TrendingCandidateLimit int
	HashtagWindow          time.Duration
	HashtagCandidateLimit  int

	FeedTTL     time.Duration
	TrendingTTL time.Duration
	HashtagTTL  time.Duration

	TrendingEvery time.Duration
	HashtagEvery  time.Duration
}

func DefaultConfig() Config {
	return Config{
		DiversityCap:           ranking.DefaultMaxPerAuthor,
		FeedSize:               100,
		TrendingSize:           200,
		HashtagSize:            100,
		FeedWindow:             48 * time.Hour,
		FeedCandidateLimit:     1000,
		TrendingWindow:         6 * time.Hour,
		TrendingCandidateLimit: 2000,
		HashtagWindow:          24 * time.Hour,
		HashtagCandidateLimit:  5000,
		FeedTTL:                10 * time.Minute,
		TrendingTTL:            5 * time.Minute,
		HashtagTTL:             10 * time.Minute,
		TrendingEvery:          2 * time.Minute,
		HashtagEvery:           5 * time.Minute,
	}
}

// Enqueuer is the part of the dispatcher the engine submits work through.
type Enqueuer interface {
	Enqueue(ctx context.Context, job *model.Job) (string, error)
}

type Engine struct {
	source  candidates.Source
	cache   cache.Ranked
	queue   Enqueuer
	cfg     Config
	metrics metrics.EngineFn
	logger  logging.Logger
	now     func() time.Time
	sf      singleflight.Group
}

func New(source candidates.Source, ranked cache.Ranked, q Enqueuer, cfg Config, m metrics.EngineFn, logger logging.Logger) *Engine {
	return &Engine{
		source:  source,
		cache:   ranked,
		queue:   q,
		cfg:     cfg,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// Handlers maps each job type to its generation routine.
func (e *Engine) Handlers() map[model.JobType]core.Handler {
	return map[model.JobType]core.Handler{
		model.JobPersonalizedFeed: e.handlePersonalizedFeed,
		model.JobTrendingPosts:    e.handleTrendingPosts,
		model.JobTrendingHashtags: e.handleTrendingHashtags,
	}
}

// EnqueuePersonalizedFeedJob is fire-and-forget and idempotent per agent.
func (e *Engine) EnqueuePersonalizedFeedJob(ctx context.Context, agentID string) (string, error) {
	if agentID == "" {
		return "", errors.New("agent id is required")
	}
	payload, err := json.Marshal(model.PersonalizedFeedPayload{AgentID: agentID})
	if err != nil {
		return "", err
	}
	return e.queue.Enqueue(ctx, &model.Job{
		ID:       PersonalizedJobID(agentID),
		Type:     model.JobPersonalizedFeed,
		Payload:  payload,
		Priority: personalizedPriority,
	})
}

func (e *Engine) enqueueTrendingPosts(ctx context.Context) (string, error) {
	return e.queue.Enqueue(ctx, &model.Job{ID: TrendingPostsJobID, Type: model.JobTrendingPosts})
}

func (e *Engine) enqueueTrendingHashtags(ctx context.Context) (string, error) {
	return e.queue.Enqueue(ctx, &model.Job{ID: TrendingHashtagsJobID, Type: model.JobTrendingHashtags})
}

func (e *Engine) handlePersonalizedFeed(ctx context.Context, job *model.Job) error {
	var p model.PersonalizedFeedPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if p.AgentID == "" {
		return errors.New("payload missing agent id")
	}

	items, err := e.computeFeed(ctx, p.AgentID)
	if err != nil {
		return err
	}
	return e.publish(ctx, job, cache.FeedKey(p.AgentID), items, e.cfg.FeedTTL)
}

func (e *Engine) handleTrendingPosts(ctx context.Context, job *model.Job) error {
	items, err := e.computeTrending(ctx)
	if err != nil {
		return err
	}
	return e.publish(ctx, job, cache.TrendingPostsKey, items, e.cfg.TrendingTTL)
}

func (e *Engine) handleTrendingHashtags(ctx context.Context, job *model.Job) error {
	items, err := e.computeHashtags(ctx)
	if err != nil {
		return err
	}
	return e.publish(ctx, job, cache.TrendingHashtagsKey, items, e.cfg.HashtagTTL)
}

func (e *Engine) computeFeed(ctx context.Context, agentID string) ([]model.ScoredItem, error) {
	now := e.now()
	posts, err := e.source.FetchCandidates(ctx, model.Last(e.cfg.FeedWindow, now), agentID, e.cfg.FeedCandidateLimit)
	if err != nil {
		return nil, fmt.Errorf("fetch feed candidates: %w", err)
	}
	return ranking.Diversify(ranking.RankPersonalized(posts, now), e.cfg.DiversityCap, e.cfg.FeedSize), nil
}

func (e *Engine) computeTrending(ctx context.Context) ([]model.ScoredItem, error) {
	now := e.now()
	posts, err := e.source.FetchCandidates(ctx, model.Last(e.cfg.TrendingWindow, now), "", e.cfg.TrendingCandidateLimit)
	if err != nil {
		return nil, fmt.Errorf("fetch trending candidates: %w", err)
	}
	return ranking.Diversify(ranking.RankTrending(posts, now), e.cfg.DiversityCap, e.cfg.TrendingSize), nil
}

func (e *Engine) computeHashtags(ctx context.Context) ([]model.ScoredItem, error) {
	now := e.now()
	posts, err := e.source.FetchCandidates(ctx, model.Last(e.cfg.HashtagWindow, now), "", e.cfg.HashtagCandidateLimit)
	if err != nil {
		return nil, fmt.Errorf("fetch hashtag candidates: %w", err)
	}
	tags := ranking.CountHashtags(posts)
	if e.cfg.HashtagSize > 0 && len(tags) > e.cfg.HashtagSize {
		tags = tags[:e.cfg.HashtagSize]
	}
	return tags, nil
}

func (e *Engine) publish(ctx context.Context, job *model.Job, key string, items []model.ScoredItem, ttl time.Duration) error {
	if err := e.cache.Replace(ctx, key, items, ttl); err != nil {
		return err
	}
	e.metrics.IncCacheReplace(cache.Class(key), len(items) == 0)
	e.logger.WithFields(logging.Fields{
		"job_id":    job.ID,
		"job_type":  job.Type,
		"cache_key": key,
		"items":     len(items),
	}).Debug("ranked set replaced")
	return nil
}
