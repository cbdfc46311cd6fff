package bootstrap

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Popie52/feedrank/internal/core"
	"github.com/Popie52/feedrank/internal/logging"
	"github.com/Popie52/feedrank/internal/model"
	"github.com/Popie52/feedrank/internal/store"
)

type feedService interface {
	EnqueuePersonalizedFeedJob(ctx context.Context, agentID string) (string, error)
	ReadFeed(ctx context.Context, agentID string, limit int) []model.ScoredItem
	ReadTrending(ctx context.Context, limit int) []model.ScoredItem
	ReadTrendingHashtags(ctx context.Context, limit int) []model.ScoredItem
}

type jobLookup interface {
	Status(ctx context.Context, jobID string) (*model.Job, error)
}

type api struct {
	feeds  feedService
	jobs   jobLookup
	logger logging.Logger
}

func newRouter(feeds feedService, jobs jobLookup, metricsHandler http.Handler, serviceName string, logger logging.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))

	a := &api{feeds: feeds, jobs: jobs, logger: logger}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "service": serviceName})
	})
	router.GET("/metrics", gin.WrapH(metricsHandler))

	router.POST("/feeds/:agentId/generate", a.generateFeed)
	router.GET("/feeds/:agentId", a.readFeed)
	router.GET("/trending/posts", a.readTrending)
	router.GET("/trending/hashtags", a.readHashtags)
	router.GET("/jobs/:id", a.jobStatus)

	return router
}

func requestLogger(logger logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.WithFields(logging.Fields{
			"method":      c.Request.Method,
			"path":        c.FullPath(),
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
		}).Debug("request")
	}
}

func (a *api) generateFeed(c *gin.Context) {
	agentID := c.Param("agentId")
	id, err := a.feeds.EnqueuePersonalizedFeedJob(c.Request.Context(), agentID)
	switch {
	case errors.Is(err, core.ErrClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server is shutting down"})
		return
	case err != nil:
		a.logger.WithError(err).WithField("agent_id", agentID).Error("enqueue personalized feed failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "enqueue failed"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": id})
}

func (a *api) readFeed(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	items := a.feeds.ReadFeed(c.Request.Context(), c.Param("agentId"), limit)
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (a *api) readTrending(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": a.feeds.ReadTrending(c.Request.Context(), limit)})
}

func (a *api) readHashtags(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": a.feeds.ReadTrendingHashtags(c.Request.Context(), limit)})
}

func (a *api) jobStatus(c *gin.Context) {
	job, err := a.jobs.Status(c.Request.Context(), c.Param("id"))
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	case err != nil:
		a.logger.WithError(err).Error("job status lookup failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	c.JSON(http.StatusOK, job)
}

// parseLimit reads ?limit=; absent means the engine default.
func parseLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
		return 0, false
	}
	return n, true
}
