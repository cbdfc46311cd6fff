package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	goredis "github.com/redis/go-redis/v9"

	"github.com/Popie52/feedrank/internal/cache"
	"github.com/Popie52/feedrank/internal/candidates"
	"github.com/Popie52/feedrank/internal/config"
	"github.com/Popie52/feedrank/internal/core"
	"github.com/Popie52/feedrank/internal/engine"
	"github.com/Popie52/feedrank/internal/logging"
	"github.com/Popie52/feedrank/internal/metrics"
	"github.com/Popie52/feedrank/internal/model"
	"github.com/Popie52/feedrank/internal/queue"
	"github.com/Popie52/feedrank/internal/redis"
	"github.com/Popie52/feedrank/internal/schedule"
	"github.com/Popie52/feedrank/internal/store"
)

const (
	keyPrefix           = "feedrank:"
	maintenanceInterval = 10 * time.Second
)

func Run() {
	bootLogger := logging.NewLogger()
	config.LoadEnv(bootLogger)

	cfg := config.Load()
	logger := logging.NewLoggerWithService(cfg.ServiceName)
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("invalid configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sig
		logger.Info("shutdown signal received")
		cancel()
	}()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Fatal("feedrank exited with error")
	}
	logger.Info("bootstrap exiting")
}

func run(ctx context.Context, cfg config.Config, logger logging.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m := metrics.New(cfg.ServiceName)

	// database
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	err = db.PingContext(pingCtx)
	pingCancel()
	if err != nil {
		return err
	}

	redisClient, err := redis.NewClientFromURL(ctx, cfg.RedisURL)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	// job store
	jobStore := newJobStore(cfg, redisClient)

	// queue + dispatcher
	q := queue.NewQueue()
	dispatcher := core.NewDispatcher(q, jobStore, m, logger, core.JobDefaults{
		MaxAttempts: cfg.MaxAttempts,
		Backoff:     model.BackoffPolicy{Base: cfg.BackoffBase, Max: cfg.BackoffMax},
	})

	// restart recovery
	restored, err := dispatcher.Restore(ctx)
	if err != nil {
		return err
	}
	if restored > 0 {
		logger.WithField("jobs", restored).Info("restored outstanding jobs")
	}

	go maintenanceLoop(ctx, jobStore, dispatcher, cfg, logger)

	// engine
	var source candidates.Source = candidates.NewPostgresSource(db)
	if cfg.BreakerEnabled {
		source = candidates.NewBreakerSource(source, candidates.BreakerConfig{Logger: logger})
	}
	eng := engine.New(source, cache.NewRedisRanked(redisClient, keyPrefix), dispatcher, engineConfig(cfg), m, logger)

	pool := core.NewPool(dispatcher, eng.Handlers(), core.PoolConfig{
		Concurrency:   cfg.WorkerConcurrency,
		RateLimit:     cfg.RateLimitPerMinute,
		RateWindow:    time.Minute,
		ShutdownGrace: cfg.ShutdownGrace,
	}, m, logger)
	pool.Start(ctx)

	registry := schedule.NewRegistry()
	if err := eng.Bootstrap(ctx, registry); err != nil {
		_ = pool.Close()
		return err
	}
	registry.Start()
	for id, next := range registry.Entries() {
		logger.WithFields(logging.Fields{"job_id": id, "next_run": next}).Info("recurring schedule armed")
	}

	// http
	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           newRouter(eng, dispatcher, m.Handler(), cfg.ServiceName, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.WithField("addr", cfg.HTTPAddr).Info("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("http server error")
			cancel()
		}
	}()

	logger.WithFields(logging.Fields{
		"workers":         cfg.WorkerConcurrency,
		"rate_per_minute": cfg.RateLimitPerMinute,
		"job_store":       cfg.JobStore,
	}).Info("feedrank started")
	<-ctx.Done()

	// intake first, then timers, then the workers; connections close last
	// even when the pool abandons in-flight jobs.
	logger.Info("shutting down http server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http shutdown incomplete")
	}

	registry.Stop()

	logger.Info("waiting for workers to stop...")
	if err := pool.Close(); err != nil {
		logger.WithError(err).Warn("worker pool forced closed")
	}
	return nil
}

func newJobStore(cfg config.Config, client goredis.UniversalClient) store.JobStore {
	if cfg.JobStore == "memory" {
		return store.NewMemoryJobStore()
	}
	return store.NewRedisJobStore(client, keyPrefix, cfg.JobRetention)
}

func engineConfig(cfg config.Config) engine.Config {
	return engine.Config{
		DiversityCap:           cfg.DiversityCap,
		FeedSize:               cfg.FeedSize,
		TrendingSize:           cfg.TrendingSize,
		HashtagSize:            cfg.HashtagSize,
		FeedWindow:             cfg.FeedWindow,
		FeedCandidateLimit:     cfg.FeedCandidateLimit,
		TrendingWindow:         cfg.TrendingWindow,
		TrendingCandidateLimit: cfg.TrendingCandidateLimit,
		HashtagWindow:          cfg.HashtagWindow,
		HashtagCandidateLimit:  cfg.HashtagCandidateLimit,
		FeedTTL:                cfg.FeedTTL,
		TrendingTTL:            cfg.TrendingTTL,
		HashtagTTL:             cfg.HashtagTTL,
		TrendingEvery:          cfg.TrendingEvery,
		HashtagEvery:           cfg.HashtagEvery,
	}
}

type stuckRecoverer interface {
	RecoverStuck(ctx context.Context, cutoff time.Time) (int, error)
}

func maintenanceLoop(ctx context.Context, s store.JobStore, d stuckRecoverer, cfg config.Config, logger logging.Logger) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			maintain(ctx, s, d, cfg, now, logger)
		}
	}
}

// maintain requeues jobs stuck active past JobStuckAfter and drops finished
// records older than JobRetention.
func maintain(ctx context.Context, s store.JobStore, d stuckRecoverer, cfg config.Config, now time.Time, logger logging.Logger) {
	if n, err := d.RecoverStuck(ctx, now.Add(-cfg.JobStuckAfter)); err != nil {
		logger.WithError(err).Warn("recover stuck jobs failed")
	} else if n > 0 {
		logger.WithField("jobs", n).Warn("recovered stuck jobs")
	}

	n, err := s.Prune(ctx, now.Add(-cfg.JobRetention))
	if err != nil {
		logger.WithError(err).Warn("prune finished jobs failed")
		return
	}
	if n > 0 {
		logger.WithField("jobs", n).Debug("pruned finished jobs")
	}
}
