package config

import (
	"fmt"
	"time"
)

type Config struct {
	ServiceName string
	HTTPAddr    string
	DatabaseURL string
	RedisURL    string
	JobStore    string

	WorkerConcurrency  int
	RateLimitPerMinute int
	MaxAttempts        int
	BackoffBase        time.Duration
	BackoffMax         time.Duration
	JobRetention       time.Duration
	JobStuckAfter      time.Duration
	ShutdownGrace      time.Duration

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

	FeedTTL       time.Duration
	TrendingTTL   time.Duration
	HashtagTTL    time.Duration
	TrendingEvery time.Duration
	HashtagEvery  time.Duration

	BreakerEnabled bool
}

// Load reads configuration from the process environment. Required values
// are checked by Validate.
func Load() Config {
	return Config{
		ServiceName: GetEnv("SERVICE_NAME", "feedrank"),
		HTTPAddr:    GetEnv("HTTP_ADDR", ":8080"),
		DatabaseURL: GetEnv("DATABASE_URL", ""),
		RedisURL:    GetEnv("REDIS_URL", ""),
		JobStore:    GetEnv("JOB_STORE", "redis"),

		WorkerConcurrency:  GetEnvInt("WORKER_CONCURRENCY", 5),
		RateLimitPerMinute: GetEnvInt("RATE_LIMIT_PER_MINUTE", 50),
		MaxAttempts:        GetEnvInt("JOB_MAX_ATTEMPTS", 3),
		BackoffBase:        GetEnvDuration("JOB_BACKOFF_BASE", 2*time.Second),
		BackoffMax:         GetEnvDuration("JOB_BACKOFF_MAX", time.Minute),
		JobRetention:       GetEnvDuration("JOB_RETENTION", time.Hour),
		JobStuckAfter:      GetEnvDuration("JOB_STUCK_AFTER", 5*time.Minute),
		ShutdownGrace:      GetEnvDuration("SHUTDOWN_GRACE", 10*time.Second),

		DiversityCap: GetEnvInt("DIVERSITY_CAP", 2),
		FeedSize:     GetEnvInt("FEED_SIZE", 100),
		TrendingSize: GetEnvInt("TRENDING_SIZE", 200),
		HashtagSize:  GetEnvInt("HASHTAG_SIZE", 100),

		FeedWindow:             GetEnvDuration("FEED_WINDOW", 48*time.Hour),
		FeedCandidateLimit:     GetEnvInt("FEED_CANDIDATE_LIMIT", 1000),
		TrendingWindow:         GetEnvDuration("TRENDING_WINDOW", 6*time.Hour),
		TrendingCandidateLimit: GetEnvInt("TRENDING_CANDIDATE_LIMIT", 2000),
		HashtagWindow:          GetEnvDuration("HASHTAG_WINDOW", 24*time.Hour),
		HashtagCandidateLimit:  GetEnvInt("HASHTAG_CANDIDATE_LIMIT", 5000),

		FeedTTL:       GetEnvDuration("FEED_TTL", 10*time.Minute),
		TrendingTTL:   GetEnvDuration("TRENDING_TTL", 5*time.Minute),
		HashtagTTL:    GetEnvDuration("HASHTAG_TTL", 10*time.Minute),
		TrendingEvery: GetEnvDuration("TRENDING_EVERY", 2*time.Minute),
		HashtagEvery:  GetEnvDuration("HASHTAG_EVERY", 5*time.Minute),

		BreakerEnabled: GetEnvBool("DB_BREAKER_ENABLED", true),
	}
}

type MissingError struct {
	Key string
}

func (e *MissingError) Error() string {
	return "environment variable " + e.Key + " is required but not set"
}

func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return &MissingError{Key: "DATABASE_URL"}
	}
	if c.RedisURL == "" {
		return &MissingError{Key: "REDIS_URL"}
	}
	if c.JobStore != "redis" && c.JobStore != "memory" {
		return fmt.Errorf("JOB_STORE must be redis or memory, got %q", c.JobStore)
	}
	if c.JobStuckAfter <= 0 {
		return fmt.Errorf("JOB_STUCK_AFTER must be positive, got %s", c.JobStuckAfter)
	}
	return nil
}
