package model

import (
	"encoding/json"
	"time"
)

type JobType string

const (
	JobPersonalizedFeed JobType = "personalized-feed"
	JobTrendingPosts    JobType = "trending-posts"
	JobTrendingHashtags JobType = "trending-hashtags"
)

type JobState string

const (
	StateEnqueued  JobState = "enqueued"
	StateActive    JobState = "active"
	StateCompleted JobState = "completed"
	StateExhausted JobState = "exhausted"
)

// Outstanding reports whether a job in this state still holds its dedup key.
func (s JobState) Outstanding() bool {
	return s == StateEnqueued || s == StateActive
}

type BackoffPolicy struct {
	Base time.Duration `json:"base"`
	Max  time.Duration `json:"max"`
}

// Delay returns the wait before the next attempt once attemptsMade attempts
// have failed: Base * 2^(attemptsMade-1), capped at Max.
func (b BackoffPolicy) Delay(attemptsMade int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	if attemptsMade < 1 {
		attemptsMade = 1
	}
	delay := b.Base
	for i := 1; i < attemptsMade; i++ {
		delay *= 2
		if b.Max > 0 && delay >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && delay > b.Max {
		return b.Max
	}
	return delay
}

type Job struct {
	ID        string          `json:"id"`
	Type      JobType         `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	RunAt     time.Time       `json:"run_at"`
	Priority  int             `json:"priority"`

	Attempts    int           `json:"attempts"`
	MaxAttempts int           `json:"max_attempts"`
	Backoff     BackoffPolicy `json:"backoff"`

	State      JobState  `json:"state"`
	LastError  string    `json:"last_error,omitempty"`
	PickedAt   time.Time `json:"picked_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// Clone returns a copy safe to hand to another goroutine. Payload bytes are
// shared; they are never mutated after creation.
func (j *Job) Clone() *Job {
	c := *j
	return &c
}

type PersonalizedFeedPayload struct {
	AgentID string `json:"agent_id"`
}
