package model

import "time"

// CandidatePost is an immutable snapshot of a post plus its author's
// aggregate fields, fetched once per job run.
type CandidatePost struct {
	ID                  string
	AuthorID            string
	CreatedAt           time.Time
	LikeCount           int64
	RepostCount         int64
	ReplyCount          int64
	QuoteCount          int64
	TextContent         string
	AuthorPostCount     int64
	AuthorFollowerCount int64
}

type ScoredItem struct {
	ItemID   string  `json:"item_id"`
	AuthorID string  `json:"author_id,omitempty"`
	Score    float64 `json:"score"`
}

type TimeRange struct {
	From time.Time
	To   time.Time
}

// Last returns the window [now-d, now].
func Last(d time.Duration, now time.Time) TimeRange {
	return TimeRange{From: now.Add(-d), To: now}
}
