// Package ranking holds the pure scoring and diversification functions used
// to build every ranked feed. Nothing here performs I/O.
package ranking

import (
	"math"
	"sort"
	"time"

	"github.com/Popie52/feedrank/internal/model"
)

const (
	recencyHalfLifeHours = 6.0
	velocityMinAgeHours  = 0.5

	likeWeight   = 1.0
	repostWeight = 2.0
	replyWeight  = 3.0
	quoteWeight  = 2.5

	recencyBlend       = 0.25
	engagementBlend    = 0.20
	velocityBlend      = 0.15
	authorQualityBlend = 0.10
	scoreFloor         = 0.30
)

// Scorer scores posts of one candidate batch. The per-author interaction
// totals are taken from the batch only, never from the full corpus.
type Scorer struct {
	authorTotals map[string]int64
}

func NewScorer(batch []model.CandidatePost) *Scorer {
	return &Scorer{authorTotals: AuthorInteractionTotals(batch)}
}

// Score blends recency, engagement, velocity and author quality.
func (s *Scorer) Score(post model.CandidatePost, now time.Time) float64 {
	age := AgeHours(post.CreatedAt, now)
	engagement := engagementAt(post, age)

	return recencyBlend*recencyAt(age) +
		engagementBlend*engagement +
		velocityBlend*velocityAt(engagement, age) +
		authorQualityBlend*s.AuthorQuality(post) +
		scoreFloor
}

// AuthorQuality is batch interactions for the author over the author's post
// count, 0 when the post count is missing.
func (s *Scorer) AuthorQuality(post model.CandidatePost) float64 {
	if post.AuthorPostCount <= 0 {
		return 0
	}
	return float64(s.authorTotals[post.AuthorID]) / float64(post.AuthorPostCount)
}

// AuthorInteractionTotals sums likes+reposts+replies+quotes per author.
func AuthorInteractionTotals(batch []model.CandidatePost) map[string]int64 {
	totals := make(map[string]int64, len(batch))
	for _, p := range batch {
		totals[p.AuthorID] += nonNeg(p.LikeCount) + nonNeg(p.RepostCount) + nonNeg(p.ReplyCount) + nonNeg(p.QuoteCount)
	}
	return totals
}

// AgeHours is the age of createdAt at now; clock skew clamps to zero.
func AgeHours(createdAt, now time.Time) float64 {
	age := now.Sub(createdAt).Hours()
	if age < 0 || math.IsNaN(age) {
		return 0
	}
	return age
}

func Velocity(post model.CandidatePost, now time.Time) float64 {
	age := AgeHours(post.CreatedAt, now)
	return velocityAt(engagementAt(post, age), age)
}

func recencyAt(age float64) float64 {
	return math.Pow(0.5, age/recencyHalfLifeHours)
}

func engagementAt(post model.CandidatePost, age float64) float64 {
	weighted := float64(nonNeg(post.LikeCount))*likeWeight +
		float64(nonNeg(post.RepostCount))*repostWeight +
		float64(nonNeg(post.ReplyCount))*replyWeight +
		float64(nonNeg(post.QuoteCount))*quoteWeight
	// +2 keeps the denominator at or above log10(2)
	return weighted / math.Log10(age+2)
}

func velocityAt(engagement, age float64) float64 {
	return engagement / math.Max(age, velocityMinAgeHours)
}

func nonNeg(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

// RankPersonalized scores a batch with the blended formula, highest first.
func RankPersonalized(batch []model.CandidatePost, now time.Time) []model.ScoredItem {
	scorer := NewScorer(batch)
	items := make([]model.ScoredItem, len(batch))
	for i, p := range batch {
		items[i] = model.ScoredItem{ItemID: p.ID, AuthorID: p.AuthorID, Score: scorer.Score(p, now)}
	}
	sortDescending(items)
	return items
}

// RankTrending scores a batch by velocity alone.
func RankTrending(batch []model.CandidatePost, now time.Time) []model.ScoredItem {
	items := make([]model.ScoredItem, len(batch))
	for i, p := range batch {
		items[i] = model.ScoredItem{ItemID: p.ID, AuthorID: p.AuthorID, Score: Velocity(p, now)}
	}
	sortDescending(items)
	return items
}

// sortDescending orders by score, then by item ID descending for equal
// scores. That is the order ZREVRANGE returns ties in, so a ranked set reads
// back from the cache exactly as it was written.
func sortDescending(items []model.ScoredItem) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].Score != items[j].Score {
			return items[i].Score > items[j].Score
		}
		return items[i].ItemID > items[j].ItemID
	})
}
