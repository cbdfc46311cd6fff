package ranking

import (
	"regexp"
	"sort"
	"strings"

	"github.com/Popie52/feedrank/internal/model"
)

var hashtagPattern = regexp.MustCompile(`#[\p{L}\p{N}_]+`)

// ExtractHashtags returns every #token in text, lower-cased, in order of
// appearance. Repeats are kept.
func ExtractHashtags(text string) []string {
	matches := hashtagPattern.FindAllString(text, -1)
	for i, m := range matches {
		matches[i] = strings.ToLower(m)
	}
	return matches
}

// CountHashtags ranks hashtags by raw occurrence count over the batch.
// Equal counts are ordered by tag so output is deterministic.
func CountHashtags(batch []model.CandidatePost) []model.ScoredItem {
	counts := make(map[string]int)
	for _, p := range batch {
		for _, tag := range ExtractHashtags(p.TextContent) {
			counts[tag]++
		}
	}

	items := make([]model.ScoredItem, 0, len(counts))
	for tag, n := range counts {
		items = append(items, model.ScoredItem{ItemID: tag, Score: float64(n)})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Score != items[j].Score {
			return items[i].Score > items[j].Score
		}
		return items[i].ItemID < items[j].ItemID
	})
	return items
}
