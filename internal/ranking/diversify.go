package ranking

import "github.com/Popie52/feedrank/internal/model"

const DefaultMaxPerAuthor = 2

// Diversify walks score-sorted items once and keeps an item only while its
// author has fewer than maxPerAuthor admitted items. Skipped items are
// dropped. It stops once limit items are admitted. maxPerAuthor <= 0 disables
// the author cap; limit <= 0 disables truncation.
func Diversify(items []model.ScoredItem, maxPerAuthor, limit int) []model.ScoredItem {
	size := len(items)
	if limit > 0 && limit < size {
		size = limit
	}
	out := make([]model.ScoredItem, 0, size)
	perAuthor := make(map[string]int)

	for _, item := range items {
		if limit > 0 && len(out) >= limit {
			break
		}
		if maxPerAuthor > 0 && perAuthor[item.AuthorID] >= maxPerAuthor {
			continue
		}
		perAuthor[item.AuthorID]++
		out = append(out, item)
	}
	return out
}
