package cache

const (
	TrendingPostsKey    = "trending:posts"
	TrendingHashtagsKey = "trending:hashtags"

	feedKeyPrefix = "feed:for_you:"
)

// FeedKey is the per-agent personalized feed key.
func FeedKey(agentID string) string {
	return feedKeyPrefix + agentID
}

// Class groups keys for metrics labels so per-agent keys do not explode
// label cardinality.
func Class(key string) string {
	switch key {
	case TrendingPostsKey:
		return "trending_posts"
	case TrendingHashtagsKey:
		return "trending_hashtags"
	}
	if len(key) > len(feedKeyPrefix) && key[:len(feedKeyPrefix)] == feedKeyPrefix {
		return "feed"
	}
	return "other"
}
