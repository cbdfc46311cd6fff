// Package cache stores ranked result sets as Redis sorted sets. Each key
// holds a complete snapshot from exactly one job run.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/Popie52/feedrank/internal/model"
)

type Ranked interface {
	Replace(ctx context.Context, key string, items []model.ScoredItem, ttl time.Duration) error
	TopN(ctx context.Context, key string, n int) ([]model.ScoredItem, error)
}

type RedisRanked struct {
	client goredis.UniversalClient
	prefix string
}

func NewRedisRanked(client goredis.UniversalClient, prefix string) *RedisRanked {
	return &RedisRanked{client: client, prefix: prefix}
}

func (c *RedisRanked) key(k string) string {
	return c.prefix + k
}

// Replace swaps the whole set under key inside one MULTI/EXEC so readers see
// either the previous snapshot or the new one. An empty items slice clears the
// key and installs nothing.
func (c *RedisRanked) Replace(ctx context.Context, key string, items []model.ScoredItem, ttl time.Duration) error {
	if len(items) > 0 && ttl <= 0 {
		return fmt.Errorf("replace %s: ttl must be positive", key)
	}
	k := c.key(key)

	pipe := c.client.TxPipeline()
	pipe.Del(ctx, k)
	var expire *goredis.BoolCmd
	if len(items) > 0 {
		members := make([]goredis.Z, len(items))
		for i, it := range items {
			members[i] = goredis.Z{Score: it.Score, Member: it.ItemID}
		}
		pipe.ZAdd(ctx, k, members...)
		expire = pipe.Expire(ctx, k, ttl)
	}

	_, err := pipe.Exec(ctx)
	if err == nil {
		return nil
	}

	// A set left without its TTL would never expire; drop it.
	if expire != nil {
		if delErr := c.client.Del(ctx, k).Err(); delErr != nil {
			return fmt.Errorf("replace %s: %w", key, errors.Join(err, fmt.Errorf("compensating delete: %w", delErr)))
		}
	}
	return fmt.Errorf("replace %s: %w", key, err)
}

// TopN returns up to n members by descending score. A missing or expired key
// yields an empty slice.
func (c *RedisRanked) TopN(ctx context.Context, key string, n int) ([]model.ScoredItem, error) {
	if n <= 0 {
		return []model.ScoredItem{}, nil
	}
	zs, err := c.client.ZRevRangeWithScores(ctx, c.key(key), 0, int64(n-1)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return []model.ScoredItem{}, nil
		}
		return nil, fmt.Errorf("top %d of %s: %w", n, key, err)
	}

	items := make([]model.ScoredItem, 0, len(zs))
	for _, z := range zs {
		member, ok := z.Member.(string)
		if !ok {
			member = fmt.Sprint(z.Member)
		}
		items = append(items, model.ScoredItem{ItemID: member, Score: z.Score})
	}
	return items, nil
}

// TTL reports the remaining lifetime of key; negative when absent or unset.
func (c *RedisRanked) TTL(ctx context.Context, key string) (time.Duration, error) {
	return c.client.TTL(ctx, c.key(key)).Result()
}
