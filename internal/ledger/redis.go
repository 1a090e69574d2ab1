package ledger

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/SYSNET-LUMS/urlmeter/internal/domain"
)

const (
	cachePrefix = "urlmeter:done:"
	cacheSep    = " :: "
	cacheTTL    = 30 * 24 * time.Hour
)

// RedisCache is a best-effort completion cache layered next to the durable
// ledger. Final pairs are marked with a TTL; at startup the marks are unioned
// into the resume set. Losing the cache only costs re-fetches, never
// correctness, so every error here is soft.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache(ctx context.Context, addr string) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &RedisCache{client: client}, nil
}

// MarkCompleted records a final pair with a TTL.
func (c *RedisCache) MarkCompleted(ctx context.Context, p domain.Pair) error {
	return c.client.Set(ctx, cachePrefix+p.GroupID+cacheSep+p.URL, "1", cacheTTL).Err()
}

// Completed scans the cache for marked pairs.
func (c *RedisCache) Completed(ctx context.Context) (map[domain.Pair]struct{}, error) {
	done := make(map[domain.Pair]struct{})
	iter := c.client.Scan(ctx, 0, cachePrefix+"*", 1000).Iterator()
	for iter.Next(ctx) {
		key := strings.TrimPrefix(iter.Val(), cachePrefix)
		parts := strings.SplitN(key, cacheSep, 2)
		if len(parts) != 2 {
			continue
		}
		done[domain.Pair{GroupID: parts[0], URL: parts[1]}] = struct{}{}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return done, nil
}

// Close shuts the client down.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
