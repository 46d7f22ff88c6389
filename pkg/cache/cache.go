package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/redis/go-redis/v9"

	"github.com/gkmanev/BatteryBackend/pkg/log"
)

const (
	dialTimeout  = 5 * time.Second
	readTimeout  = 3 * time.Second
	writeTimeout = 3 * time.Second
)

// Cache memoizes expensive aggregate responses (cumulative reconciled series,
// revenue) in Redis with a short TTL. Writers must call Invalidate when new
// rows land at covered timestamps so a stale aggregate is never served past
// the write. With no Redis address configured every operation is a no-op and
// callers recompute on each request.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// Configured sets up the cache based on flags.
func Configured() *Cache {
	addr := lflag.String("redis-addr", "", "Redis address for the aggregate cache (empty disables caching)")
	password := lflag.String("redis-password", "", "Redis password")
	ttl := lflag.Duration("cache-ttl", 2*time.Minute, "TTL for memoized aggregate series")

	c := &Cache{}
	lflag.Do(func() {
		c.ttl = *ttl
		if *addr == "" {
			return
		}
		c.client = redis.NewClient(&redis.Options{
			Addr:         *addr,
			Password:     *password,
			DialTimeout:  dialTimeout,
			ReadTimeout:  readTimeout,
			WriteTimeout: writeTimeout,
		})
	})
	return c
}

// New wraps an existing Redis client. A nil client disables the cache.
func New(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

// Enabled reports whether a Redis backend is configured.
func (c *Cache) Enabled() bool {
	return c.client != nil
}

// GetJSON loads the cached value for key into dst. The boolean is false on a
// miss; cache errors are logged and treated as misses.
func (c *Cache) GetJSON(ctx context.Context, key string, dst interface{}) bool {
	if c.client == nil {
		return false
	}
	raw, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false
	}
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "cache read failed", slog.String("key", key), slog.Any("error", err))
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "cache entry corrupt", slog.String("key", key), slog.Any("error", err))
		return false
	}
	return true
}

// SetJSON stores v under key with the configured TTL. Failures are logged,
// never returned: the cache is best-effort.
func (c *Cache) SetJSON(ctx context.Context, key string, v interface{}) {
	if c.client == nil {
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "cache marshal failed", slog.String("key", key), slog.Any("error", err))
		return
	}
	if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "cache write failed", slog.String("key", key), slog.Any("error", err))
	}
}

// Invalidate removes every key matching prefix ("prefix*").
func (c *Cache) Invalidate(ctx context.Context, prefix string) {
	if c.client == nil {
		return
	}
	iter := c.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "cache scan failed", slog.String("prefix", prefix), slog.Any("error", err))
		return
	}
	if len(keys) == 0 {
		return
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "cache invalidation failed", slog.String("prefix", prefix), slog.Any("error", err))
	}
}

// Close releases the Redis connection.
func (c *Cache) Close() error {
	if c.client == nil {
		return nil
	}
	if err := c.client.Close(); err != nil {
		return fmt.Errorf("failed to close redis client: %w", err)
	}
	return nil
}
