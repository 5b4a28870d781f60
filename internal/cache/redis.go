package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// Per-operation timeouts. Point reads and writes stay fast so a degraded
// Redis cannot stall the request path; scans get more room.
const (
	redisOpTimeout   = 500 * time.Millisecond
	redisScanTimeout = 2 * time.Second
	redisScanCount   = 256
)

// redisNamespace prefixes every key this gateway writes, so Clear and
// DeletePrefix never touch foreign data in a shared instance.
const redisNamespace = "forge:"

// Redis is the shared cache tier. Get and Set degrade gracefully: any
// Redis failure is logged and treated as a miss or no-op, so the gateway
// keeps serving from the in-process tier alone.
type Redis struct {
	client *redis.Client

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewRedisFromClient wraps an existing client. The caller owns its lifecycle.
func NewRedisFromClient(cli *redis.Client) *Redis {
	return &Redis{client: cli}
}

// NewRedisFromURL parses redisURL, connects, and verifies the connection
// with a PING.
func NewRedisFromURL(ctx context.Context, redisURL string) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("cache: parse redis url: %w", err)
	}
	cli := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := cli.Ping(pingCtx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("cache: redis ping: %w", err)
	}
	return &Redis{client: cli}, nil
}

// Get retrieves the value for key. Returns (nil, false) on a miss or any
// Redis error; errors are logged at WARN and not propagated.
func (c *Redis) Get(ctx context.Context, key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	val, err := c.client.Get(ctx, redisNamespace+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.WarnContext(ctx, "cache: redis get failed",
				slog.String("key", key),
				slog.String("error", err.Error()))
		}
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return val, true
}

// Set stores value under key with the given TTL. Redis errors are logged
// and swallowed.
func (c *Redis) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	if err := c.client.Set(ctx, redisNamespace+key, val, ttl).Err(); err != nil {
		slog.WarnContext(ctx, "cache: redis set failed",
			slog.String("key", key),
			slog.String("error", err.Error()))
	}
	return nil
}

// Delete removes key. The error is returned so invalidation paths can
// surface a failed delete instead of silently serving stale data.
func (c *Redis) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	if err := c.client.Del(ctx, redisNamespace+key).Err(); err != nil {
		return fmt.Errorf("cache: redis del %s: %w", key, err)
	}
	return nil
}

// DeletePrefix removes every key beginning with prefix using a SCAN loop,
// never KEYS, so a large shared instance is not blocked.
func (c *Redis) DeletePrefix(ctx context.Context, prefix string) error {
	ctx, cancel := context.WithTimeout(ctx, redisScanTimeout)
	defer cancel()

	pattern := redisNamespace + prefix + "*"
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, redisScanCount).Result()
		if err != nil {
			return fmt.Errorf("cache: redis scan %s: %w", pattern, err)
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("cache: redis del batch: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// Clear removes every key in the gateway's namespace.
func (c *Redis) Clear(ctx context.Context) error {
	return c.DeletePrefix(ctx, "")
}

// Stats reports hit/miss counters. Entries is -1: counting a shared
// keyspace would need a scan.
func (c *Redis) Stats() Stats {
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load(), Entries: -1}
}

// Close releases the Redis connection pool.
func (c *Redis) Close() error {
	return c.client.Close()
}
