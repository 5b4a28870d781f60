// Package cache provides the gateway's metadata caching.
//
// Two tiers are available:
//   - Memory — in-process TTL cache, always present.
//   - Redis  — optional shared tier for multi-replica deployments.
//
// Tiered composes them behind one interface: reads check memory first,
// then Redis, and writes and invalidations fan out to both.
package cache

import (
	"context"
	"time"
)

// Cache is the uniform surface both tiers implement.
type Cache interface {
	// Get retrieves a cached value by key.
	Get(ctx context.Context, key string) ([]byte, bool)
	// Set stores a value with the given TTL.
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	// Delete removes a single key.
	Delete(ctx context.Context, key string) error
	// DeletePrefix removes every key beginning with prefix.
	DeletePrefix(ctx context.Context, prefix string) error
	// Clear removes all entries owned by this cache.
	Clear(ctx context.Context) error
	// Stats reports hit/miss counters and the current entry count.
	Stats() Stats
}

// Stats are cumulative counters for one cache instance. Entries is -1 when
// the backend cannot report a cheap count.
type Stats struct {
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
	Entries int64  `json:"entries"`
}
