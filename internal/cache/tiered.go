package cache

import (
	"context"
	"errors"
	"time"
)

// l1PopulateTTL bounds how long an L2 hit copied into L1 may outlive an
// invalidation performed by another replica.
const l1PopulateTTL = time.Minute

// Tiered composes the in-process tier with an optional shared tier.
// Reads check L1 first and fall through to L2, populating L1 on a hit.
// Writes and invalidations fan out to both tiers.
type Tiered struct {
	l1 Cache
	l2 Cache // nil when no shared tier is configured
}

// NewTiered builds a Tiered cache. l2 may be nil.
func NewTiered(l1, l2 Cache) *Tiered {
	return &Tiered{l1: l1, l2: l2}
}

// Get reads through the tiers.
func (t *Tiered) Get(ctx context.Context, key string) ([]byte, bool) {
	if val, ok := t.l1.Get(ctx, key); ok {
		return val, true
	}
	if t.l2 == nil {
		return nil, false
	}
	val, ok := t.l2.Get(ctx, key)
	if !ok {
		return nil, false
	}
	_ = t.l1.Set(ctx, key, val, l1PopulateTTL)
	return val, true
}

// Set writes to both tiers with the same TTL.
func (t *Tiered) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	err := t.l1.Set(ctx, key, val, ttl)
	if t.l2 != nil {
		err = errors.Join(err, t.l2.Set(ctx, key, val, ttl))
	}
	return err
}

// Delete removes the key from both tiers.
func (t *Tiered) Delete(ctx context.Context, key string) error {
	err := t.l1.Delete(ctx, key)
	if t.l2 != nil {
		err = errors.Join(err, t.l2.Delete(ctx, key))
	}
	return err
}

// DeletePrefix removes matching keys from both tiers.
func (t *Tiered) DeletePrefix(ctx context.Context, prefix string) error {
	err := t.l1.DeletePrefix(ctx, prefix)
	if t.l2 != nil {
		err = errors.Join(err, t.l2.DeletePrefix(ctx, prefix))
	}
	return err
}

// Clear empties both tiers.
func (t *Tiered) Clear(ctx context.Context) error {
	err := t.l1.Clear(ctx)
	if t.l2 != nil {
		err = errors.Join(err, t.l2.Clear(ctx))
	}
	return err
}

// Stats sums both tiers' counters; Entries reports the in-process count.
func (t *Tiered) Stats() Stats {
	s := t.l1.Stats()
	if t.l2 != nil {
		l2 := t.l2.Stats()
		s.Hits += l2.Hits
		s.Misses += l2.Misses
	}
	return s
}
