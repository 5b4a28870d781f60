package worker

import (
	"context"
	"log/slog"
	"time"
)

const (
	janitorInterval = 5 * time.Minute
	// janitorMaxAge is how long an open usage row may sit before it counts
	// as stale. Finalization normally lands within seconds; an hour of
	// slack covers long streams.
	janitorMaxAge = time.Hour
)

// StaleUsageStore is the persistence surface the janitor reads.
type StaleUsageStore interface {
	CountStaleUsage(ctx context.Context, olderThan time.Time) (int64, error)
}

// Janitor periodically counts usage rows that were opened but never
// finalized. Rows go stale when the process died between the upstream
// call and the detached close; the count surfaces in logs so operators
// notice lost accounting.
type Janitor struct {
	store    StaleUsageStore
	interval time.Duration
	maxAge   time.Duration
}

// NewJanitor creates a janitor over the given store.
func NewJanitor(store StaleUsageStore) *Janitor {
	return &Janitor{store: store, interval: janitorInterval, maxAge: janitorMaxAge}
}

// Name returns the worker identifier.
func (j *Janitor) Name() string { return "usage_janitor" }

// Run sweeps on a periodic schedule until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

func (j *Janitor) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-j.maxAge)
	n, err := j.store.CountStaleUsage(ctx, cutoff)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "stale usage sweep failed",
			slog.String("error", err.Error()),
		)
		return
	}
	if n > 0 {
		slog.LogAttrs(ctx, slog.LevelWarn, "usage rows stuck open",
			slog.Int64("count", n),
			slog.Time("older_than", cutoff),
		)
	}
}
