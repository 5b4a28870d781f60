package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeStaleStore struct {
	mu     sync.Mutex
	count  int64
	err    error
	calls  int
	cutoff time.Time
}

func (s *fakeStaleStore) CountStaleUsage(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.cutoff = olderThan
	return s.count, s.err
}

func TestJanitorSweep(t *testing.T) {
	t.Parallel()

	store := &fakeStaleStore{count: 3}
	j := NewJanitor(store)
	j.sweep(context.Background())

	store.mu.Lock()
	defer store.mu.Unlock()
	if store.calls != 1 {
		t.Fatalf("store calls = %d, want 1", store.calls)
	}
	if age := time.Since(store.cutoff); age < janitorMaxAge || age > janitorMaxAge+time.Minute {
		t.Errorf("cutoff age = %v, want about %v", age, janitorMaxAge)
	}
}

func TestJanitorSweepStoreError(t *testing.T) {
	t.Parallel()

	store := &fakeStaleStore{err: errors.New("db closed")}
	j := NewJanitor(store)
	// Must not panic; the error is logged and the next tick retries.
	j.sweep(context.Background())
}

func TestJanitorRunCancelledContext(t *testing.T) {
	t.Parallel()

	j := NewJanitor(&fakeStaleStore{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := j.Run(ctx); err != nil {
		t.Errorf("Run should return nil on cancelled context, got %v", err)
	}
}

func TestJanitorRunTicks(t *testing.T) {
	t.Parallel()

	store := &fakeStaleStore{count: 1}
	j := NewJanitor(store)
	j.interval = 5 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := j.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if store.calls == 0 {
		t.Error("janitor should have swept at least once")
	}
}
