package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// drainTimeout bounds how long shutdown waits for in-flight tasks.
const drainTimeout = 30 * time.Second

// Pool runs detached tasks: work that must outlive the request that
// spawned it, like usage finalization. Each task gets its own goroutine
// and a context independent of the submitter's, so a client disconnect
// never cancels accounting.
type Pool struct {
	mu       sync.Mutex
	wg       sync.WaitGroup
	closed   bool
	inflight atomic.Int64
}

// NewPool returns an empty Pool.
func NewPool() *Pool { return &Pool{} }

// Go runs task on its own goroutine with a fresh background context.
// Tasks submitted after shutdown still run but are no longer waited on.
func (p *Pool) Go(task func(ctx context.Context)) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		slog.Warn("task submitted after pool shutdown")
		go task(context.Background())
		return
	}
	p.wg.Add(1)
	p.mu.Unlock()

	p.inflight.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.inflight.Add(-1)
		task(context.Background())
	}()
}

// Inflight reports the number of running tasks.
func (p *Pool) Inflight() int64 { return p.inflight.Load() }

// Name returns the worker identifier.
func (p *Pool) Name() string { return "finalizer_pool" }

// Run blocks until ctx is cancelled, then drains in-flight tasks with a
// timeout.
func (p *Pool) Run(ctx context.Context) error {
	<-ctx.Done()

	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(drainTimeout):
		slog.Warn("pool drain timed out", "inflight", p.inflight.Load())
		return nil
	}
}
