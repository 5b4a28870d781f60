// Package usage accounts inference calls. A row opens before the
// upstream call and a detached task closes it with final token counts
// and cost when the response settles, independent of the client
// connection's lifetime.
package usage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	forge "github.com/forgelabs/forge/internal"
	"github.com/forgelabs/forge/internal/storage"
)

const (
	finalizeTimeout  = 10 * time.Second
	casRetries       = 3
	casRetryInterval = 10 * time.Millisecond
)

// Pricing computes the cost of a finished call from its token usage.
type Pricing interface {
	Cost(provider, model string, u forge.Usage) float64
}

// Store is the persistence surface the tracker needs.
type Store interface {
	storage.UsageStore
	storage.WalletStore
}

// Pool runs detached finalization tasks.
type Pool interface {
	Go(task func(ctx context.Context))
}

// Tracker opens and finalizes usage rows and keeps tenant wallets
// current.
type Tracker struct {
	store   Store
	pricing Pricing
	pool    Pool
	clock   forge.Clock
	sleep   func(time.Duration)
}

// NewTracker returns a Tracker backed by store, priced by pricing, with
// finalization tasks submitted to pool.
func NewTracker(store Store, pricing Pricing, pool Pool) *Tracker {
	return &Tracker{
		store:   store,
		pricing: pricing,
		pool:    pool,
		clock:   forge.SystemClock,
		sleep:   time.Sleep,
	}
}

// OpenParams describes the call being accounted.
type OpenParams struct {
	TenantID     string
	KeyID        string
	CredentialID string
	Provider     string
	// Model is the model string as the caller sent it.
	Model       string
	NativeModel string
	Endpoint    forge.Endpoint
	Billable    bool
}

// Pending is an open usage row awaiting finalization.
type Pending struct {
	Record   *forge.UsageRecord
	provider string
	native   string
	billable bool
	t        *Tracker
}

// Open prechecks the wallet for billable credentials and inserts the
// accounting row with zero counts and a NULL UpdatedAt. An
// ErrPaymentRequired return means no row was created.
func (t *Tracker) Open(ctx context.Context, p OpenParams) (*Pending, error) {
	if p.Billable {
		if err := t.precheck(ctx, p.TenantID); err != nil {
			return nil, err
		}
	}

	rec := &forge.UsageRecord{
		ID:           uuid.Must(uuid.NewV7()).String(),
		TenantID:     p.TenantID,
		CredentialID: p.CredentialID,
		KeyID:        p.KeyID,
		Model:        p.Model,
		Endpoint:     p.Endpoint,
		CreatedAt:    t.clock.Now().UTC(),
	}
	if err := t.store.OpenUsage(ctx, rec); err != nil {
		return nil, fmt.Errorf("usage: open record: %w", err)
	}
	return &Pending{
		Record:   rec,
		provider: p.Provider,
		native:   p.NativeModel,
		billable: p.Billable,
		t:        t,
	}, nil
}

// precheck rejects calls against blocked or non-positive wallets. A
// missing wallet reads as empty.
func (t *Tracker) precheck(ctx context.Context, tenantID string) error {
	w, err := t.store.GetWallet(ctx, tenantID)
	if err != nil {
		if errors.Is(err, forge.ErrNotFound) {
			return fmt.Errorf("usage: tenant %s has no wallet: %w", tenantID, forge.ErrPaymentRequired)
		}
		return fmt.Errorf("usage: wallet precheck: %w", err)
	}
	if w.Blocked || w.Balance <= 0 {
		return fmt.Errorf("usage: wallet blocked or empty: %w", forge.ErrPaymentRequired)
	}
	return nil
}

// FinalizeAsync arms the detached finalization: once the stream or
// unary handler publishes the final usage on ch, the row is closed and
// the wallet deducted. The task runs on the pool with a fresh context,
// so it completes even when the request context is long gone.
func (p *Pending) FinalizeAsync(ch <-chan forge.Usage) {
	p.t.pool.Go(func(ctx context.Context) {
		u, ok := <-ch
		if !ok {
			u = forge.Usage{}
		}
		ctx, cancel := context.WithTimeout(ctx, finalizeTimeout)
		defer cancel()
		p.t.finalize(ctx, p, u)
	})
}

// Finalize arms finalization with an already-known usage, the unary path.
func (p *Pending) Finalize(u forge.Usage) {
	ch := make(chan forge.Usage, 1)
	ch <- u
	close(ch)
	p.FinalizeAsync(ch)
}

func (t *Tracker) finalize(ctx context.Context, p *Pending, u forge.Usage) {
	rec := p.Record
	rec.InputTokens = u.PromptTokens
	rec.OutputTokens = u.CompletionTokens
	rec.CachedTokens = u.Cached()
	rec.ReasoningTokens = u.Reasoning()
	rec.Cost = t.pricing.Cost(p.provider, p.native, u)
	now := t.clock.Now().UTC()
	rec.UpdatedAt = &now

	if err := t.store.FinalizeUsage(ctx, rec); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "usage finalization failed",
			slog.String("record_id", rec.ID),
			slog.String("error", err.Error()),
		)
		// Fall through: the wallet still owes the deduction.
	}

	if p.billable && rec.Cost > 0 {
		t.deduct(ctx, rec.TenantID, rec.Cost)
	}
}

// deduct subtracts cost from the tenant wallet under optimistic
// concurrency. Version conflicts re-read and retry; the balance may go
// negative, admission control happens at open time.
func (t *Tracker) deduct(ctx context.Context, tenantID string, cost float64) {
	for range casRetries {
		w, err := t.store.GetWallet(ctx, tenantID)
		if err != nil {
			slog.LogAttrs(ctx, slog.LevelError, "wallet read failed",
				slog.String("tenant_id", tenantID),
				slog.String("error", err.Error()),
			)
			return
		}
		w.Balance -= cost
		ok, err := t.store.UpdateWalletCAS(ctx, w)
		if err != nil {
			slog.LogAttrs(ctx, slog.LevelError, "wallet update failed",
				slog.String("tenant_id", tenantID),
				slog.String("error", err.Error()),
			)
			return
		}
		if ok {
			return
		}
		t.sleep(casRetryInterval)
	}
	slog.LogAttrs(ctx, slog.LevelError, "wallet deduction abandoned",
		slog.String("tenant_id", tenantID),
		slog.Float64("cost", cost),
	)
}
