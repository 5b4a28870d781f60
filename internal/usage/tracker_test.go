package usage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	forge "github.com/forgelabs/forge/internal"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

// inlinePool runs tasks synchronously so tests observe effects directly.
type inlinePool struct{}

func (inlinePool) Go(task func(ctx context.Context)) { task(context.Background()) }

type fakeStore struct {
	mu        sync.Mutex
	opened    []forge.UsageRecord
	finalized []forge.UsageRecord
	wallets   map[string]*forge.Wallet
	conflicts int // CAS conflicts left to simulate
	casCalls  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{wallets: make(map[string]*forge.Wallet)}
}

func (s *fakeStore) OpenUsage(_ context.Context, r *forge.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened = append(s.opened, *r)
	return nil
}

func (s *fakeStore) FinalizeUsage(_ context.Context, r *forge.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalized = append(s.finalized, *r)
	return nil
}

func (s *fakeStore) GetUsage(context.Context, string) (*forge.UsageRecord, error) {
	return nil, forge.ErrNotFound
}
func (s *fakeStore) ListUsage(context.Context, string, int, int) ([]*forge.UsageRecord, error) {
	return nil, nil
}
func (s *fakeStore) SumUsageCost(context.Context, string) (float64, error) { return 0, nil }
func (s *fakeStore) CountStaleUsage(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (s *fakeStore) GetWallet(_ context.Context, tenantID string) (*forge.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[tenantID]
	if !ok {
		return nil, forge.ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (s *fakeStore) UpsertWallet(_ context.Context, w *forge.Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *w
	s.wallets[w.TenantID] = &cp
	return nil
}

func (s *fakeStore) UpdateWalletCAS(_ context.Context, w *forge.Wallet) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.casCalls++
	cur, ok := s.wallets[w.TenantID]
	if !ok {
		return false, forge.ErrNotFound
	}
	if s.conflicts > 0 {
		s.conflicts--
		cur.Version++ // as a concurrent writer would
		return false, nil
	}
	if cur.Version != w.Version {
		return false, nil
	}
	cp := *w
	cp.Version++
	s.wallets[w.TenantID] = &cp
	return true, nil
}

func (s *fakeStore) balance(tenantID string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wallets[tenantID].Balance
}

type fixedPricing struct {
	cost         float64
	lastProvider string
	lastModel    string
}

func (p *fixedPricing) Cost(provider, model string, _ forge.Usage) float64 {
	p.lastProvider, p.lastModel = provider, model
	return p.cost
}

var testTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestTracker(store *fakeStore, cost float64) (*Tracker, *fixedPricing) {
	pricing := &fixedPricing{cost: cost}
	tr := NewTracker(store, pricing, inlinePool{})
	tr.clock = fixedClock{now: testTime}
	tr.sleep = func(time.Duration) {}
	return tr, pricing
}

func chatParams(billable bool) OpenParams {
	return OpenParams{
		TenantID:     "t-1",
		KeyID:        "key-1",
		CredentialID: "cred-1",
		Provider:     "openai",
		Model:        "openai/gpt-4o",
		NativeModel:  "gpt-4o",
		Endpoint:     forge.EndpointChatCompletions,
		Billable:     billable,
	}
}

func TestOpenInsertsPendingRow(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	tr, _ := newTestTracker(store, 0)

	pending, err := tr.Open(context.Background(), chatParams(false))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if len(store.opened) != 1 {
		t.Fatalf("opened rows = %d, want 1", len(store.opened))
	}
	rec := store.opened[0]
	if rec.ID == "" {
		t.Error("record ID is empty")
	}
	if rec.TenantID != "t-1" || rec.KeyID != "key-1" || rec.CredentialID != "cred-1" {
		t.Errorf("record identity = %+v", rec)
	}
	if rec.Model != "openai/gpt-4o" || rec.Endpoint != forge.EndpointChatCompletions {
		t.Errorf("record call info = %+v", rec)
	}
	if rec.InputTokens != 0 || rec.OutputTokens != 0 || rec.Cost != 0 {
		t.Errorf("open row should carry zero counts: %+v", rec)
	}
	if rec.UpdatedAt != nil {
		t.Error("open row UpdatedAt should be nil")
	}
	if !rec.CreatedAt.Equal(testTime) {
		t.Errorf("CreatedAt = %v, want %v", rec.CreatedAt, testTime)
	}
	if pending.Record.ID != rec.ID {
		t.Error("pending record differs from stored row")
	}
}

func TestOpenEmptyWalletRejected(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.wallets["t-1"] = &forge.Wallet{TenantID: "t-1", Balance: 0}
	tr, _ := newTestTracker(store, 0)

	_, err := tr.Open(context.Background(), chatParams(true))
	if !errors.Is(err, forge.ErrPaymentRequired) {
		t.Fatalf("Open() error = %v, want ErrPaymentRequired", err)
	}
	if len(store.opened) != 0 {
		t.Errorf("opened rows = %d, want 0 before any upstream call", len(store.opened))
	}
}

func TestOpenBlockedWalletRejected(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.wallets["t-1"] = &forge.Wallet{TenantID: "t-1", Balance: 100, Blocked: true}
	tr, _ := newTestTracker(store, 0)

	_, err := tr.Open(context.Background(), chatParams(true))
	if !errors.Is(err, forge.ErrPaymentRequired) {
		t.Fatalf("Open() error = %v, want ErrPaymentRequired", err)
	}
}

func TestOpenMissingWalletRejected(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	tr, _ := newTestTracker(store, 0)

	_, err := tr.Open(context.Background(), chatParams(true))
	if !errors.Is(err, forge.ErrPaymentRequired) {
		t.Fatalf("Open() error = %v, want ErrPaymentRequired", err)
	}
}

func TestOpenBillableWithFunds(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.wallets["t-1"] = &forge.Wallet{TenantID: "t-1", Balance: 5}
	tr, _ := newTestTracker(store, 0)

	if _, err := tr.Open(context.Background(), chatParams(true)); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if len(store.opened) != 1 {
		t.Errorf("opened rows = %d, want 1", len(store.opened))
	}
}

func TestOpenNonBillableSkipsWallet(t *testing.T) {
	t.Parallel()
	store := newFakeStore() // no wallet at all
	tr, _ := newTestTracker(store, 0)

	if _, err := tr.Open(context.Background(), chatParams(false)); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
}

func TestFinalizeUpdatesRowAndDeductsWallet(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.wallets["t-1"] = &forge.Wallet{TenantID: "t-1", Balance: 10}
	tr, pricing := newTestTracker(store, 0.25)

	pending, err := tr.Open(context.Background(), chatParams(true))
	if err != nil {
		t.Fatal(err)
	}
	pending.Finalize(forge.Usage{
		PromptTokens:            10,
		CompletionTokens:        20,
		TotalTokens:             30,
		PromptTokensDetails:     &forge.PromptTokensDetails{CachedTokens: 4},
		CompletionTokensDetails: &forge.CompletionTokensDetails{ReasoningTokens: 6},
	})

	if len(store.finalized) != 1 {
		t.Fatalf("finalized rows = %d, want 1", len(store.finalized))
	}
	rec := store.finalized[0]
	if rec.InputTokens != 10 || rec.OutputTokens != 20 {
		t.Errorf("tokens = %d/%d, want 10/20", rec.InputTokens, rec.OutputTokens)
	}
	if rec.CachedTokens != 4 || rec.ReasoningTokens != 6 {
		t.Errorf("detail tokens = %d/%d, want 4/6", rec.CachedTokens, rec.ReasoningTokens)
	}
	if rec.Cost != 0.25 {
		t.Errorf("Cost = %v, want 0.25", rec.Cost)
	}
	if rec.UpdatedAt == nil || !rec.UpdatedAt.Equal(testTime) {
		t.Errorf("UpdatedAt = %v, want %v", rec.UpdatedAt, testTime)
	}
	if got := store.balance("t-1"); got != 9.75 {
		t.Errorf("balance = %v, want 9.75", got)
	}
	if pricing.lastProvider != "openai" || pricing.lastModel != "gpt-4o" {
		t.Errorf("pricing called with %s/%s, want openai/gpt-4o", pricing.lastProvider, pricing.lastModel)
	}
}

func TestFinalizeOverdraftAllowed(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.wallets["t-1"] = &forge.Wallet{TenantID: "t-1", Balance: 0.1}
	tr, _ := newTestTracker(store, 0.5)

	pending, err := tr.Open(context.Background(), chatParams(true))
	if err != nil {
		t.Fatal(err)
	}
	pending.Finalize(forge.Usage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2})

	if got := store.balance("t-1"); got != 0.1-0.5 {
		t.Errorf("balance = %v, want -0.4", got)
	}
}

func TestFinalizeCASConflictRetries(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.wallets["t-1"] = &forge.Wallet{TenantID: "t-1", Balance: 10}
	store.conflicts = 2
	tr, _ := newTestTracker(store, 1)

	var sleeps int
	tr.sleep = func(time.Duration) { sleeps++ }

	pending, err := tr.Open(context.Background(), chatParams(true))
	if err != nil {
		t.Fatal(err)
	}
	pending.Finalize(forge.Usage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2})

	if store.casCalls != 3 {
		t.Errorf("CAS calls = %d, want 3", store.casCalls)
	}
	if sleeps != 2 {
		t.Errorf("sleeps = %d, want 2", sleeps)
	}
	if got := store.balance("t-1"); got != 9 {
		t.Errorf("balance = %v, want 9", got)
	}
}

func TestFinalizeCASAbandonsAfterRetries(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.wallets["t-1"] = &forge.Wallet{TenantID: "t-1", Balance: 10}
	store.conflicts = 99
	tr, _ := newTestTracker(store, 1)

	pending, err := tr.Open(context.Background(), chatParams(true))
	if err != nil {
		t.Fatal(err)
	}
	pending.Finalize(forge.Usage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2})

	if store.casCalls != 3 {
		t.Errorf("CAS calls = %d, want 3", store.casCalls)
	}
	if got := store.balance("t-1"); got != 10 {
		t.Errorf("balance = %v, want untouched 10", got)
	}
}

func TestFinalizeNonBillableSkipsWallet(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	tr, _ := newTestTracker(store, 1)

	pending, err := tr.Open(context.Background(), chatParams(false))
	if err != nil {
		t.Fatal(err)
	}
	pending.Finalize(forge.Usage{PromptTokens: 5, CompletionTokens: 5, TotalTokens: 10})

	if store.casCalls != 0 {
		t.Errorf("CAS calls = %d, want 0", store.casCalls)
	}
	if len(store.finalized) != 1 {
		t.Errorf("finalized rows = %d, want 1", len(store.finalized))
	}
}

func TestFinalizeZeroCostSkipsWallet(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.wallets["t-1"] = &forge.Wallet{TenantID: "t-1", Balance: 10}
	tr, _ := newTestTracker(store, 0)

	pending, err := tr.Open(context.Background(), chatParams(true))
	if err != nil {
		t.Fatal(err)
	}
	pending.Finalize(forge.Usage{PromptTokens: 5, CompletionTokens: 5, TotalTokens: 10})

	if store.casCalls != 0 {
		t.Errorf("CAS calls = %d, want 0", store.casCalls)
	}
	if got := store.balance("t-1"); got != 10 {
		t.Errorf("balance = %v, want 10", got)
	}
}

func TestFinalizeAsyncClosedChannel(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	tr, _ := newTestTracker(store, 0)

	pending, err := tr.Open(context.Background(), chatParams(false))
	if err != nil {
		t.Fatal(err)
	}

	// A channel closed without a value still closes the row.
	ch := make(chan forge.Usage)
	close(ch)
	pending.FinalizeAsync(ch)

	if len(store.finalized) != 1 {
		t.Fatalf("finalized rows = %d, want 1", len(store.finalized))
	}
	rec := store.finalized[0]
	if rec.InputTokens != 0 || rec.OutputTokens != 0 {
		t.Errorf("tokens = %d/%d, want zeros", rec.InputTokens, rec.OutputTokens)
	}
	if rec.UpdatedAt == nil {
		t.Error("UpdatedAt should be stamped even with zero usage")
	}
}
