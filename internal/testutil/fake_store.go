package testutil

import (
	"context"
	"sync"
	"time"

	forge "github.com/forgelabs/forge/internal"
)

// FakeStore is an in-memory storage.Store. It mirrors the SQLite store's
// behavior closely enough for service and handler tests: one live
// credential per (tenant, provider), versioned wallet CAS, usage rows
// opened with a nil UpdatedAt.
type FakeStore struct {
	mu      sync.RWMutex
	tenants map[string]*forge.Tenant
	keys    map[string]*forge.ClientKey
	scopes  map[string][]string
	creds   map[string]*forge.ProviderCredential
	usage   map[string]*forge.UsageRecord
	wallets map[string]*forge.Wallet
}

// NewFakeStore returns a FakeStore with empty collections.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		tenants: make(map[string]*forge.Tenant),
		keys:    make(map[string]*forge.ClientKey),
		scopes:  make(map[string][]string),
		creds:   make(map[string]*forge.ProviderCredential),
		usage:   make(map[string]*forge.UsageRecord),
		wallets: make(map[string]*forge.Wallet),
	}
}

// --- TenantStore ---

func (s *FakeStore) CreateTenant(_ context.Context, t *forge.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.tenants {
		if existing.Name == t.Name {
			return forge.ErrConflict
		}
	}
	cp := *t
	s.tenants[t.ID] = &cp
	return nil
}

func (s *FakeStore) GetTenant(_ context.Context, id string) (*forge.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[id]
	if !ok {
		return nil, forge.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *FakeStore) GetTenantByName(_ context.Context, name string) (*forge.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tenants {
		if t.Name == name {
			cp := *t
			return &cp, nil
		}
	}
	return nil, forge.ErrNotFound
}

func (s *FakeStore) ListTenants(context.Context, int, int) ([]*forge.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*forge.Tenant, 0, len(s.tenants))
	for _, t := range s.tenants {
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (s *FakeStore) UpdateTenant(_ context.Context, t *forge.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[t.ID]; !ok {
		return forge.ErrNotFound
	}
	cp := *t
	s.tenants[t.ID] = &cp
	return nil
}

func (s *FakeStore) DeleteTenant(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[id]; !ok {
		return forge.ErrNotFound
	}
	delete(s.tenants, id)
	return nil
}

// --- ClientKeyStore ---

func (s *FakeStore) CreateKey(_ context.Context, key *forge.ClientKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *key
	s.keys[key.ID] = &cp
	return nil
}

func (s *FakeStore) GetKey(_ context.Context, id string) (*forge.ClientKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[id]
	if !ok {
		return nil, forge.ErrNotFound
	}
	cp := *k
	return &cp, nil
}

func (s *FakeStore) GetKeyBySecret(_ context.Context, secret string) (*forge.ClientKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.Secret == secret {
			cp := *k
			return &cp, nil
		}
	}
	return nil, forge.ErrNotFound
}

func (s *FakeStore) ListKeys(_ context.Context, tenantID string, _, _ int) ([]*forge.ClientKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*forge.ClientKey
	for _, k := range s.keys {
		if k.TenantID == tenantID {
			cp := *k
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *FakeStore) DeleteKey(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[id]; !ok {
		return forge.ErrNotFound
	}
	delete(s.keys, id)
	delete(s.scopes, id)
	return nil
}

func (s *FakeStore) TouchKeyUsed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.keys[id]; ok {
		now := time.Now().UTC()
		k.LastUsedAt = &now
	}
	return nil
}

func (s *FakeStore) SetKeyScopes(_ context.Context, keyID string, credentialIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(credentialIDs) == 0 {
		delete(s.scopes, keyID)
		return nil
	}
	s.scopes[keyID] = append([]string(nil), credentialIDs...)
	return nil
}

func (s *FakeStore) GetKeyScopes(_ context.Context, keyID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.scopes[keyID]
	if !ok {
		return nil, nil
	}
	return append([]string(nil), sc...), nil
}

// --- CredentialStore ---

// UpsertCredential inserts, or replaces the live credential for the same
// (tenant, provider) keeping the original row ID, as the SQLite store does.
func (s *FakeStore) UpsertCredential(_ context.Context, c *forge.ProviderCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.creds {
		if existing.TenantID == c.TenantID && existing.Provider == c.Provider {
			c.ID = existing.ID
			break
		}
	}
	cp := *c
	s.creds[c.ID] = &cp
	return nil
}

func (s *FakeStore) GetCredential(_ context.Context, id string) (*forge.ProviderCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.creds[id]
	if !ok {
		return nil, forge.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *FakeStore) ListCredentials(_ context.Context, tenantID string) ([]*forge.ProviderCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*forge.ProviderCredential
	for _, c := range s.creds {
		if c.TenantID == tenantID {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

// DeleteCredential removes the credential and any scope rows referencing
// it, matching the SQLite store's cleanup.
func (s *FakeStore) DeleteCredential(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.creds[id]; !ok {
		return forge.ErrNotFound
	}
	delete(s.creds, id)
	for keyID, sc := range s.scopes {
		kept := sc[:0]
		for _, credID := range sc {
			if credID != id {
				kept = append(kept, credID)
			}
		}
		if len(kept) == 0 {
			delete(s.scopes, keyID)
		} else {
			s.scopes[keyID] = kept
		}
	}
	return nil
}

// --- UsageStore ---

func (s *FakeStore) OpenUsage(_ context.Context, r *forge.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.usage[r.ID] = &cp
	return nil
}

func (s *FakeStore) FinalizeUsage(_ context.Context, r *forge.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.usage[r.ID]; !ok {
		return forge.ErrNotFound
	}
	cp := *r
	s.usage[r.ID] = &cp
	return nil
}

func (s *FakeStore) GetUsage(_ context.Context, id string) (*forge.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.usage[id]
	if !ok {
		return nil, forge.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *FakeStore) ListUsage(_ context.Context, tenantID string, _, _ int) ([]*forge.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*forge.UsageRecord
	for _, r := range s.usage {
		if r.TenantID == tenantID {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *FakeStore) SumUsageCost(_ context.Context, tenantID string) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total float64
	for _, r := range s.usage {
		if r.TenantID == tenantID {
			total += r.Cost
		}
	}
	return total, nil
}

func (s *FakeStore) CountStaleUsage(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, r := range s.usage {
		if r.UpdatedAt == nil && r.CreatedAt.Before(olderThan) {
			n++
		}
	}
	return n, nil
}

// UsageRecords returns a snapshot of all stored usage rows.
func (s *FakeStore) UsageRecords() []*forge.UsageRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*forge.UsageRecord, 0, len(s.usage))
	for _, r := range s.usage {
		cp := *r
		out = append(out, &cp)
	}
	return out
}

// --- WalletStore ---

func (s *FakeStore) GetWallet(_ context.Context, tenantID string) (*forge.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.wallets[tenantID]
	if !ok {
		return nil, forge.ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (s *FakeStore) UpsertWallet(_ context.Context, w *forge.Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *w
	s.wallets[w.TenantID] = &cp
	return nil
}

func (s *FakeStore) UpdateWalletCAS(_ context.Context, w *forge.Wallet) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.wallets[w.TenantID]
	if !ok {
		return false, forge.ErrNotFound
	}
	if cur.Version != w.Version {
		return false, nil
	}
	cp := *w
	cp.Version++
	s.wallets[w.TenantID] = &cp
	return true, nil
}

// --- Store ---

func (s *FakeStore) Ping(context.Context) error { return nil }
func (s *FakeStore) Close() error               { return nil }
