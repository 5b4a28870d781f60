// Package storage defines persistence interfaces for the gateway.
package storage

import (
	"context"
	"time"

	forge "github.com/forgelabs/forge/internal"
)

// TenantStore manages tenant persistence.
type TenantStore interface {
	CreateTenant(ctx context.Context, t *forge.Tenant) error
	GetTenant(ctx context.Context, id string) (*forge.Tenant, error)
	GetTenantByName(ctx context.Context, name string) (*forge.Tenant, error)
	ListTenants(ctx context.Context, offset, limit int) ([]*forge.Tenant, error)
	UpdateTenant(ctx context.Context, t *forge.Tenant) error
	DeleteTenant(ctx context.Context, id string) error
}

// ClientKeyStore manages client key persistence. Keys are soft-deleted;
// every lookup skips deleted rows.
type ClientKeyStore interface {
	CreateKey(ctx context.Context, key *forge.ClientKey) error
	GetKey(ctx context.Context, id string) (*forge.ClientKey, error)
	GetKeyBySecret(ctx context.Context, secret string) (*forge.ClientKey, error)
	ListKeys(ctx context.Context, tenantID string, offset, limit int) ([]*forge.ClientKey, error)
	DeleteKey(ctx context.Context, id string) error
	TouchKeyUsed(ctx context.Context, id string) error
	// SetKeyScopes replaces the key's allowed credential set. An empty set
	// removes all rows, returning the key to unrestricted.
	SetKeyScopes(ctx context.Context, keyID string, credentialIDs []string) error
	// GetKeyScopes returns the allowed credential IDs, or nil when the key
	// has no scope rows and is unrestricted.
	GetKeyScopes(ctx context.Context, keyID string) ([]string, error)
}

// CredentialStore manages provider credential persistence. At most one
// live credential exists per (tenant, provider).
type CredentialStore interface {
	UpsertCredential(ctx context.Context, c *forge.ProviderCredential) error
	GetCredential(ctx context.Context, id string) (*forge.ProviderCredential, error)
	ListCredentials(ctx context.Context, tenantID string) ([]*forge.ProviderCredential, error)
	DeleteCredential(ctx context.Context, id string) error
}

// UsageStore manages usage record persistence.
type UsageStore interface {
	// OpenUsage inserts a pre-call row with zero counts and NULL updated_at.
	OpenUsage(ctx context.Context, r *forge.UsageRecord) error
	// FinalizeUsage fills token counts and cost and stamps updated_at.
	FinalizeUsage(ctx context.Context, r *forge.UsageRecord) error
	GetUsage(ctx context.Context, id string) (*forge.UsageRecord, error)
	ListUsage(ctx context.Context, tenantID string, offset, limit int) ([]*forge.UsageRecord, error)
	SumUsageCost(ctx context.Context, tenantID string) (float64, error)
	// CountStaleUsage counts rows still open (NULL updated_at) that were
	// created before the cutoff, i.e. calls whose finalization never landed.
	CountStaleUsage(ctx context.Context, olderThan time.Time) (int64, error)
}

// WalletStore manages tenant wallets.
type WalletStore interface {
	GetWallet(ctx context.Context, tenantID string) (*forge.Wallet, error)
	UpsertWallet(ctx context.Context, w *forge.Wallet) error
	// UpdateWalletCAS writes balance and blocked only if the stored version
	// still equals w.Version, incrementing it on success. Returns false on
	// a version conflict so the caller can re-read and retry.
	UpdateWalletCAS(ctx context.Context, w *forge.Wallet) (bool, error)
}

// Store combines all storage interfaces.
type Store interface {
	TenantStore
	ClientKeyStore
	CredentialStore
	UsageStore
	WalletStore
	Ping(ctx context.Context) error
	Close() error
}
