package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	forge "github.com/forgelabs/forge/internal"
	"github.com/forgelabs/forge/internal/adapter"
	"github.com/forgelabs/forge/internal/cache"
	"github.com/forgelabs/forge/internal/secrets"
	"github.com/forgelabs/forge/internal/storage"
)

// Admin performs control-plane mutations: tenants, client keys, and
// provider credentials. Every state change invalidates the cache entries
// the data plane reads, so replicas converge without restarts.
type Admin struct {
	store  storage.Store
	cache  cache.Cache
	cipher *secrets.Cipher
}

// NewAdmin returns an Admin backed by store, invalidating through c and
// encrypting credentials with cipher.
func NewAdmin(store storage.Store, c cache.Cache, cipher *secrets.Cipher) *Admin {
	return &Admin{store: store, cache: c, cipher: cipher}
}

// CreateTenant creates an active tenant. Names are unique among live rows.
func (a *Admin) CreateTenant(ctx context.Context, name string) (*forge.Tenant, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("app: tenant name is required: %w", forge.ErrInvalidRequest)
	}

	t := &forge.Tenant{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Name:      name,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if err := a.store.CreateTenant(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// CreateKeyParams holds the fields for client key creation.
type CreateKeyParams struct {
	TenantID string
	Name     string
	// Scopes restricts the key to these credential IDs. nil or empty
	// leaves the key unrestricted.
	Scopes []string
}

// CreateKey mints a client key for a tenant and stores it with its scope
// set. The full secret is returned once and never again.
func (a *Admin) CreateKey(ctx context.Context, p CreateKeyParams) (string, *forge.ClientKey, error) {
	if _, err := a.store.GetTenant(ctx, p.TenantID); err != nil {
		return "", nil, err
	}
	for _, credID := range p.Scopes {
		cred, err := a.store.GetCredential(ctx, credID)
		if err != nil {
			return "", nil, fmt.Errorf("app: scope credential %s: %w", credID, err)
		}
		if cred.TenantID != p.TenantID {
			return "", nil, fmt.Errorf("app: scope credential %s belongs to another tenant: %w", credID, forge.ErrInvalidRequest)
		}
	}

	secret := forge.NewClientKeySecret()
	key := &forge.ClientKey{
		ID:        uuid.Must(uuid.NewV7()).String(),
		TenantID:  p.TenantID,
		Secret:    secret,
		Name:      p.Name,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if err := a.store.CreateKey(ctx, key); err != nil {
		return "", nil, err
	}
	if len(p.Scopes) > 0 {
		if err := a.store.SetKeyScopes(ctx, key.ID, p.Scopes); err != nil {
			return "", nil, err
		}
	}
	return secret, key, nil
}

// DeleteKey revokes a client key and evicts its cached identity and scope
// entries so other replicas stop honoring it within one cache round-trip.
func (a *Admin) DeleteKey(ctx context.Context, id string) error {
	key, err := a.store.GetKey(ctx, id)
	if err != nil {
		return err
	}
	if err := a.store.DeleteKey(ctx, id); err != nil {
		return err
	}
	return cache.InvalidateClientKey(ctx, a.cache, key.Secret)
}

// SetKeyScopes replaces a key's allowed credential set and evicts the
// cached scope entry. An empty set returns the key to unrestricted.
func (a *Admin) SetKeyScopes(ctx context.Context, id string, credentialIDs []string) error {
	key, err := a.store.GetKey(ctx, id)
	if err != nil {
		return err
	}
	for _, credID := range credentialIDs {
		cred, err := a.store.GetCredential(ctx, credID)
		if err != nil {
			return fmt.Errorf("app: scope credential %s: %w", credID, err)
		}
		if cred.TenantID != key.TenantID {
			return fmt.Errorf("app: scope credential %s belongs to another tenant: %w", credID, forge.ErrInvalidRequest)
		}
	}
	if err := a.store.SetKeyScopes(ctx, id, credentialIDs); err != nil {
		return err
	}
	return cache.InvalidateClientKey(ctx, a.cache, key.Secret)
}

// UpsertCredentialParams holds the fields for credential creation or
// rotation. Secret is the primary secret; Config carries the remaining
// provider-specific fields for multi-field families.
type UpsertCredentialParams struct {
	TenantID string
	Provider string
	Secret   string
	Config   map[string]string
	BaseURL  string
	ModelMap map[string]string
	Billable bool
}

// UpsertCredential creates or rotates a tenant's credential for one
// provider. The secret is serialized per the provider's family, encrypted,
// and stored; the return includes the masked form for echoing to the
// caller. The tenant's cached credential set is invalidated.
func (a *Admin) UpsertCredential(ctx context.Context, p UpsertCredentialParams) (*forge.ProviderCredential, string, error) {
	provider := strings.ToLower(strings.TrimSpace(p.Provider))
	spec, ok := adapter.Lookup(provider)
	if !ok {
		return nil, "", fmt.Errorf("app: unknown provider %q: %w", p.Provider, forge.ErrInvalidProvider)
	}
	if p.Secret == "" && !adapter.AllowsAmbientCredential(spec.Family) {
		return nil, "", fmt.Errorf("app: credential secret is required: %w", forge.ErrInvalidRequest)
	}
	if _, err := a.store.GetTenant(ctx, p.TenantID); err != nil {
		return nil, "", err
	}

	plaintext, err := adapter.SerializeCredential(spec.Family, p.Secret, p.Config)
	if err != nil {
		return nil, "", fmt.Errorf("%v: %w", err, forge.ErrInvalidRequest)
	}
	ciphertext, err := a.cipher.Encrypt(plaintext)
	if err != nil {
		return nil, "", fmt.Errorf("app: encrypt credential: %w", err)
	}

	cred := &forge.ProviderCredential{
		ID:         uuid.Must(uuid.NewV7()).String(),
		TenantID:   p.TenantID,
		Provider:   provider,
		BaseURL:    p.BaseURL,
		ModelMap:   p.ModelMap,
		Billable:   p.Billable,
		Ciphertext: ciphertext,
	}
	if err := a.store.UpsertCredential(ctx, cred); err != nil {
		return nil, "", err
	}

	if err := cache.InvalidateTenantProviders(ctx, a.cache, p.TenantID); err != nil {
		return nil, "", err
	}
	return cred, adapter.MaskCredential(spec.Family, plaintext), nil
}

// DeleteCredential removes a tenant's credential and invalidates the
// tenant's cached credential set.
func (a *Admin) DeleteCredential(ctx context.Context, id string) error {
	cred, err := a.store.GetCredential(ctx, id)
	if err != nil {
		return err
	}
	if err := a.store.DeleteCredential(ctx, id); err != nil {
		return err
	}
	return cache.InvalidateTenantProviders(ctx, a.cache, cred.TenantID)
}
