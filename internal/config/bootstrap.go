package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	forge "github.com/forgelabs/forge/internal"
	"github.com/forgelabs/forge/internal/adapter"
	"github.com/forgelabs/forge/internal/secrets"
	"github.com/forgelabs/forge/internal/storage"
)

// Bootstrap seeds the store from the config's bootstrap section. Seeding
// is idempotent: tenants match by name, credentials by (tenant, provider),
// keys by secret; existing rows are never modified so operator changes
// survive restarts.
func Bootstrap(ctx context.Context, cfg *Config, store storage.Store, cipher *secrets.Cipher) error {
	for _, ts := range cfg.Bootstrap.Tenants {
		tenant, err := seedTenant(ctx, store, ts.Name)
		if err != nil {
			return err
		}

		if ts.Balance != nil {
			if err := seedWallet(ctx, store, tenant.ID, *ts.Balance); err != nil {
				return err
			}
		}

		credIDs, err := seedCredentials(ctx, store, cipher, tenant, ts.Credentials)
		if err != nil {
			return err
		}

		for _, ks := range ts.Keys {
			if err := seedKey(ctx, store, tenant, ks, credIDs); err != nil {
				return err
			}
		}
	}
	return nil
}

func seedTenant(ctx context.Context, store storage.Store, name string) (*forge.Tenant, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("config: bootstrap: tenant name is required")
	}

	tenant, err := store.GetTenantByName(ctx, name)
	if err == nil {
		return tenant, nil
	}
	if !errors.Is(err, forge.ErrNotFound) {
		return nil, fmt.Errorf("config: bootstrap: look up tenant %q: %w", name, err)
	}

	tenant = &forge.Tenant{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Name:      name,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if err := store.CreateTenant(ctx, tenant); err != nil {
		return nil, fmt.Errorf("config: bootstrap: create tenant %q: %w", name, err)
	}
	slog.Info("bootstrapped tenant", "name", name)
	return tenant, nil
}

func seedWallet(ctx context.Context, store storage.Store, tenantID string, balance float64) error {
	_, err := store.GetWallet(ctx, tenantID)
	if err == nil {
		return nil // operator-managed balance, leave it alone
	}
	if !errors.Is(err, forge.ErrNotFound) {
		return fmt.Errorf("config: bootstrap: look up wallet: %w", err)
	}
	if err := store.UpsertWallet(ctx, &forge.Wallet{TenantID: tenantID, Balance: balance}); err != nil {
		return fmt.Errorf("config: bootstrap: create wallet: %w", err)
	}
	slog.Info("bootstrapped wallet", "tenant_id", tenantID, "balance", balance)
	return nil
}

// seedCredentials creates missing credentials and returns the tenant's
// provider→credential-ID map for scope resolution.
func seedCredentials(ctx context.Context, store storage.Store, cipher *secrets.Cipher, tenant *forge.Tenant, seeds []CredentialSeed) (map[string]string, error) {
	existing, err := store.ListCredentials(ctx, tenant.ID)
	if err != nil {
		return nil, fmt.Errorf("config: bootstrap: list credentials: %w", err)
	}
	credIDs := make(map[string]string, len(existing)+len(seeds))
	for _, c := range existing {
		credIDs[c.Provider] = c.ID
	}

	for _, cs := range seeds {
		provider := strings.ToLower(strings.TrimSpace(cs.Provider))
		if _, ok := credIDs[provider]; ok {
			continue // seeded before; rotation goes through the admin API
		}
		spec, ok := adapter.Lookup(provider)
		if !ok {
			return nil, fmt.Errorf("config: bootstrap: unknown provider %q for tenant %q", cs.Provider, tenant.Name)
		}
		if cs.Secret == "" && !adapter.AllowsAmbientCredential(spec.Family) {
			return nil, fmt.Errorf("config: bootstrap: credential for %q needs a secret", provider)
		}

		plaintext, err := adapter.SerializeCredential(spec.Family, cs.Secret, cs.Config)
		if err != nil {
			return nil, fmt.Errorf("config: bootstrap: %w", err)
		}
		ciphertext, err := cipher.Encrypt(plaintext)
		if err != nil {
			return nil, fmt.Errorf("config: bootstrap: encrypt credential: %w", err)
		}

		cred := &forge.ProviderCredential{
			ID:         uuid.Must(uuid.NewV7()).String(),
			TenantID:   tenant.ID,
			Provider:   provider,
			BaseURL:    cs.BaseURL,
			ModelMap:   cs.ModelMap,
			Billable:   cs.Billable,
			Ciphertext: ciphertext,
		}
		if err := store.UpsertCredential(ctx, cred); err != nil {
			return nil, fmt.Errorf("config: bootstrap: create credential: %w", err)
		}
		credIDs[provider] = cred.ID
		slog.Info("bootstrapped credential", "tenant", tenant.Name, "provider", provider)
	}
	return credIDs, nil
}

func seedKey(ctx context.Context, store storage.Store, tenant *forge.Tenant, ks KeySeed, credIDs map[string]string) error {
	if ks.Secret == "" {
		return nil
	}
	if !strings.HasPrefix(ks.Secret, forge.ClientKeyPrefix) {
		return fmt.Errorf("config: bootstrap: key %q secret must start with %q", ks.Name, forge.ClientKeyPrefix)
	}

	if _, err := store.GetKeyBySecret(ctx, ks.Secret); err == nil {
		return nil
	} else if !errors.Is(err, forge.ErrNotFound) {
		return fmt.Errorf("config: bootstrap: look up key %q: %w", ks.Name, err)
	}

	key := &forge.ClientKey{
		ID:        uuid.Must(uuid.NewV7()).String(),
		TenantID:  tenant.ID,
		Secret:    ks.Secret,
		Name:      ks.Name,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if err := store.CreateKey(ctx, key); err != nil {
		return fmt.Errorf("config: bootstrap: create key %q: %w", ks.Name, err)
	}

	if len(ks.Scopes) > 0 {
		ids := make([]string, 0, len(ks.Scopes))
		for _, providerName := range ks.Scopes {
			id, ok := credIDs[strings.ToLower(strings.TrimSpace(providerName))]
			if !ok {
				return fmt.Errorf("config: bootstrap: key %q scope names provider %q but the tenant has no such credential", ks.Name, providerName)
			}
			ids = append(ids, id)
		}
		if err := store.SetKeyScopes(ctx, key.ID, ids); err != nil {
			return fmt.Errorf("config: bootstrap: set key scopes: %w", err)
		}
	}

	slog.Info("bootstrapped client key", "name", ks.Name, "hint", forge.KeyHint(ks.Secret))
	return nil
}
