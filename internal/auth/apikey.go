// Package auth implements client key authentication for the Forge gateway.
// Validated identities and key scope sets are cached in the shared cache
// tier so hot keys skip the database.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	forge "github.com/forgelabs/forge/internal"
	"github.com/forgelabs/forge/internal/cache"
	"github.com/forgelabs/forge/internal/storage"
)

// touchTimeout bounds the detached last-used stamp.
const touchTimeout = 5 * time.Second

// Store is the persistence surface authentication needs.
type Store interface {
	storage.TenantStore
	storage.ClientKeyStore
}

// KeyAuth authenticates requests bearing forge- client keys.
type KeyAuth struct {
	store Store
	cache cache.Cache
}

// NewKeyAuth returns a KeyAuth backed by store and c.
func NewKeyAuth(store Store, c cache.Cache) *KeyAuth {
	return &KeyAuth{store: store, cache: c}
}

// Authenticate extracts the client key from the Authorization bearer
// token or the X-API-KEY header, validates it, and returns the caller's
// Identity with its scope set attached. Unknown, inactive and
// foreign-prefix keys all return ErrUnauthorized.
func (a *KeyAuth) Authenticate(ctx context.Context, r *http.Request) (*forge.Identity, error) {
	secret := extractSecret(r)
	if !strings.HasPrefix(secret, forge.ClientKeyPrefix) {
		return nil, forge.ErrUnauthorized
	}

	id, err := a.identity(ctx, secret)
	if err != nil {
		return nil, err
	}
	scopes, err := a.scopes(ctx, secret, id.KeyID)
	if err != nil {
		return nil, err
	}
	id.Scopes = scopes
	return id, nil
}

// extractSecret pulls the client key from the Authorization bearer token,
// falling back to the X-API-KEY header.
func extractSecret(r *http.Request) string {
	if raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(raw)
	}
	return strings.TrimSpace(r.Header.Get("X-API-KEY"))
}

// identity resolves the tenant and key behind a secret, consulting the
// cache before the store. Cached entries carry no scope set; scopes are
// cached under their own key family.
func (a *KeyAuth) identity(ctx context.Context, secret string) (*forge.Identity, error) {
	if raw, ok := a.cache.Get(ctx, cache.UserKey(secret)); ok {
		var id forge.Identity
		if err := json.Unmarshal(raw, &id); err == nil {
			return &id, nil
		}
	}

	key, err := a.store.GetKeyBySecret(ctx, secret)
	if err != nil {
		if errors.Is(err, forge.ErrNotFound) {
			return nil, forge.ErrUnauthorized
		}
		return nil, fmt.Errorf("auth: look up key: %w", err)
	}

	// The store lookup already matched, but compare the stored secret in
	// constant time anyway to guard against collation surprises.
	if subtle.ConstantTimeCompare([]byte(key.Secret), []byte(secret)) != 1 {
		return nil, forge.ErrUnauthorized
	}
	if !key.Active {
		return nil, forge.ErrUnauthorized
	}

	tenant, err := a.store.GetTenant(ctx, key.TenantID)
	if err != nil {
		if errors.Is(err, forge.ErrNotFound) {
			return nil, forge.ErrUnauthorized
		}
		return nil, fmt.Errorf("auth: look up tenant: %w", err)
	}
	if !tenant.Active {
		return nil, forge.ErrUnauthorized
	}

	id := &forge.Identity{TenantID: key.TenantID, KeyID: key.ID, KeyName: key.Name}
	if raw, err := json.Marshal(id); err == nil {
		_ = a.cache.Set(ctx, cache.UserKey(secret), raw, cache.TTLIdentity)
	}

	// Stamp last-used off the request path.
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), touchTimeout)
		defer cancel()
		a.store.TouchKeyUsed(ctx, key.ID) //nolint:errcheck
	}()

	return id, nil
}

// scopes returns the key's allowed credential IDs, nil when unrestricted.
// The nil/empty distinction survives the cache round-trip: nil marshals
// to JSON null, an empty set to [].
func (a *KeyAuth) scopes(ctx context.Context, secret, keyID string) ([]string, error) {
	if raw, ok := a.cache.Get(ctx, cache.ScopeKey(secret)); ok {
		var scopes []string
		if err := json.Unmarshal(raw, &scopes); err == nil {
			return scopes, nil
		}
	}

	scopes, err := a.store.GetKeyScopes(ctx, keyID)
	if err != nil {
		return nil, fmt.Errorf("auth: look up key scopes: %w", err)
	}
	if raw, err := json.Marshal(scopes); err == nil {
		_ = a.cache.Set(ctx, cache.ScopeKey(secret), raw, cache.TTLIdentity)
	}
	return scopes, nil
}
