package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	forge "github.com/forgelabs/forge/internal"
)

// TTLs per key family. Identity entries stay short so key revocations on
// other replicas converge even without a shared tier; provider metadata
// changes rarely and tolerates an hour.
const (
	TTLIdentity = 5 * time.Minute
	TTLProvider = time.Hour
)

// UserKey caches the authenticated identity under the presented secret.
func UserKey(secret string) string {
	return "user:" + secret
}

// ScopeKey caches a client key's credential scope set. The stored form
// strips the forge- prefix.
func ScopeKey(secret string) string {
	return "forge_scope:" + strings.TrimPrefix(secret, forge.ClientKeyPrefix)
}

// CredentialsKey caches a tenant's decrypted provider credential set.
func CredentialsKey(tenantID string) string {
	return "provider_keys:" + tenantID
}

// ProviderInstanceKey caches a constructed provider adapter for a tenant.
// These entries are live objects and never leave the in-process tier. The
// credential fingerprint is part of the key so a rotated credential misses
// instead of serving a client built from the old secret.
func ProviderInstanceKey(tenantID, provider, credFingerprint string) string {
	return "provider_service:" + tenantID + ":" + provider + ":" + credFingerprint
}

// Fingerprint returns a short stable digest of an opaque blob, safe to
// embed in cache keys.
func Fingerprint(blob string) string {
	h := sha256.Sum256([]byte(blob))
	return hex.EncodeToString(h[:8])
}

// ModelsKey caches a provider's model list per credential endpoint.
func ModelsKey(provider, baseURL string) string {
	h := sha256.Sum256([]byte(baseURL))
	return "models:" + provider + ":" + hex.EncodeToString(h[:8])
}

// TokenKey caches an exchanged OAuth token. The opaque credential blob is
// hashed so secret material never appears in a cache key.
func TokenKey(credential string) string {
	h := sha256.Sum256([]byte(credential))
	return "oauth_token:" + hex.EncodeToString(h[:])
}

// InvalidateClientKey removes the identity and scope entries for a client
// key secret, accepting the secret with or without the forge- prefix. The
// scope family stores the stripped form, so deleting with the full secret
// alone would leave the scope entry behind.
func InvalidateClientKey(ctx context.Context, c Cache, secret string) error {
	full := secret
	if !strings.HasPrefix(full, forge.ClientKeyPrefix) {
		full = forge.ClientKeyPrefix + secret
	}
	return errors.Join(
		c.Delete(ctx, UserKey(full)),
		c.Delete(ctx, ScopeKey(full)),
	)
}

// InvalidateTenantProviders removes a tenant's cached credential set.
// Constructed provider instances key on the credential fingerprint and
// model lists age out on their own TTL, so neither needs an explicit
// delete here.
func InvalidateTenantProviders(ctx context.Context, c Cache, tenantID string) error {
	return c.Delete(ctx, CredentialsKey(tenantID))
}
