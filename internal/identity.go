package forge

import "time"

// --- Multi-tenant identity ---

// Tenant is a top-level account owning upstream credentials, client keys
// and a wallet.
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// ClientKey authenticates callers at the gateway edge. Secret is the full
// forge-prefixed string; it is returned once at creation and never again.
type ClientKey struct {
	ID         string     `json:"id"`
	TenantID   string     `json:"tenant_id"`
	Secret     string     `json:"-"`
	Name       string     `json:"name"`
	Active     bool       `json:"active"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// ProviderCredential is a tenant's upstream credential for one provider.
// Ciphertext is the encrypted, adapter-serialized credential blob; the
// store never sees plaintext.
type ProviderCredential struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenant_id"`
	Provider  string            `json:"provider"`
	BaseURL   string            `json:"base_url,omitempty"`
	ModelMap  map[string]string `json:"model_map,omitempty"`
	Billable  bool              `json:"billable"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`

	Ciphertext string `json:"-"`
}

// Identity is the authenticated caller attached to request context.
type Identity struct {
	TenantID string `json:"tenant_id"`
	KeyID    string `json:"key_id"`
	KeyName  string `json:"key_name,omitempty"`
	// Scopes lists the credential IDs this key may use. nil means the key
	// is unrestricted; an empty non-nil slice denies every provider.
	Scopes []string `json:"scopes,omitempty"`
}

// AllowsCredential reports whether the identity's scope admits the given
// credential.
func (id *Identity) AllowsCredential(credentialID string) bool {
	if id.Scopes == nil {
		return true
	}
	for _, s := range id.Scopes {
		if s == credentialID {
			return true
		}
	}
	return false
}
