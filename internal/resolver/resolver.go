// Package resolver maps a caller's model string onto a tenant credential
// and a constructed provider adapter. Provider names act as namespaces in
// the model id ("openai/gpt-4o"); bare model ids resolve through credential
// alias maps. Credential sets ride the tiered cache and constructed
// adapters are memoized in-process.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/maypok86/otter/v2"
	"github.com/rs/dnscache"

	forge "github.com/forgelabs/forge/internal"
	"github.com/forgelabs/forge/internal/adapter"
	"github.com/forgelabs/forge/internal/cache"
	"github.com/forgelabs/forge/internal/secrets"
	"github.com/forgelabs/forge/internal/storage"
)

// Resolution is the outcome of resolving a model string for one caller.
type Resolution struct {
	// Provider is the constructed adapter, ready to call.
	Provider forge.Provider
	// ProviderName is the catalog name the model resolved to.
	ProviderName string
	// NativeModel is the upstream model id after prefix stripping and
	// alias remapping.
	NativeModel string
	// CredentialID is the backing credential row, recorded on usage rows
	// and checked against key scopes.
	CredentialID string
	// BaseURL is the endpoint the adapter was built against; empty means
	// the provider's default.
	BaseURL string
	// Billable marks credentials whose usage debits the tenant wallet.
	Billable bool
}

// TenantProvider is one constructed adapter from a tenant's credential set,
// as surfaced for model listing.
type TenantProvider struct {
	Name     string
	BaseURL  string
	Provider forge.Provider
}

// Service resolves models against tenant credential sets.
type Service struct {
	store  storage.CredentialStore
	cache  cache.Cache
	cipher *secrets.Cipher
	dns    *dnscache.Resolver

	// instances memoizes constructed adapters. Keys carry a fingerprint
	// of the decrypted blob, so a rotated credential misses naturally and
	// no explicit invalidation is needed here.
	instances *otter.Cache[string, forge.Provider]
}

// New returns a Service backed by the given credential store and cache.
func New(store storage.CredentialStore, c cache.Cache, cipher *secrets.Cipher, dns *dnscache.Resolver) *Service {
	instances := otter.Must(&otter.Options[string, forge.Provider]{
		MaximumSize:      512,
		ExpiryCalculator: otter.ExpiryWriting[string, forge.Provider](cache.TTLProvider),
	})
	return &Service{store: store, cache: c, cipher: cipher, dns: dns, instances: instances}
}

// credential is the cached form of a provider credential row. Ciphertext
// stays encrypted in the cache, so the shared tier never holds plaintext;
// decryption happens per construction.
type credential struct {
	ID         string            `json:"id"`
	Provider   string            `json:"provider"`
	BaseURL    string            `json:"base_url,omitempty"`
	ModelMap   map[string]string `json:"model_map,omitempty"`
	Billable   bool              `json:"billable"`
	Ciphertext string            `json:"ciphertext"`
}

// Resolve maps a model string to a provider adapter for the identified
// caller. The longest matching provider prefix wins; bare model ids fall
// back to credential alias maps. A match outside the key's scope fails
// with ErrScopeDenied; no match at all fails with ErrInvalidProvider.
func (s *Service) Resolve(ctx context.Context, id *forge.Identity, model string) (*Resolution, error) {
	creds, err := s.credentials(ctx, id.TenantID)
	if err != nil {
		return nil, err
	}

	cred, native, err := matchModel(creds, id, model)
	if err != nil {
		return nil, err
	}

	provider, err := s.provider(ctx, id.TenantID, cred)
	if err != nil {
		return nil, err
	}

	return &Resolution{
		Provider:     provider,
		ProviderName: cred.Provider,
		NativeModel:  native,
		CredentialID: cred.ID,
		BaseURL:      cred.BaseURL,
		Billable:     cred.Billable,
	}, nil
}

// TenantProviders constructs an adapter for every credential the identity
// may use, for model-list aggregation. Credentials that fail construction
// are logged and skipped so one broken row does not empty the whole list.
func (s *Service) TenantProviders(ctx context.Context, id *forge.Identity) ([]TenantProvider, error) {
	creds, err := s.credentials(ctx, id.TenantID)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(creds))
	for name := range creds {
		names = append(names, name)
	}
	slices.Sort(names)

	out := make([]TenantProvider, 0, len(creds))
	for _, name := range names {
		cred := creds[name]
		if !id.AllowsCredential(cred.ID) {
			continue
		}
		provider, err := s.provider(ctx, id.TenantID, cred)
		if err != nil {
			slog.Warn("skipping provider for model listing", "provider", name, "error", err)
			continue
		}
		base := cred.BaseURL
		if base == "" {
			if spec, ok := adapter.Lookup(name); ok {
				base = spec.BaseURL
			}
		}
		out = append(out, TenantProvider{Name: name, BaseURL: base, Provider: provider})
	}
	return out, nil
}

// credentials loads the tenant's credential set, keyed by lowercase
// provider name, through the tiered cache.
func (s *Service) credentials(ctx context.Context, tenantID string) (map[string]*credential, error) {
	key := cache.CredentialsKey(tenantID)
	if b, ok := s.cache.Get(ctx, key); ok {
		var rows []*credential
		if err := json.Unmarshal(b, &rows); err == nil {
			return indexByProvider(rows), nil
		}
	}

	stored, err := s.store.ListCredentials(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("resolver: load credentials: %w", err)
	}
	rows := make([]*credential, len(stored))
	for i, c := range stored {
		rows[i] = &credential{
			ID:         c.ID,
			Provider:   strings.ToLower(c.Provider),
			BaseURL:    c.BaseURL,
			ModelMap:   c.ModelMap,
			Billable:   c.Billable,
			Ciphertext: c.Ciphertext,
		}
	}

	if b, err := json.Marshal(rows); err == nil {
		_ = s.cache.Set(ctx, key, b, cache.TTLProvider)
	}
	return indexByProvider(rows), nil
}

func indexByProvider(rows []*credential) map[string]*credential {
	set := make(map[string]*credential, len(rows))
	for _, row := range rows {
		set[row.Provider] = row
	}
	return set
}

// matchModel implements model resolution over a credential set. Prefixed
// ids try progressively shorter "/"-joined prefixes, longest first, so a
// native id may itself contain slashes. Bare ids search alias maps, trying
// providers whose name appears in the model string before the rest. The
// scope check applies to the matched credential: an alias hit on an
// out-of-scope credential keeps searching for an in-scope one and only
// fails with ErrScopeDenied when none exists.
func matchModel(creds map[string]*credential, id *forge.Identity, model string) (*credential, string, error) {
	parts := strings.Split(model, "/")
	for i := len(parts) - 1; i >= 1; i-- {
		prefix := strings.ToLower(strings.Join(parts[:i], "/"))
		cred, ok := creds[prefix]
		if !ok {
			continue
		}
		if !id.AllowsCredential(cred.ID) {
			return nil, "", fmt.Errorf("resolver: key scope denies provider %q: %w", cred.Provider, forge.ErrScopeDenied)
		}
		native := strings.Join(parts[i:], "/")
		if mapped, ok := cred.ModelMap[native]; ok {
			native = mapped
		}
		return cred, native, nil
	}

	var denied *credential
	for _, cred := range aliasOrder(creds, model) {
		mapped, ok := cred.ModelMap[model]
		if !ok {
			continue
		}
		if !id.AllowsCredential(cred.ID) {
			if denied == nil {
				denied = cred
			}
			continue
		}
		return cred, mapped, nil
	}
	if denied != nil {
		return nil, "", fmt.Errorf("resolver: key scope denies provider %q: %w", denied.Provider, forge.ErrScopeDenied)
	}
	return nil, "", fmt.Errorf("resolver: no provider for model %q: %w", model, forge.ErrInvalidProvider)
}

// aliasOrder returns the credential set ordered for bare-model alias
// search: providers whose name occurs in the model string first, then the
// rest, alphabetical within each group for determinism.
func aliasOrder(creds map[string]*credential, model string) []*credential {
	names := make([]string, 0, len(creds))
	for name := range creds {
		names = append(names, name)
	}
	lower := strings.ToLower(model)
	slices.SortFunc(names, func(a, b string) int {
		ca, cb := strings.Contains(lower, a), strings.Contains(lower, b)
		if ca != cb {
			if ca {
				return -1
			}
			return 1
		}
		return strings.Compare(a, b)
	})

	out := make([]*credential, len(names))
	for i, name := range names {
		out[i] = creds[name]
	}
	return out
}
