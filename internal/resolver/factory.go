package resolver

import (
	"context"
	"fmt"

	forge "github.com/forgelabs/forge/internal"
	"github.com/forgelabs/forge/internal/adapter"
	"github.com/forgelabs/forge/internal/adapter/anthropic"
	"github.com/forgelabs/forge/internal/adapter/azure"
	"github.com/forgelabs/forge/internal/adapter/bedrock"
	"github.com/forgelabs/forge/internal/adapter/cohere"
	"github.com/forgelabs/forge/internal/adapter/gemini"
	"github.com/forgelabs/forge/internal/adapter/openaicompat"
	"github.com/forgelabs/forge/internal/cache"
)

// provider returns the constructed adapter for a credential, decrypting
// and building on miss. The memo key fingerprints the decrypted blob plus
// base URL, so rotating a credential or moving its endpoint builds a fresh
// client instead of serving the stale one.
func (s *Service) provider(ctx context.Context, tenantID string, cred *credential) (forge.Provider, error) {
	spec, ok := adapter.Lookup(cred.Provider)
	if !ok {
		return nil, fmt.Errorf("resolver: unknown provider %q: %w", cred.Provider, forge.ErrInvalidProvider)
	}

	plaintext, err := s.cipher.Decrypt(cred.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("resolver: decrypt credential for %s: %w", cred.Provider, forge.ErrInvalidProviderSetup)
	}

	key := cache.ProviderInstanceKey(tenantID, cred.Provider, cache.Fingerprint(plaintext+"\x00"+cred.BaseURL))
	if p, ok := s.instances.GetIfPresent(key); ok {
		return p, nil
	}

	p, err := s.build(ctx, spec, cred, plaintext)
	if err != nil {
		return nil, err
	}
	s.instances.Set(key, p)
	return p, nil
}

// build constructs the family-appropriate adapter from a decrypted
// credential blob.
func (s *Service) build(ctx context.Context, spec adapter.Spec, row *credential, plaintext string) (forge.Provider, error) {
	cred, err := adapter.DeserializeCredential(spec.Family, plaintext)
	if err != nil {
		return nil, fmt.Errorf("resolver: credential for %s: %v: %w", row.Provider, err, forge.ErrInvalidProviderSetup)
	}

	switch spec.Family {
	case adapter.FamilyOpenAI:
		return openaicompat.New(spec, cred.Secret, row.BaseURL, s.dns), nil

	case adapter.FamilyAnthropic:
		return anthropic.New(spec, cred.Secret, row.BaseURL, s.dns), nil

	case adapter.FamilyGemini:
		return gemini.New(spec, cred.Secret, row.BaseURL, s.dns), nil

	case adapter.FamilyBedrock:
		return bedrock.New(ctx, spec, bedrock.Config{
			Region:          cred.Config["region"],
			AccessKeyID:     cred.Config["access_key_id"],
			SecretAccessKey: cred.Secret,
			BaseURL:         row.BaseURL,
		}, s.dns)

	case adapter.FamilyVertex:
		return anthropic.NewVertex(ctx, anthropic.VertexConfig{
			ServiceAccountJSON: cred.Secret,
			Project:            cred.Config["project"],
			Location:           cred.Config["location"],
			Publisher:          cred.Config["publisher"],
			Endpoint:           row.BaseURL,
			TokenCache:         s.cache,
			TokenCacheKey:      cache.TokenKey(plaintext),
			Models:             spec.Models,
		}, s.dns)

	case adapter.FamilyAzure:
		return azure.New(spec, azure.Config{
			APIKey:     cred.Secret,
			APIVersion: cred.Config["api_version"],
			BaseURL:    row.BaseURL,
		}, s.dns)

	case adapter.FamilyCohere:
		return cohere.New(spec, cred.Secret, row.BaseURL, s.dns), nil
	}

	return nil, fmt.Errorf("resolver: no adapter for family %q: %w", spec.Family, forge.ErrInvalidProviderSetup)
}
