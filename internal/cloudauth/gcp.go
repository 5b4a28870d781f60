package cloudauth

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/forgelabs/forge/internal/cache"
)

// ScopeCloudPlatform is the OAuth2 scope Vertex AI endpoints require.
const ScopeCloudPlatform = "https://www.googleapis.com/auth/cloud-platform"

// tokenExpirySkew is how long before a token's expiry the cached copy is
// dropped, so no request goes out with a token about to lapse mid-flight.
const tokenExpirySkew = 5 * time.Minute

// tokenExchangeTimeout bounds the JWT-for-bearer exchange round trip.
const tokenExchangeTimeout = 30 * time.Second

// ServiceAccountTokenSource parses a GCP service-account JSON key and
// returns a TokenSource that mints a signed JWT and exchanges it for a
// bearer token with the given scopes.
func ServiceAccountTokenSource(ctx context.Context, saJSON []byte, scopes ...string) (oauth2.TokenSource, error) {
	cfg, err := google.JWTConfigFromJSON(saJSON, scopes...)
	if err != nil {
		return nil, fmt.Errorf("cloudauth: parse service account key: %w", err)
	}
	// The exchange runs on its own client with a hard timeout, independent
	// of whatever request first triggered it.
	ctx = context.WithValue(ctx, oauth2.HTTPClient, &http.Client{Timeout: tokenExchangeTimeout})
	return cfg.TokenSource(ctx), nil
}

// BearerTokenTransport is an http.RoundTripper that injects a bearer token
// from Source on every outbound request. When Cache and Key are set, the
// exchanged token is stored until tokenExpirySkew before its expiry, so
// fresh adapter instances (and other replicas through the shared tier)
// skip the exchange.
type BearerTokenTransport struct {
	Base   http.RoundTripper
	Source oauth2.TokenSource
	Cache  cache.Cache
	Key    string
}

// RoundTrip obtains a token and injects it as an Authorization header.
func (t *BearerTokenTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	token, err := t.token(r.Context())
	if err != nil {
		return nil, fmt.Errorf("cloudauth: obtain token: %w", err)
	}
	r2 := r.Clone(r.Context())
	r2.Header.Set("Authorization", "Bearer "+token)
	return t.getBase().RoundTrip(r2)
}

func (t *BearerTokenTransport) token(ctx context.Context) (string, error) {
	if t.Cache != nil && t.Key != "" {
		if b, ok := t.Cache.Get(ctx, t.Key); ok {
			return string(b), nil
		}
	}

	tok, err := t.Source.Token()
	if err != nil {
		return "", err
	}

	if t.Cache != nil && t.Key != "" {
		if ttl := time.Until(tok.Expiry) - tokenExpirySkew; ttl > 0 {
			// Best effort: a failed cache write just means another exchange.
			_ = t.Cache.Set(ctx, t.Key, []byte(tok.AccessToken), ttl)
		}
	}
	return tok.AccessToken, nil
}

func (t *BearerTokenTransport) getBase() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}
