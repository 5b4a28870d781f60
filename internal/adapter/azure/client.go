// Package azure implements the adapter for Azure OpenAI deployments and for
// Tensorblock, which rides the same family with a pinned base URL and model
// list. The wire dialect is OpenAI's, so request bodies come from the shared
// openaicompat renderers; what differs is the envelope: deployment-scoped
// URL paths, an api-version query parameter, and the api-key header in place
// of Authorization.
package azure

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/rs/dnscache"

	forge "github.com/forgelabs/forge/internal"
	"github.com/forgelabs/forge/internal/adapter"
	"github.com/forgelabs/forge/internal/adapter/openaicompat"
	"github.com/forgelabs/forge/internal/cloudauth"
)

var (
	_ forge.Provider     = (*Client)(nil)
	_ forge.RawCompleter = (*Client)(nil)
)

// defaultAPIVersion is used when the credential omits api_version. It is the
// current GA data-plane inference version.
const defaultAPIVersion = "2024-10-21"

// Config carries the azure-family credential fields: the resource key, the
// api-version query value, and the resource endpoint.
type Config struct {
	APIKey     string
	APIVersion string
	BaseURL    string
}

// Client is the adapter for Azure OpenAI and Tensorblock.
type Client struct {
	name       string
	baseURL    string
	apiVersion string
	models     []string
	http       *http.Client
}

// New creates a Client for the given catalog entry. The base URL comes from
// the credential row (the tenant's resource endpoint) or, for Tensorblock,
// from the catalog default.
func New(spec adapter.Spec, cfg Config, resolver *dnscache.Resolver) (*Client, error) {
	base := cfg.BaseURL
	if base == "" {
		base = spec.BaseURL
	}
	if base == "" {
		return nil, fmt.Errorf("%s: credential requires the resource endpoint as base url: %w",
			spec.Name, forge.ErrInvalidProviderSetup)
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%s: credential requires api_key: %w", spec.Name, forge.ErrInvalidProviderSetup)
	}
	version := cfg.APIVersion
	if version == "" {
		version = defaultAPIVersion
	}

	rt := &cloudauth.APIKeyTransport{
		Key:        cfg.APIKey,
		HeaderName: spec.AuthHeader,
		Prefix:     spec.AuthPrefix,
		Base:       adapter.NewTransport(resolver, !spec.Local),
	}
	return &Client{
		name:       spec.Name,
		baseURL:    strings.TrimRight(base, "/"),
		apiVersion: version,
		models:     spec.Models,
		http:       &http.Client{Transport: rt},
	}, nil
}

// Name returns the provider identifier.
func (c *Client) Name() string { return c.name }

// deploymentURL builds the per-deployment path Azure routes on. The
// deployment name is the resolved native model.
func (c *Client) deploymentURL(deployment, suffix string) string {
	return fmt.Sprintf("%s/openai/deployments/%s/%s?api-version=%s",
		c.baseURL, url.PathEscape(deployment), suffix, url.QueryEscape(c.apiVersion))
}

// ChatCompletion sends a non-streaming chat completion request.
func (c *Client) ChatCompletion(ctx context.Context, req *forge.ChatRequest) (*forge.ChatResponse, error) {
	if err := openaicompat.ValidateChat(req); err != nil {
		return nil, err
	}

	body, err := openaicompat.ChatBody(c.name, req, false)
	if err != nil {
		return nil, err
	}

	resp, err := c.post(ctx, c.deploymentURL(req.Model, "chat/completions"), body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, adapter.ParseAPIError(c.name, resp)
	}

	var out forge.ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", c.name, err)
	}
	return &out, nil
}

// ChatCompletionStream sends a streaming chat completion request. Frames
// pass through the empty-choices repair before being forwarded.
func (c *Client) ChatCompletionStream(ctx context.Context, req *forge.ChatRequest) (<-chan forge.StreamChunk, error) {
	if err := openaicompat.ValidateChat(req); err != nil {
		return nil, err
	}

	body, err := openaicompat.ChatBody(c.name, req, true)
	if err != nil {
		return nil, err
	}

	resp, err := c.post(ctx, c.deploymentURL(req.Model, "chat/completions"), body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, adapter.ParseAPIError(c.name, resp)
	}

	ch := make(chan forge.StreamChunk, 8)
	go readStream(ctx, c.name, resp, ch)
	return ch, nil
}

// Embeddings sends an embeddings request to the deployment.
func (c *Client) Embeddings(ctx context.Context, req *forge.EmbeddingsRequest) (*forge.EmbeddingsResponse, error) {
	body, err := openaicompat.EmbeddingsBody(c.name, req)
	if err != nil {
		return nil, err
	}

	resp, err := c.post(ctx, c.deploymentURL(req.Model, "embeddings"), body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, adapter.ParseAPIError(c.name, resp)
	}

	var out forge.EmbeddingsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", c.name, err)
	}
	return &out, nil
}

// ListModels returns the catalog's static list when one is pinned
// (Tensorblock), otherwise queries the resource's models endpoint.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	if len(c.models) > 0 {
		return slices.Clone(c.models), nil
	}

	u := fmt.Sprintf("%s/openai/models?api-version=%s", c.baseURL, url.QueryEscape(c.apiVersion))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", c.name, err)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: do request: %w", c.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, adapter.ParseAPIError(c.name, resp)
	}

	var out struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%s: decode models response: %w", c.name, err)
	}

	ids := make([]string, len(out.Data))
	for i, m := range out.Data {
		ids[i] = m.ID
	}
	return ids, nil
}

// post sends a JSON request and returns the raw response.
func (c *Client) post(ctx context.Context, url string, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", c.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: do request: %w", c.name, err)
	}
	return resp, nil
}
