// Package openaicompat implements the adapter for every provider whose wire
// format is the OpenAI chat-completions dialect (OpenAI itself, Groq,
// Mistral, DeepSeek, xAI, Together, Fireworks, OpenRouter, and the rest of
// the catalog's FamilyOpenAI entries). The canonical payload passes through
// verbatim apart from the model rewrite, so caller fields the typed structs
// do not model survive the trip.
package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/dnscache"
	"github.com/tidwall/sjson"

	forge "github.com/forgelabs/forge/internal"
	"github.com/forgelabs/forge/internal/adapter"
	"github.com/forgelabs/forge/internal/adapter/sseutil"
	"github.com/forgelabs/forge/internal/cloudauth"
)

var (
	_ forge.Provider     = (*Client)(nil)
	_ forge.RawCompleter = (*Client)(nil)
)

// Client is the shared adapter for OpenAI-compatible providers.
type Client struct {
	name    string
	baseURL string
	http    *http.Client
}

// New creates a Client for the given catalog entry. baseURL overrides the
// catalog default when the tenant's credential row carries one. apiKey may
// be empty for local providers that take no auth.
func New(spec adapter.Spec, apiKey, baseURL string, resolver *dnscache.Resolver) *Client {
	if baseURL == "" {
		baseURL = spec.BaseURL
	}
	var rt http.RoundTripper = adapter.NewTransport(resolver, !spec.Local)
	if apiKey != "" {
		rt = &cloudauth.APIKeyTransport{
			Key:        apiKey,
			HeaderName: spec.AuthHeader,
			Prefix:     spec.AuthPrefix,
			Base:       rt,
		}
	}
	return &Client{
		name:    spec.Name,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Transport: rt},
	}
}

// Name returns the provider identifier.
func (c *Client) Name() string { return c.name }

// ChatCompletion sends a non-streaming chat completion request.
func (c *Client) ChatCompletion(ctx context.Context, req *forge.ChatRequest) (*forge.ChatResponse, error) {
	if err := ValidateChat(req); err != nil {
		return nil, err
	}

	body, err := ChatBody(c.name, req, false)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", c.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: do request: %w", c.name, err)
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

// ChatCompletionStream sends a streaming chat completion request. Upstream
// SSE data payloads are forwarded as-is in StreamChunk.Data; the channel is
// closed after a Done sentinel or an error chunk.
func (c *Client) ChatCompletionStream(ctx context.Context, req *forge.ChatRequest) (<-chan forge.StreamChunk, error) {
	if err := ValidateChat(req); err != nil {
		return nil, err
	}

	body, err := ChatBody(c.name, req, true)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", c.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: do request: %w", c.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, adapter.ParseAPIError(c.name, resp)
	}

	ch := make(chan forge.StreamChunk, 8)
	go sseutil.ReadSSEStream(ctx, c.name, resp, ch)
	return ch, nil
}

// ChatBody renders the outbound chat JSON for any provider speaking this
// dialect; the azure family shares it. The caller's raw body is preferred so
// unknown fields survive; only model (and the stream flags) are rewritten.
// providerName tags errors.
func ChatBody(providerName string, req *forge.ChatRequest, stream bool) ([]byte, error) {
	if len(req.Raw) > 0 {
		body, err := sjson.SetBytes(req.Raw, "model", req.Model)
		if err != nil {
			return nil, fmt.Errorf("%s: rewrite model: %w", providerName, err)
		}
		if stream {
			if body, err = sjson.SetBytes(body, "stream", true); err != nil {
				return nil, fmt.Errorf("%s: set stream: %w", providerName, err)
			}
			// Ask for usage in the final chunk unless the caller already
			// expressed a stream_options preference.
			if req.StreamOptions == nil {
				if body, err = sjson.SetBytes(body, "stream_options.include_usage", true); err != nil {
					return nil, fmt.Errorf("%s: set stream options: %w", providerName, err)
				}
			}
		}
		return body, nil
	}

	out := *req
	out.Stream = stream
	if stream && out.StreamOptions == nil {
		out.StreamOptions = &forge.StreamOptions{IncludeUsage: true}
	}
	body, err := json.Marshal(&out)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", providerName, err)
	}
	return body, nil
}

// EmbeddingsBody renders the outbound embeddings JSON, preferring the raw
// caller body for the same fidelity reasons as ChatBody.
func EmbeddingsBody(providerName string, req *forge.EmbeddingsRequest) ([]byte, error) {
	var body []byte
	var err error
	if len(req.Raw) > 0 {
		body, err = sjson.SetBytes(req.Raw, "model", req.Model)
	} else {
		body, err = json.Marshal(req)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", providerName, err)
	}
	return body, nil
}

// Embeddings sends an embeddings request.
func (c *Client) Embeddings(ctx context.Context, req *forge.EmbeddingsRequest) (*forge.EmbeddingsResponse, error) {
	body, err := EmbeddingsBody(c.name, req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", c.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: do request: %w", c.name, err)
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

// listModelsResponse is the envelope returned by GET /models.
type listModelsResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// ListModels returns the model IDs the credential can reach.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
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

	var out listModelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%s: decode models response: %w", c.name, err)
	}

	ids := make([]string, len(out.Data))
	for i, m := range out.Data {
		ids[i] = m.ID
	}
	return ids, nil
}
