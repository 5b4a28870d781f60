// Package anthropic adapts the Anthropic Messages API to the gateway's
// canonical dialect. The same client serves the direct API and
// Anthropic-on-Vertex, where the model moves into the URL, the version
// header moves into the body, and auth is an exchanged GCP bearer token.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/rs/dnscache"

	forge "github.com/forgelabs/forge/internal"
	"github.com/forgelabs/forge/internal/adapter"
	"github.com/forgelabs/forge/internal/cache"
	"github.com/forgelabs/forge/internal/cloudauth"
)

const (
	versionHeader    = "2023-06-01"
	vertexVersion    = "vertex-2023-10-16"
	defaultPublisher = "anthropic"
	maxResponseSize  = 1 << 20
)

var _ forge.Provider = (*Client)(nil)

// Client implements forge.Provider against the Anthropic Messages API.
type Client struct {
	name      string
	baseURL   string
	http      *http.Client
	models    []string
	vertex    bool
	project   string
	location  string
	publisher string
}

// New creates a direct-API client for the given catalog entry. baseURL
// overrides the catalog default when the credential row carries one.
func New(spec adapter.Spec, apiKey, baseURL string, resolver *dnscache.Resolver) *Client {
	if baseURL == "" {
		baseURL = spec.BaseURL
	}
	var rt http.RoundTripper = adapter.NewTransport(resolver, true)
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
		models:  spec.Models,
	}
}

// VertexConfig is a deserialized Vertex credential plus wiring for the
// OAuth token cache.
type VertexConfig struct {
	// ServiceAccountJSON is the GCP service-account key file contents.
	ServiceAccountJSON string
	Project            string
	Location           string
	// Publisher defaults to "anthropic".
	Publisher string
	// Endpoint overrides the regional host, mainly for tests.
	Endpoint string
	// TokenCache and TokenCacheKey let exchanged bearer tokens outlive
	// this instance. Both optional.
	TokenCache    cache.Cache
	TokenCacheKey string
	Models        []string
}

// NewVertex creates a client for Anthropic models hosted on Vertex AI. The
// service-account key is exchanged for bearer tokens lazily, on the first
// outbound request.
func NewVertex(ctx context.Context, cfg VertexConfig, resolver *dnscache.Resolver) (*Client, error) {
	source, err := cloudauth.ServiceAccountTokenSource(ctx, []byte(cfg.ServiceAccountJSON), cloudauth.ScopeCloudPlatform)
	if err != nil {
		return nil, fmt.Errorf("vertex: %w", err)
	}
	publisher := cfg.Publisher
	if publisher == "" {
		publisher = defaultPublisher
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s-aiplatform.googleapis.com", cfg.Location)
	}
	rt := &cloudauth.BearerTokenTransport{
		Base:   adapter.NewTransport(resolver, true),
		Source: source,
		Cache:  cfg.TokenCache,
		Key:    cfg.TokenCacheKey,
	}
	return &Client{
		name:      "vertex",
		baseURL:   strings.TrimRight(endpoint, "/"),
		http:      &http.Client{Transport: rt},
		models:    cfg.Models,
		vertex:    true,
		project:   cfg.Project,
		location:  cfg.Location,
		publisher: publisher,
	}, nil
}

// Name returns the provider identifier.
func (c *Client) Name() string { return c.name }

// ChatCompletion sends a non-streaming chat completion request.
func (c *Client) ChatCompletion(ctx context.Context, req *forge.ChatRequest) (*forge.ChatResponse, error) {
	body, err := c.buildBody(req, false)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.messagesURL(req.Model), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", c.name, err)
	}
	c.setHeaders(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: do request: %w", c.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, adapter.ParseAPIError(c.name, resp)
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", c.name, err)
	}
	return translateResponse(respBody)
}

// ChatCompletionStream sends a streaming chat completion request. Native
// Messages events are rewritten into canonical chunks by readStream.
func (c *Client) ChatCompletionStream(ctx context.Context, req *forge.ChatRequest) (<-chan forge.StreamChunk, error) {
	body, err := c.buildBody(req, true)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.streamURL(req.Model), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", c.name, err)
	}
	c.setHeaders(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: do request: %w", c.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, adapter.ParseAPIError(c.name, resp)
	}

	ch := make(chan forge.StreamChunk, 8)
	go readStream(ctx, c.name, resp.Body, ch)
	return ch, nil
}

// Embeddings is not part of the Messages API.
func (c *Client) Embeddings(context.Context, *forge.EmbeddingsRequest) (*forge.EmbeddingsResponse, error) {
	return nil, fmt.Errorf("%s: embeddings: %w", c.name, forge.ErrNotImplemented)
}

// ListModels returns the static model list; neither the direct API nor
// Vertex expose a listing endpoint usable with runtime credentials.
func (c *Client) ListModels(context.Context) ([]string, error) {
	return slices.Clone(c.models), nil
}

// buildBody translates the canonical request and serializes it for the
// client's mode. Vertex moves anthropic_version into the body and drops the
// model, which travels in the URL.
func (c *Client) buildBody(req *forge.ChatRequest, stream bool) ([]byte, error) {
	aReq, err := translateRequest(req)
	if err != nil {
		return nil, fmt.Errorf("%s: translate request: %w", c.name, err)
	}
	aReq.Stream = stream
	if c.vertex {
		aReq.Model = ""
		aReq.AnthropicVersion = vertexVersion
	}

	body, err := json.Marshal(aReq)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", c.name, err)
	}
	return body, nil
}

// setHeaders applies Messages API headers. Auth is handled by the transport
// chain; Vertex carries the version in the body instead of the header.
func (c *Client) setHeaders(r *http.Request) {
	r.Header.Set("Content-Type", "application/json")
	if !c.vertex {
		r.Header.Set("anthropic-version", versionHeader)
	}
}

func (c *Client) messagesURL(model string) string {
	if c.vertex {
		return c.vertexURL(model, "rawPredict")
	}
	return c.baseURL + "/messages"
}

func (c *Client) streamURL(model string) string {
	if c.vertex {
		return c.vertexURL(model, "streamRawPredict")
	}
	return c.baseURL + "/messages"
}

func (c *Client) vertexURL(model, verb string) string {
	return fmt.Sprintf("%s/v1/projects/%s/locations/%s/publishers/%s/models/%s:%s",
		c.baseURL, c.project, c.location, c.publisher, url.PathEscape(model), verb)
}
