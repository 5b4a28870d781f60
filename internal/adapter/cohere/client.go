// Package cohere implements the adapter for Cohere's v2 chat and embed
// APIs. Chat messages are near-canonical in v2 and mostly pass through; the
// embed surface needs real translation because Cohere takes a texts array
// and returns embeddings grouped by encoding instead of row objects.
package cohere

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/dnscache"
	"github.com/tidwall/gjson"

	forge "github.com/forgelabs/forge/internal"
	"github.com/forgelabs/forge/internal/adapter"
	"github.com/forgelabs/forge/internal/cloudauth"
)

var _ forge.Provider = (*Client)(nil)

// defaultInputType is sent when the caller's body does not pick one. Search
// document is Cohere's recommended default for storage-bound embeddings.
const defaultInputType = "search_document"

// Client is the adapter for Cohere.
type Client struct {
	name    string
	baseURL string
	http    *http.Client
}

// New creates a Client for the given catalog entry.
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

// ChatCompletion sends a non-streaming chat request.
func (c *Client) ChatCompletion(ctx context.Context, req *forge.ChatRequest) (*forge.ChatResponse, error) {
	body, err := translateRequest(req)
	if err != nil {
		return nil, err
	}
	body.Stream = false

	resp, err := c.post(ctx, c.baseURL+"/v2/chat", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, adapter.ParseAPIError(c.name, resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("cohere: read response: %w", err)
	}
	return translateResponse(data, req.Model)
}

// ChatCompletionStream sends a streaming chat request.
func (c *Client) ChatCompletionStream(ctx context.Context, req *forge.ChatRequest) (<-chan forge.StreamChunk, error) {
	body, err := translateRequest(req)
	if err != nil {
		return nil, err
	}
	body.Stream = true

	resp, err := c.post(ctx, c.baseURL+"/v2/chat", body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, adapter.ParseAPIError(c.name, resp)
	}

	ch := make(chan forge.StreamChunk, 8)
	go readStream(ctx, req.Model, resp.Body, ch)
	return ch, nil
}

// embedRequest is the v2 embed request body.
type embedRequest struct {
	Model          string   `json:"model"`
	Texts          []string `json:"texts"`
	InputType      string   `json:"input_type"`
	EmbeddingTypes []string `json:"embedding_types"`
}

// Embeddings translates a canonical embeddings request onto v2 embed. Input
// must be a string or an array of strings; float encoding is always
// requested so rows can be reshaped into the canonical response.
func (c *Client) Embeddings(ctx context.Context, req *forge.EmbeddingsRequest) (*forge.EmbeddingsResponse, error) {
	texts, err := embedTexts(req.Input)
	if err != nil {
		return nil, err
	}

	body := &embedRequest{
		Model:          req.Model,
		Texts:          texts,
		InputType:      defaultInputType,
		EmbeddingTypes: []string{"float"},
	}
	if it := gjson.GetBytes(req.Raw, "input_type").String(); it != "" {
		body.InputType = it
	}

	resp, err := c.post(ctx, c.baseURL+"/v2/embed", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, adapter.ParseAPIError(c.name, resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("cohere: read response: %w", err)
	}
	return translateEmbeddings(data, req.Model)
}

// embedTexts normalizes the canonical input field into the texts array.
func embedTexts(input json.RawMessage) ([]string, error) {
	r := gjson.ParseBytes(input)
	if r.Type == gjson.String {
		return []string{r.String()}, nil
	}
	if !r.IsArray() {
		return nil, fmt.Errorf("cohere: embeddings input must be a string or array of strings: %w", forge.ErrInvalidRequest)
	}

	var texts []string
	var bad bool
	r.ForEach(func(_, v gjson.Result) bool {
		if v.Type != gjson.String {
			bad = true
			return false
		}
		texts = append(texts, v.String())
		return true
	})
	if bad || len(texts) == 0 {
		return nil, fmt.Errorf("cohere: embeddings input must be a string or array of strings: %w", forge.ErrInvalidRequest)
	}
	return texts, nil
}

// translateEmbeddings reshapes embeddings.float into OpenAI-format data rows
// and reads billed input tokens from meta.billed_units.
func translateEmbeddings(data []byte, model string) (*forge.EmbeddingsResponse, error) {
	type row struct {
		Object    string          `json:"object"`
		Embedding json.RawMessage `json:"embedding"`
		Index     int             `json:"index"`
	}

	var rows []row
	gjson.GetBytes(data, "embeddings.float").ForEach(func(_, e gjson.Result) bool {
		rows = append(rows, row{Object: "embedding", Embedding: json.RawMessage(e.Raw), Index: len(rows)})
		return true
	})
	if len(rows) == 0 {
		return nil, fmt.Errorf("cohere: response contains no embeddings")
	}

	encoded, err := json.Marshal(rows)
	if err != nil {
		return nil, fmt.Errorf("cohere: encode embeddings: %w", err)
	}

	var usage *forge.Usage
	if in := int(gjson.GetBytes(data, "meta.billed_units.input_tokens").Int()); in > 0 {
		usage = &forge.Usage{PromptTokens: in, TotalTokens: in}
	}

	return &forge.EmbeddingsResponse{
		Object: "list",
		Data:   encoded,
		Model:  model,
		Usage:  usage,
	}, nil
}

// ListModels returns the models visible to the credential.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/models?page_size=1000", nil)
	if err != nil {
		return nil, fmt.Errorf("cohere: create request: %w", err)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("cohere: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, adapter.ParseAPIError(c.name, resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("cohere: read response: %w", err)
	}

	var models []string
	gjson.GetBytes(data, "models").ForEach(func(_, m gjson.Result) bool {
		if name := m.Get("name").String(); name != "" {
			models = append(models, name)
		}
		return true
	})
	return models, nil
}

// post sends a JSON request and returns the raw response.
func (c *Client) post(ctx context.Context, url string, body any) (*http.Response, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("cohere: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("cohere: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("cohere: do request: %w", err)
	}
	return resp, nil
}
