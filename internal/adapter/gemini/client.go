// Package gemini adapts the Google Gemini native API to the gateway's
// OpenAI-format contract: generateContent and streamGenerateContent for
// chat, embedContent for embeddings, and the Files endpoint for remote
// image content.
package gemini

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
)

const apiKeyHeader = "x-goog-api-key"

// Client talks to the Gemini API.
type Client struct {
	name    string
	apiKey  string
	baseURL string
	http    *http.Client
}

// New creates a Client for the given catalog entry. The key is attached per
// request rather than by transport because the same HTTP client also fetches
// caller-supplied image URLs, which must never see it.
func New(spec adapter.Spec, apiKey, baseURL string, resolver *dnscache.Resolver) *Client {
	if baseURL == "" {
		baseURL = spec.BaseURL
	}
	return &Client{
		name:    spec.Name,
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Transport: adapter.NewTransport(resolver, true)},
	}
}

// Name returns the provider identifier.
func (c *Client) Name() string { return c.name }

// ChatCompletion sends a non-streaming generateContent request.
func (c *Client) ChatCompletion(ctx context.Context, req *forge.ChatRequest) (*forge.ChatResponse, error) {
	body, err := c.translateRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	resp, err := c.post(ctx, c.modelURL(req.Model, "generateContent"), body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, adapter.ParseAPIError(c.name, resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("gemini: read response: %w", err)
	}
	return translateResponse(data, req.Model)
}

// ChatCompletionStream sends a streamGenerateContent request and bridges the
// incrementally written JSON array into canonical chunks.
func (c *Client) ChatCompletionStream(ctx context.Context, req *forge.ChatRequest) (<-chan forge.StreamChunk, error) {
	body, err := c.translateRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	resp, err := c.post(ctx, c.modelURL(req.Model, "streamGenerateContent"), body)
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

// embedContentRequest is the single-input embedContent body; batches wrap a
// list of these.
type embedContentRequest struct {
	Model                string        `json:"model"`
	Content              geminiContent `json:"content"`
	OutputDimensionality *int          `json:"outputDimensionality,omitempty"`
}

// Embeddings translates an embeddings request. A string input maps to
// embedContent, an array of strings to batchEmbedContents.
func (c *Client) Embeddings(ctx context.Context, req *forge.EmbeddingsRequest) (*forge.EmbeddingsResponse, error) {
	input := gjson.ParseBytes(req.Input)

	var texts []string
	switch {
	case input.Type == gjson.String:
		texts = []string{input.String()}
	case input.IsArray():
		for _, el := range input.Array() {
			if el.Type != gjson.String {
				return nil, fmt.Errorf("gemini: embeddings input must be a string or array of strings: %w", forge.ErrInvalidRequest)
			}
			texts = append(texts, el.String())
		}
	default:
		return nil, fmt.Errorf("gemini: embeddings input must be a string or array of strings: %w", forge.ErrInvalidRequest)
	}
	if len(texts) == 0 {
		return nil, fmt.Errorf("gemini: embeddings input is empty: %w", forge.ErrInvalidRequest)
	}

	single := func(text string) embedContentRequest {
		return embedContentRequest{
			Model:                "models/" + req.Model,
			Content:              geminiContent{Parts: []geminiPart{{Text: text}}},
			OutputDimensionality: req.Dimensions,
		}
	}

	var (
		resp *http.Response
		err  error
	)
	batch := len(texts) > 1
	if batch {
		reqs := make([]embedContentRequest, len(texts))
		for i, t := range texts {
			reqs[i] = single(t)
		}
		resp, err = c.post(ctx, c.modelURL(req.Model, "batchEmbedContents"), map[string]any{"requests": reqs})
	} else {
		resp, err = c.post(ctx, c.modelURL(req.Model, "embedContent"), single(texts[0]))
	}
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, adapter.ParseAPIError(c.name, resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("gemini: read response: %w", err)
	}
	return translateEmbeddings(data, req.Model, batch)
}

// translateEmbeddings reshapes embedding.values / embeddings[].values into
// OpenAI-format data rows. Gemini reports no token usage for embeddings.
func translateEmbeddings(data []byte, model string, batch bool) (*forge.EmbeddingsResponse, error) {
	type row struct {
		Object    string          `json:"object"`
		Embedding json.RawMessage `json:"embedding"`
		Index     int             `json:"index"`
	}

	var rows []row
	if batch {
		gjson.GetBytes(data, "embeddings").ForEach(func(_, e gjson.Result) bool {
			rows = append(rows, row{Object: "embedding", Embedding: json.RawMessage(e.Get("values").Raw), Index: len(rows)})
			return true
		})
	} else {
		values := gjson.GetBytes(data, "embedding.values")
		if values.Exists() {
			rows = append(rows, row{Object: "embedding", Embedding: json.RawMessage(values.Raw)})
		}
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("gemini: response contains no embeddings")
	}

	encoded, err := json.Marshal(rows)
	if err != nil {
		return nil, fmt.Errorf("gemini: encode embeddings: %w", err)
	}
	return &forge.EmbeddingsResponse{
		Object: "list",
		Data:   encoded,
		Model:  model,
	}, nil
}

// ListModels returns available model names with the "models/" prefix
// stripped.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("gemini: create request: %w", err)
	}
	req.Header.Set(apiKeyHeader, c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gemini: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, adapter.ParseAPIError(c.name, resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("gemini: read response: %w", err)
	}

	var models []string
	gjson.GetBytes(data, "models").ForEach(func(_, m gjson.Result) bool {
		name := strings.TrimPrefix(m.Get("name").String(), "models/")
		if name != "" {
			models = append(models, name)
		}
		return true
	})
	return models, nil
}

func (c *Client) modelURL(model, method string) string {
	return fmt.Sprintf("%s/models/%s:%s", c.baseURL, model, method)
}

func (c *Client) post(ctx context.Context, url string, body any) (*http.Response, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("gemini: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("gemini: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(apiKeyHeader, c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gemini: do request: %w", err)
	}
	return resp, nil
}
