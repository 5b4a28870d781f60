package openaicompat

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	forge "github.com/forgelabs/forge/internal"
	"github.com/forgelabs/forge/internal/adapter"
	"github.com/forgelabs/forge/internal/adapter/sseutil"
)

// maxRawResponse caps buffered upstream replies. Image responses carry
// base64 payloads, so this sits well above the usual JSON sizes.
const maxRawResponse = 32 << 20

// endpointPath maps canonical endpoints to this family's URL paths.
var endpointPath = map[forge.Endpoint]string{
	forge.EndpointChatCompletions:   "/chat/completions",
	forge.EndpointCompletions:       "/completions",
	forge.EndpointEmbeddings:        "/embeddings",
	forge.EndpointImagesGenerations: "/images/generations",
	forge.EndpointImagesEdits:       "/images/edits",
	forge.EndpointResponses:         "/responses",
}

// Raw forwards a request without reshaping. Only the model field is
// rewritten to the provider's native id; JSON bodies via sjson, multipart
// bodies by re-encoding the form.
func (c *Client) Raw(ctx context.Context, req *forge.RawRequest) (*forge.RawResponse, error) {
	path, ok := endpointPath[req.Endpoint]
	if !ok {
		return nil, fmt.Errorf("%s: endpoint %s: %w", c.name, req.Endpoint, forge.ErrNotImplemented)
	}

	body, contentType, err := RewriteRawBody(c.name, req, false)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", c.name, err)
	}
	httpReq.Header.Set("Content-Type", contentType)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: do request: %w", c.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, adapter.ParseAPIError(c.name, resp)
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxRawResponse))
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", c.name, err)
	}

	return &forge.RawResponse{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        respBody,
		Usage:       ScrapeUsage(respBody),
	}, nil
}

// RawStream forwards a streaming request without reshaping. Responses-
// dialect streams keep their event names; usage is scraped from whichever
// frame reports it.
func (c *Client) RawStream(ctx context.Context, req *forge.RawRequest) (<-chan forge.StreamChunk, error) {
	path, ok := endpointPath[req.Endpoint]
	if !ok {
		return nil, fmt.Errorf("%s: endpoint %s: %w", c.name, req.Endpoint, forge.ErrNotImplemented)
	}
	switch req.Endpoint {
	case forge.EndpointCompletions, forge.EndpointResponses, forge.EndpointChatCompletions:
	default:
		return nil, fmt.Errorf("%s: endpoint %s does not stream: %w", c.name, req.Endpoint, forge.ErrInvalidRequest)
	}

	body, contentType, err := RewriteRawBody(c.name, req, true)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", c.name, err)
	}
	httpReq.Header.Set("Content-Type", contentType)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: do request: %w", c.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, adapter.ParseAPIError(c.name, resp)
	}

	inner := make(chan forge.StreamChunk, 8)
	go sseutil.ReadSSEStream(ctx, c.name, resp, inner)
	if req.Endpoint != forge.EndpointResponses {
		return inner, nil
	}
	return ForwardResponsesUsage(inner), nil
}

// ForwardResponsesUsage copies a responses-dialect stream, filling Usage
// from the response object embedded in frames such as response.completed,
// which report usage in the response body instead of a chat-shape field.
func ForwardResponsesUsage(inner <-chan forge.StreamChunk) <-chan forge.StreamChunk {
	out := make(chan forge.StreamChunk, 8)
	go func() {
		defer close(out)
		for chunk := range inner {
			if chunk.Usage == nil && len(chunk.Data) > 0 {
				if r := gjson.GetBytes(chunk.Data, "response"); r.Exists() {
					chunk.Usage = ScrapeUsage([]byte(r.Raw))
				}
			}
			out <- chunk
		}
	}()
	return out
}

// RewriteRawBody swaps the model field for the native id, preserving
// everything else byte-for-byte where possible. providerName tags errors.
func RewriteRawBody(providerName string, req *forge.RawRequest, stream bool) ([]byte, string, error) {
	contentType := req.ContentType
	if contentType == "" {
		contentType = "application/json"
	}

	if strings.Contains(contentType, "multipart/form-data") {
		body, ct, err := RewriteMultipartModel(contentType, req.Body, req.NativeModel)
		if err != nil {
			return nil, "", fmt.Errorf("%s: rewrite multipart model: %w", providerName, err)
		}
		return body, ct, nil
	}

	body, err := sjson.SetBytes(req.Body, "model", req.NativeModel)
	if err != nil {
		return nil, "", fmt.Errorf("%s: rewrite model: %w", providerName, err)
	}
	if stream {
		if body, err = sjson.SetBytes(body, "stream", true); err != nil {
			return nil, "", fmt.Errorf("%s: set stream: %w", providerName, err)
		}
		// The legacy completions endpoint takes chat-style stream options;
		// the responses dialect reports usage without being asked.
		if req.Endpoint == forge.EndpointCompletions && !gjson.GetBytes(body, "stream_options").Exists() {
			if body, err = sjson.SetBytes(body, "stream_options.include_usage", true); err != nil {
				return nil, "", fmt.Errorf("%s: set stream options: %w", providerName, err)
			}
		}
	}
	return body, contentType, nil
}

// RewriteMultipartModel re-encodes a multipart form, replacing the model
// field and copying every other part (file parts included) unchanged.
func RewriteMultipartModel(contentType string, body []byte, nativeModel string) ([]byte, string, error) {
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, "", fmt.Errorf("parse content type: %w", err)
	}
	boundary := params["boundary"]
	if boundary == "" {
		return nil, "", fmt.Errorf("multipart content type without boundary")
	}

	mr := multipart.NewReader(bytes.NewReader(body), boundary)
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, "", fmt.Errorf("read part: %w", err)
		}

		if part.FormName() == "model" && part.FileName() == "" {
			io.Copy(io.Discard, part)
			if err := mw.WriteField("model", nativeModel); err != nil {
				return nil, "", fmt.Errorf("write model field: %w", err)
			}
			continue
		}

		pw, err := mw.CreatePart(part.Header)
		if err != nil {
			return nil, "", fmt.Errorf("create part: %w", err)
		}
		if _, err := io.Copy(pw, part); err != nil {
			return nil, "", fmt.Errorf("copy part: %w", err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("close writer: %w", err)
	}
	return buf.Bytes(), mw.FormDataContentType(), nil
}

// ScrapeUsage pulls token usage from an upstream JSON reply in either the
// chat-completions shape (prompt_tokens) or the responses/images shape
// (input_tokens). Returns nil when the body reports nothing.
func ScrapeUsage(body []byte) *forge.Usage {
	u := gjson.GetBytes(body, "usage")
	if !u.Exists() || !u.IsObject() {
		return nil
	}

	usage := &forge.Usage{}
	if p := u.Get("prompt_tokens"); p.Exists() {
		usage.PromptTokens = int(p.Int())
		usage.CompletionTokens = int(u.Get("completion_tokens").Int())
	} else {
		usage.PromptTokens = int(u.Get("input_tokens").Int())
		usage.CompletionTokens = int(u.Get("output_tokens").Int())
	}
	usage.TotalTokens = int(u.Get("total_tokens").Int())
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}
	if usage.TotalTokens == 0 {
		return nil
	}

	cached := u.Get("prompt_tokens_details.cached_tokens").Int()
	if cached == 0 {
		cached = u.Get("input_tokens_details.cached_tokens").Int()
	}
	if cached > 0 {
		usage.PromptTokensDetails = &forge.PromptTokensDetails{CachedTokens: int(cached)}
	}

	reasoning := u.Get("completion_tokens_details.reasoning_tokens").Int()
	if reasoning == 0 {
		reasoning = u.Get("output_tokens_details.reasoning_tokens").Int()
	}
	if reasoning > 0 {
		usage.CompletionTokensDetails = &forge.CompletionTokensDetails{ReasoningTokens: int(reasoning)}
	}
	return usage
}
