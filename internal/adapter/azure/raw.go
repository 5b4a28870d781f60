package azure

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	forge "github.com/forgelabs/forge/internal"
	"github.com/forgelabs/forge/internal/adapter"
	"github.com/forgelabs/forge/internal/adapter/openaicompat"
	"github.com/forgelabs/forge/internal/adapter/sseutil"
)

// maxRawResponse caps buffered upstream replies, sized for base64 image
// payloads.
const maxRawResponse = 32 << 20

// endpointSuffix maps canonical endpoints to deployment path suffixes. The
// responses endpoint is absent: Azure serves it resource-wide with the
// deployment named in the body.
var endpointSuffix = map[forge.Endpoint]string{
	forge.EndpointChatCompletions:   "chat/completions",
	forge.EndpointCompletions:       "completions",
	forge.EndpointEmbeddings:        "embeddings",
	forge.EndpointImagesGenerations: "images/generations",
	forge.EndpointImagesEdits:       "images/edits",
}

// rawURL resolves the upstream URL for a passthrough request.
func (c *Client) rawURL(req *forge.RawRequest) (string, error) {
	if req.Endpoint == forge.EndpointResponses {
		return fmt.Sprintf("%s/openai/responses?api-version=%s", c.baseURL, url.QueryEscape(c.apiVersion)), nil
	}
	suffix, ok := endpointSuffix[req.Endpoint]
	if !ok {
		return "", fmt.Errorf("%s: endpoint %s: %w", c.name, req.Endpoint, forge.ErrNotImplemented)
	}
	return c.deploymentURL(req.NativeModel, suffix), nil
}

// Raw forwards a request without reshaping. The model field is still
// rewritten: Azure ignores it on deployment paths but the responses
// endpoint reads the deployment name from the body.
func (c *Client) Raw(ctx context.Context, req *forge.RawRequest) (*forge.RawResponse, error) {
	u, err := c.rawURL(req)
	if err != nil {
		return nil, err
	}

	body, contentType, err := openaicompat.RewriteRawBody(c.name, req, false)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
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
		Usage:       openaicompat.ScrapeUsage(respBody),
	}, nil
}

// RawStream forwards a streaming request without reshaping. Chat frames go
// through the empty-choices repair; responses streams get usage filled from
// their completion frame.
func (c *Client) RawStream(ctx context.Context, req *forge.RawRequest) (<-chan forge.StreamChunk, error) {
	switch req.Endpoint {
	case forge.EndpointChatCompletions, forge.EndpointCompletions, forge.EndpointResponses:
	default:
		if _, ok := endpointSuffix[req.Endpoint]; !ok {
			return nil, fmt.Errorf("%s: endpoint %s: %w", c.name, req.Endpoint, forge.ErrNotImplemented)
		}
		return nil, fmt.Errorf("%s: endpoint %s does not stream: %w", c.name, req.Endpoint, forge.ErrInvalidRequest)
	}

	u, err := c.rawURL(req)
	if err != nil {
		return nil, err
	}

	body, contentType, err := openaicompat.RewriteRawBody(c.name, req, true)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
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

	ch := make(chan forge.StreamChunk, 8)
	switch req.Endpoint {
	case forge.EndpointChatCompletions:
		go readStream(ctx, c.name, resp, ch)
		return ch, nil
	case forge.EndpointResponses:
		go sseutil.ReadSSEStream(ctx, c.name, resp, ch)
		return openaicompat.ForwardResponsesUsage(ch), nil
	default:
		go sseutil.ReadSSEStream(ctx, c.name, resp, ch)
		return ch, nil
	}
}
