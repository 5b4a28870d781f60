// Package bedrock adapts the AWS Bedrock Converse API to the gateway's
// OpenAI-format contract, signing requests with SigV4 and decoding the
// binary event stream on the streaming path.
package bedrock

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/rs/dnscache"

	forge "github.com/forgelabs/forge/internal"
	"github.com/forgelabs/forge/internal/adapter"
	"github.com/forgelabs/forge/internal/cloudauth"
)

// Config is the stored AWS credential triple. An empty key pair falls back
// to the ambient AWS credential chain (instance role, env vars). BaseURL
// overrides the regional endpoint for VPC endpoints and tests.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	BaseURL         string
}

// Client talks to the Bedrock runtime.
type Client struct {
	name    string
	baseURL string
	models  []string

	http *http.Client
	// download fetches caller-supplied image URLs and must stay
	// unsigned, so it bypasses the SigV4 transport.
	download *http.Client
}

// New creates a Client for the given catalog entry and credential triple.
func New(ctx context.Context, spec adapter.Spec, cfg Config, resolver *dnscache.Resolver) (*Client, error) {
	if cfg.Region == "" {
		return nil, fmt.Errorf("bedrock: credential requires region: %w", forge.ErrInvalidProviderSetup)
	}

	var creds aws.CredentialsProvider
	switch {
	case cfg.AccessKeyID != "" && cfg.SecretAccessKey != "":
		creds = cloudauth.StaticAWSCredentials(cfg.AccessKeyID, cfg.SecretAccessKey)
	case cfg.AccessKeyID == "" && cfg.SecretAccessKey == "":
		var err error
		creds, err = cloudauth.DefaultAWSCredentials(ctx, cfg.Region)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("bedrock: access_key_id and secret_access_key go together: %w",
			forge.ErrInvalidProviderSetup)
	}

	base := adapter.NewTransport(resolver, true)
	signed := cloudauth.NewAWSSigV4Transport(base, creds, cfg.Region, "bedrock-runtime")

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = fmt.Sprintf("https://bedrock-runtime.%s.amazonaws.com", cfg.Region)
	}

	return &Client{
		name:     spec.Name,
		baseURL:  strings.TrimRight(baseURL, "/"),
		models:   spec.Models,
		http:     &http.Client{Transport: signed},
		download: &http.Client{Transport: base},
	}, nil
}

// Name returns the provider identifier.
func (c *Client) Name() string { return c.name }

// ChatCompletion sends a non-streaming Converse request.
func (c *Client) ChatCompletion(ctx context.Context, req *forge.ChatRequest) (*forge.ChatResponse, error) {
	resp, err := c.post(ctx, req, "converse")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, adapter.ParseAPIError(c.name, resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("bedrock: read response: %w", err)
	}
	return translateResponse(data, req.Model)
}

// ChatCompletionStream sends a converse-stream request and bridges the
// binary event stream into canonical chunks.
func (c *Client) ChatCompletionStream(ctx context.Context, req *forge.ChatRequest) (<-chan forge.StreamChunk, error) {
	resp, err := c.post(ctx, req, "converse-stream")
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

// Embeddings is not supported on the Converse surface.
func (c *Client) Embeddings(ctx context.Context, req *forge.EmbeddingsRequest) (*forge.EmbeddingsResponse, error) {
	return nil, fmt.Errorf("bedrock: embeddings: %w", forge.ErrNotImplemented)
}

// ListModels returns the static catalog list; the runtime credential has no
// listing permission.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	return append([]string(nil), c.models...), nil
}

func (c *Client) post(ctx context.Context, req *forge.ChatRequest, action string) (*http.Response, error) {
	body, err := c.translateRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("bedrock: encode request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/model/%s/%s", c.baseURL, url.PathEscape(req.Model), action)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("bedrock: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("bedrock: do request: %w", err)
	}
	return resp, nil
}
