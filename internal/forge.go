// Package forge defines domain types and interfaces for the Forge inference
// gateway. This package has no project imports -- it is the dependency root.
package forge

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"
)

// --- Provider ---

// Provider is the interface every upstream adapter implements. An instance
// is bound to one tenant credential; construction happens in the resolver.
type Provider interface {
	// Name returns the provider identifier (e.g. "openai", "anthropic").
	Name() string
	// ListModels returns the native model IDs the credential can reach.
	ListModels(ctx context.Context) ([]string, error)
	// ChatCompletion sends a non-streaming chat completion request.
	ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	// ChatCompletionStream sends a streaming chat completion request. The
	// returned channel is closed after the final chunk (Done or Err set).
	ChatCompletionStream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error)
	// Embeddings generates embeddings for input text.
	Embeddings(ctx context.Context, req *EmbeddingsRequest) (*EmbeddingsResponse, error)
}

// RawCompleter is an optional interface for providers whose wire dialect
// already matches the caller's payload, so legacy completions, responses
// and image requests can travel verbatim apart from the model rewrite.
// Checked via type assertion; providers without it yield ErrNotImplemented.
type RawCompleter interface {
	Raw(ctx context.Context, req *RawRequest) (*RawResponse, error)
	RawStream(ctx context.Context, req *RawRequest) (<-chan StreamChunk, error)
}

// ChatRequest represents an OpenAI-compatible chat completion request.
// Raw holds the caller's original body for passthrough providers, which
// must not lose fields the typed struct does not model.
type ChatRequest struct {
	Model               string          `json:"model"`
	Messages            []Message       `json:"messages"`
	Temperature         *float64        `json:"temperature,omitempty"`
	TopP                *float64        `json:"top_p,omitempty"`
	N                   int             `json:"n,omitempty"`
	Stream              bool            `json:"stream,omitempty"`
	StreamOptions       *StreamOptions  `json:"stream_options,omitempty"`
	Stop                json.RawMessage `json:"stop,omitempty"`
	MaxTokens           *int            `json:"max_tokens,omitempty"`
	MaxCompletionTokens *int            `json:"max_completion_tokens,omitempty"`
	PresencePenalty     *float64        `json:"presence_penalty,omitempty"`
	FrequencyPenalty    *float64        `json:"frequency_penalty,omitempty"`
	Seed                *int            `json:"seed,omitempty"`
	User                string          `json:"user,omitempty"`
	Tools               []Tool          `json:"tools,omitempty"`
	ToolChoice          json.RawMessage `json:"tool_choice,omitempty"`
	ResponseFormat      json.RawMessage `json:"response_format,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// StreamOptions controls streaming behavior.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage,omitempty"`
}

// Message represents a chat message. Content is kept raw because it may be
// a string or an array of multimodal parts.
type Message struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content,omitempty"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

// ContentPart is one element of a multimodal content array.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL carries an image reference: an http(s) URL or a data: URL.
type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// Tool declares a function the model may call.
type Tool struct {
	Type     string        `json:"type"`
	Function *ToolFunction `json:"function,omitempty"`
}

// ToolFunction is the schema of a declared tool.
type ToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ToolCall is a model-issued function invocation. Index is set only on
// streaming deltas.
type ToolCall struct {
	Index    *int             `json:"index,omitempty"`
	ID       string           `json:"id,omitempty"`
	Type     string           `json:"type,omitempty"`
	Function ToolCallFunction `json:"function"`
}

// ToolCallFunction carries the invoked function name and JSON arguments.
type ToolCallFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

// ChatResponse represents an OpenAI-compatible chat completion response.
type ChatResponse struct {
	ID                string   `json:"id"`
	Object            string   `json:"object"`
	Created           int64    `json:"created"`
	Model             string   `json:"model"`
	Choices           []Choice `json:"choices"`
	Usage             *Usage   `json:"usage,omitempty"`
	SystemFingerprint string   `json:"system_fingerprint,omitempty"`
}

// Choice represents a single completion choice.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Usage represents token usage statistics.
type Usage struct {
	PromptTokens            int                      `json:"prompt_tokens"`
	CompletionTokens        int                      `json:"completion_tokens"`
	TotalTokens             int                      `json:"total_tokens"`
	PromptTokensDetails     *PromptTokensDetails     `json:"prompt_tokens_details,omitempty"`
	CompletionTokensDetails *CompletionTokensDetails `json:"completion_tokens_details,omitempty"`
}

// PromptTokensDetails breaks out cached prompt tokens.
type PromptTokensDetails struct {
	CachedTokens int `json:"cached_tokens"`
}

// CompletionTokensDetails breaks out reasoning tokens.
type CompletionTokensDetails struct {
	ReasoningTokens int `json:"reasoning_tokens"`
}

// Cached returns the cached prompt token count, zero when absent.
func (u *Usage) Cached() int {
	if u == nil || u.PromptTokensDetails == nil {
		return 0
	}
	return u.PromptTokensDetails.CachedTokens
}

// Reasoning returns the reasoning token count, zero when absent.
func (u *Usage) Reasoning() int {
	if u == nil || u.CompletionTokensDetails == nil {
		return 0
	}
	return u.CompletionTokensDetails.ReasoningTokens
}

// StreamChunk represents a single frame in a streaming response.
type StreamChunk struct {
	Data  []byte // SSE data payload, forwarded as-is when possible
	Event string // SSE event name; empty for plain data frames
	Usage *Usage // non-nil on the final usage-bearing chunk
	Done  bool
	Err   error
}

// EmbeddingsRequest represents an OpenAI-compatible embeddings request.
type EmbeddingsRequest struct {
	Model          string          `json:"model"`
	Input          json.RawMessage `json:"input"`
	EncodingFormat string          `json:"encoding_format,omitempty"`
	Dimensions     *int            `json:"dimensions,omitempty"`
	User           string          `json:"user,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// EmbeddingsResponse represents an OpenAI-compatible embeddings response.
type EmbeddingsResponse struct {
	Object string          `json:"object"`
	Data   json.RawMessage `json:"data"`
	Model  string          `json:"model"`
	Usage  *Usage          `json:"usage,omitempty"`
}

// Endpoint identifies a gateway inference surface, recorded on usage rows.
type Endpoint string

const (
	EndpointChatCompletions   Endpoint = "chat_completions"
	EndpointCompletions       Endpoint = "completions"
	EndpointEmbeddings        Endpoint = "embeddings"
	EndpointImagesGenerations Endpoint = "images_generations"
	EndpointImagesEdits       Endpoint = "images_edits"
	EndpointResponses         Endpoint = "responses"
)

// RawRequest is a payload forwarded without reshaping. Model is the
// canonical model string extracted for routing; the adapter rewrites it to
// the native name inside Body before sending.
type RawRequest struct {
	Endpoint    Endpoint
	Model       string
	NativeModel string
	Stream      bool
	ContentType string
	Body        []byte
}

// RawResponse is the upstream reply to a RawRequest. Usage is populated
// when the payload carries token counts.
type RawResponse struct {
	StatusCode  int
	ContentType string
	Body        []byte
	Usage       *Usage
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// The Identity field is set later by the authenticate middleware via mutation
// of the same pointer, avoiding a second context.WithValue + Request.WithContext.
type requestMeta struct {
	RequestID string
	Identity  *Identity
}

// metaFromContext returns the requestMeta stored in ctx, or nil.
func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// IdentityFromContext extracts the authenticated identity from context.
func IdentityFromContext(ctx context.Context) *Identity {
	if m := metaFromContext(ctx); m != nil {
		return m.Identity
	}
	return nil
}

// ContextWithIdentity stores the identity in the existing requestMeta if present,
// avoiding a new context.WithValue allocation. Falls back to creating new metadata
// if none exists (e.g., in tests).
func ContextWithIdentity(ctx context.Context, id *Identity) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Identity = id
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Identity: id})
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

// --- Shared constants and helpers ---

// ClientKeyPrefix is the prefix for all Forge client API keys.
const ClientKeyPrefix = "forge-"

// clientKeySecretBytes is the entropy behind each client key: 18 random
// bytes hex-encode to the 36-character suffix.
const clientKeySecretBytes = 18

// NewClientKeySecret returns a fresh client key secret: the forge- prefix
// followed by 36 hex characters.
func NewClientKeySecret() string {
	b := make([]byte, clientKeySecretBytes)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand.Read does not fail on supported platforms.
		panic("forge: rand.Read: " + err.Error())
	}
	return ClientKeyPrefix + hex.EncodeToString(b)
}

// KeyHint returns the displayable prefix of a client key secret, enough to
// recognize it without revealing it.
func KeyHint(secret string) string {
	const n = len(ClientKeyPrefix) + 6
	if len(secret) <= n {
		return secret
	}
	return secret[:n] + "..."
}

// --- Clock ---

// Clock abstracts time for components whose timing is asserted in tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the Clock backed by time.Now.
var SystemClock Clock = systemClock{}

// --- Authenticator interface ---

// Authenticator validates request credentials and returns the caller identity.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*Identity, error)
}
