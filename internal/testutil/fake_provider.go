// Package testutil provides configurable in-memory fakes for gateway
// interfaces.
package testutil

import (
	"context"
	"errors"

	forge "github.com/forgelabs/forge/internal"
)

// FakeProvider is a configurable forge.Provider. It deliberately does not
// implement forge.RawCompleter, so tests can exercise the not-implemented
// path; use FakeRawProvider for passthrough endpoints.
type FakeProvider struct {
	ProviderName string
	ChatFn       func(ctx context.Context, req *forge.ChatRequest) (*forge.ChatResponse, error)
	StreamFn     func(ctx context.Context, req *forge.ChatRequest) (<-chan forge.StreamChunk, error)
	EmbedFn      func(ctx context.Context, req *forge.EmbeddingsRequest) (*forge.EmbeddingsResponse, error)
	ModelsFn     func(ctx context.Context) ([]string, error)
}

// Name returns the configured provider name.
func (f *FakeProvider) Name() string { return f.ProviderName }

// ChatCompletion delegates to ChatFn or returns a default response.
func (f *FakeProvider) ChatCompletion(ctx context.Context, req *forge.ChatRequest) (*forge.ChatResponse, error) {
	if f.ChatFn != nil {
		return f.ChatFn(ctx, req)
	}
	return &forge.ChatResponse{
		ID:      "chatcmpl-fake",
		Object:  "chat.completion",
		Created: 1700000000,
		Model:   req.Model,
		Choices: []forge.Choice{{
			Index:        0,
			Message:      forge.Message{Role: "assistant", Content: []byte(`"hello"`)},
			FinishReason: "stop",
		}},
		Usage: &forge.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5},
	}, nil
}

// ChatCompletionStream delegates to StreamFn or returns an error.
func (f *FakeProvider) ChatCompletionStream(ctx context.Context, req *forge.ChatRequest) (<-chan forge.StreamChunk, error) {
	if f.StreamFn != nil {
		return f.StreamFn(ctx, req)
	}
	return nil, errors.New("fake provider: no stream configured")
}

// Embeddings delegates to EmbedFn or returns a default response.
func (f *FakeProvider) Embeddings(ctx context.Context, req *forge.EmbeddingsRequest) (*forge.EmbeddingsResponse, error) {
	if f.EmbedFn != nil {
		return f.EmbedFn(ctx, req)
	}
	return &forge.EmbeddingsResponse{
		Object: "list",
		Data:   []byte(`[{"object":"embedding","index":0,"embedding":[0.1,0.2]}]`),
		Model:  req.Model,
		Usage:  &forge.Usage{PromptTokens: 4, TotalTokens: 4},
	}, nil
}

// ListModels delegates to ModelsFn or returns a default list.
func (f *FakeProvider) ListModels(ctx context.Context) ([]string, error) {
	if f.ModelsFn != nil {
		return f.ModelsFn(ctx)
	}
	return []string{"fake-model"}, nil
}

// FakeRawProvider extends FakeProvider with the passthrough surface.
type FakeRawProvider struct {
	FakeProvider
	RawFn       func(ctx context.Context, req *forge.RawRequest) (*forge.RawResponse, error)
	RawStreamFn func(ctx context.Context, req *forge.RawRequest) (<-chan forge.StreamChunk, error)
}

// Raw delegates to RawFn or returns a default JSON response.
func (f *FakeRawProvider) Raw(ctx context.Context, req *forge.RawRequest) (*forge.RawResponse, error) {
	if f.RawFn != nil {
		return f.RawFn(ctx, req)
	}
	return &forge.RawResponse{
		StatusCode:  200,
		ContentType: "application/json",
		Body:        []byte(`{"ok":true}`),
	}, nil
}

// RawStream delegates to RawStreamFn or returns an error.
func (f *FakeRawProvider) RawStream(ctx context.Context, req *forge.RawRequest) (<-chan forge.StreamChunk, error) {
	if f.RawStreamFn != nil {
		return f.RawStreamFn(ctx, req)
	}
	return nil, errors.New("fake provider: no raw stream configured")
}

// FakeStreamChan returns a closed channel pre-loaded with the given chunks
// followed by a Done sentinel.
func FakeStreamChan(chunks ...forge.StreamChunk) <-chan forge.StreamChunk {
	ch := make(chan forge.StreamChunk, len(chunks)+1)
	for _, c := range chunks {
		ch <- c
	}
	ch <- forge.StreamChunk{Done: true}
	close(ch)
	return ch
}
