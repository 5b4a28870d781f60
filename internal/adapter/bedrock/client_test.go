package bedrock

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tidwall/gjson"

	forge "github.com/forgelabs/forge/internal"
	"github.com/forgelabs/forge/internal/adapter"
)

func TestNewCredentialValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing region", Config{AccessKeyID: "AKIAEXAMPLE", SecretAccessKey: "topsecret"}},
		{"access key without secret", Config{Region: "us-east-1", AccessKeyID: "AKIAEXAMPLE"}},
		{"secret without access key", Config{Region: "us-east-1", SecretAccessKey: "topsecret"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := New(context.Background(), adapter.Spec{Name: "bedrock"}, tt.cfg, nil)
			if !errors.Is(err, forge.ErrInvalidProviderSetup) {
				t.Fatalf("err = %v, want ErrInvalidProviderSetup", err)
			}
		})
	}
}

func TestChatCompletion(t *testing.T) {
	t.Parallel()

	var sawAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/model/claude-opus-4-6/converse" {
			t.Errorf("path = %q", r.URL.Path)
		}
		sawAuth = r.Header.Get("Authorization")
		if r.Header.Get("X-Amz-Date") == "" {
			t.Error("missing X-Amz-Date")
		}
		body, _ := io.ReadAll(r.Body)
		if got := gjson.GetBytes(body, "messages.0.content.0.text").String(); got != "hello" {
			t.Errorf("request text = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"output": {"message": {"role": "assistant", "content": [{"text": "hi"}]}},
			"stopReason": "end_turn",
			"usage": {"inputTokens": 4, "outputTokens": 2, "totalTokens": 6}
		}`)
	}))
	t.Cleanup(srv.Close)

	c := newTestClient(t, srv.URL)
	resp, err := c.ChatCompletion(context.Background(), &forge.ChatRequest{
		Model:    "claude-opus-4-6",
		Messages: []forge.Message{{Role: "user", Content: json.RawMessage(`"hello"`)}},
	})
	if err != nil {
		t.Fatalf("ChatCompletion: %v", err)
	}

	if !strings.HasPrefix(sawAuth, "AWS4-HMAC-SHA256") {
		t.Errorf("Authorization = %q, want SigV4", sawAuth)
	}
	if !strings.Contains(sawAuth, "Credential=AKIAEXAMPLE/") {
		t.Errorf("Authorization = %q, missing access key", sawAuth)
	}
	if !strings.Contains(sawAuth, "/us-east-1/bedrock-runtime/") {
		t.Errorf("Authorization = %q, wrong scope", sawAuth)
	}

	var content string
	if err := json.Unmarshal(resp.Choices[0].Message.Content, &content); err != nil {
		t.Fatalf("content: %v", err)
	}
	if content != "hi" {
		t.Errorf("content = %q", content)
	}
	if resp.Choices[0].FinishReason != "stop" {
		t.Errorf("finish = %q", resp.Choices[0].FinishReason)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 6 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestChatCompletionUpstreamError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		io.WriteString(w, `{"message": "not authorized on this model"}`)
	}))
	t.Cleanup(srv.Close)

	c := newTestClient(t, srv.URL)
	_, err := c.ChatCompletion(context.Background(), &forge.ChatRequest{
		Model:    "claude-opus-4-6",
		Messages: []forge.Message{{Role: "user", Content: json.RawMessage(`"hello"`)}},
	})
	var apiErr *adapter.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want APIError", err)
	}
	if apiErr.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d", apiErr.StatusCode)
	}
}

func TestChatCompletionStream(t *testing.T) {
	t.Parallel()

	var frames bytes.Buffer
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/model/claude-opus-4-6/converse-stream" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/vnd.amazon.eventstream")
		w.Write(frames.Bytes())
	}))
	t.Cleanup(srv.Close)

	frames.Write(encodeEvent(t, "messageStart", `{"role":"assistant"}`))
	frames.Write(encodeEvent(t, "contentBlockDelta", `{"contentBlockIndex":0,"delta":{"text":"streamed"}}`))
	frames.Write(encodeEvent(t, "messageStop", `{"stopReason":"end_turn"}`))
	frames.Write(encodeEvent(t, "metadata", `{"usage":{"inputTokens":1,"outputTokens":2,"totalTokens":3}}`))

	c := newTestClient(t, srv.URL)
	ch, err := c.ChatCompletionStream(context.Background(), &forge.ChatRequest{
		Model:    "claude-opus-4-6",
		Messages: []forge.Message{{Role: "user", Content: json.RawMessage(`"hello"`)}},
		Stream:   true,
	})
	if err != nil {
		t.Fatalf("ChatCompletionStream: %v", err)
	}

	var chunks []forge.StreamChunk
	for chunk := range ch {
		if chunk.Err != nil {
			t.Fatalf("stream error: %v", chunk.Err)
		}
		chunks = append(chunks, chunk)
	}
	if len(chunks) != 5 {
		t.Fatalf("got %d chunks, want 5", len(chunks))
	}
	if got := gjson.GetBytes(chunks[1].Data, "choices.0.delta.content").String(); got != "streamed" {
		t.Errorf("delta = %q", got)
	}
	if chunks[3].Usage == nil || chunks[3].Usage.TotalTokens != 3 {
		t.Errorf("usage = %+v", chunks[3].Usage)
	}
	if !chunks[4].Done {
		t.Error("missing Done")
	}
}

func TestChatCompletionStreamUpstreamError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"message": "throttled"}`)
	}))
	t.Cleanup(srv.Close)

	c := newTestClient(t, srv.URL)
	_, err := c.ChatCompletionStream(context.Background(), &forge.ChatRequest{
		Model:    "claude-opus-4-6",
		Messages: []forge.Message{{Role: "user", Content: json.RawMessage(`"hello"`)}},
		Stream:   true,
	})
	var apiErr *adapter.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want APIError", err)
	}
	if apiErr.StatusCode != http.StatusTooManyRequests {
		t.Errorf("status = %d", apiErr.StatusCode)
	}
}

func TestEmbeddingsNotImplemented(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, "")
	_, err := c.Embeddings(context.Background(), &forge.EmbeddingsRequest{Model: "m", Input: json.RawMessage(`"x"`)})
	if !errors.Is(err, forge.ErrNotImplemented) {
		t.Fatalf("err = %v, want ErrNotImplemented", err)
	}
}

func TestListModelsStatic(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, "")
	models, err := c.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(models) != 1 || models[0] != "claude-opus-4-6" {
		t.Errorf("models = %v", models)
	}
}
