package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tidwall/gjson"

	forge "github.com/forgelabs/forge/internal"
	"github.com/forgelabs/forge/internal/adapter"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(adapter.Spec{Name: "gemini", AuthHeader: "x-goog-api-key"}, "test-key", srv.URL, nil)
}

func TestChatCompletion(t *testing.T) {
	t.Parallel()

	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models/gemini-2.0-flash:generateContent" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("x-goog-api-key"); got != "test-key" {
			t.Errorf("api key header = %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		if got := gjson.GetBytes(body, "contents.0.parts.0.text").String(); got != "hello" {
			t.Errorf("request text = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"candidates": [{"content": {"role": "model", "parts": [{"text": "hi there"}]}, "finishReason": "STOP"}],
			"usageMetadata": {"promptTokenCount": 3, "candidatesTokenCount": 4, "totalTokenCount": 7}
		}`)
	}))

	resp, err := c.ChatCompletion(context.Background(), &forge.ChatRequest{
		Model:    "gemini-2.0-flash",
		Messages: []forge.Message{{Role: "user", Content: json.RawMessage(`"hello"`)}},
	})
	if err != nil {
		t.Fatalf("ChatCompletion: %v", err)
	}

	var content string
	if err := json.Unmarshal(resp.Choices[0].Message.Content, &content); err != nil {
		t.Fatalf("content: %v", err)
	}
	if content != "hi there" {
		t.Errorf("content = %q", content)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 7 {
		t.Errorf("usage = %+v", resp.Usage)
	}
	if resp.Model != "gemini-2.0-flash" {
		t.Errorf("model = %q", resp.Model)
	}
}

func TestChatCompletionUpstreamError(t *testing.T) {
	t.Parallel()

	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"error": {"message": "quota exhausted"}}`)
	}))

	_, err := c.ChatCompletion(context.Background(), &forge.ChatRequest{
		Model:    "gemini-2.0-flash",
		Messages: []forge.Message{{Role: "user", Content: json.RawMessage(`"hello"`)}},
	})
	var apiErr *adapter.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want APIError", err)
	}
	if apiErr.StatusCode != http.StatusTooManyRequests {
		t.Errorf("status = %d", apiErr.StatusCode)
	}
}

func TestChatCompletionStream(t *testing.T) {
	t.Parallel()

	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models/gemini-2.0-flash:streamGenerateContent" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if !gjson.GetBytes(readAll(t, r.Body), "contents").IsArray() {
			t.Error("request has no contents")
		}
		w.Header().Set("Content-Type", "application/json")
		flusher := w.(http.Flusher)

		io.WriteString(w, `[{"candidates": [{"content": {"parts": [{"text": "one"}]}}]}`)
		flusher.Flush()
		io.WriteString(w, `,
{"candidates": [{"content": {"parts": [{"text": "two"}]}, "finishReason": "STOP"}],
 "usageMetadata": {"promptTokenCount": 2, "candidatesTokenCount": 2, "totalTokenCount": 4}}]`)
		flusher.Flush()
	}))

	ch, err := c.ChatCompletionStream(context.Background(), &forge.ChatRequest{
		Model:    "gemini-2.0-flash",
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
	if got := gjson.GetBytes(chunks[0].Data, "choices.0.delta.content").String(); got != "one" {
		t.Errorf("chunk 0 = %q", got)
	}
	if got := gjson.GetBytes(chunks[1].Data, "choices.0.delta.content").String(); got != "two" {
		t.Errorf("chunk 1 = %q", got)
	}
	if got := gjson.GetBytes(chunks[2].Data, "choices.0.finish_reason").String(); got != "stop" {
		t.Errorf("finish = %q", got)
	}
	if chunks[3].Usage == nil || chunks[3].Usage.TotalTokens != 4 {
		t.Errorf("usage chunk = %+v", chunks[3])
	}
	if !chunks[4].Done {
		t.Error("missing Done")
	}
}

func TestChatCompletionStreamUpstreamError(t *testing.T) {
	t.Parallel()

	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"error": {"message": "bad key"}}`)
	}))

	_, err := c.ChatCompletionStream(context.Background(), &forge.ChatRequest{
		Model:    "gemini-2.0-flash",
		Messages: []forge.Message{{Role: "user", Content: json.RawMessage(`"hello"`)}},
		Stream:   true,
	})
	var apiErr *adapter.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want APIError", err)
	}
	if apiErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d", apiErr.StatusCode)
	}
}

func TestEmbeddingsSingle(t *testing.T) {
	t.Parallel()

	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models/text-embedding-004:embedContent" {
			t.Errorf("path = %q", r.URL.Path)
		}
		body := readAll(t, r.Body)
		if got := gjson.GetBytes(body, "model").String(); got != "models/text-embedding-004" {
			t.Errorf("model = %q", got)
		}
		if got := gjson.GetBytes(body, "content.parts.0.text").String(); got != "hello world" {
			t.Errorf("text = %q", got)
		}
		if got := gjson.GetBytes(body, "outputDimensionality").Int(); got != 256 {
			t.Errorf("outputDimensionality = %d", got)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"embedding": {"values": [0.1, 0.2, 0.3]}}`)
	}))

	dims := 256
	resp, err := c.Embeddings(context.Background(), &forge.EmbeddingsRequest{
		Model:      "text-embedding-004",
		Input:      json.RawMessage(`"hello world"`),
		Dimensions: &dims,
	})
	if err != nil {
		t.Fatalf("Embeddings: %v", err)
	}
	if resp.Object != "list" || resp.Model != "text-embedding-004" {
		t.Errorf("envelope = %+v", resp)
	}
	data := gjson.ParseBytes(resp.Data)
	if data.Get("#").Int() != 1 {
		t.Fatalf("data = %s", resp.Data)
	}
	if got := data.Get("0.object").String(); got != "embedding" {
		t.Errorf("object = %q", got)
	}
	if got := data.Get("0.embedding.1").Float(); got != 0.2 {
		t.Errorf("embedding = %v", got)
	}
}

func TestEmbeddingsBatch(t *testing.T) {
	t.Parallel()

	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models/text-embedding-004:batchEmbedContents" {
			t.Errorf("path = %q", r.URL.Path)
		}
		body := readAll(t, r.Body)
		if got := gjson.GetBytes(body, "requests.#").Int(); got != 2 {
			t.Errorf("requests = %d", got)
		}
		if got := gjson.GetBytes(body, "requests.1.content.parts.0.text").String(); got != "b" {
			t.Errorf("second text = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"embeddings": [{"values": [0.1]}, {"values": [0.2]}]}`)
	}))

	resp, err := c.Embeddings(context.Background(), &forge.EmbeddingsRequest{
		Model: "text-embedding-004",
		Input: json.RawMessage(`["a", "b"]`),
	})
	if err != nil {
		t.Fatalf("Embeddings: %v", err)
	}
	data := gjson.ParseBytes(resp.Data)
	if data.Get("#").Int() != 2 {
		t.Fatalf("data = %s", resp.Data)
	}
	if got := data.Get("1.index").Int(); got != 1 {
		t.Errorf("index = %d", got)
	}
	if got := data.Get("1.embedding.0").Float(); got != 0.2 {
		t.Errorf("embedding = %v", got)
	}
}

func TestEmbeddingsRejectsNonStringInput(t *testing.T) {
	t.Parallel()

	c := &Client{name: "gemini"}
	_, err := c.Embeddings(context.Background(), &forge.EmbeddingsRequest{
		Model: "text-embedding-004",
		Input: json.RawMessage(`[[1, 2, 3]]`),
	})
	if !errors.Is(err, forge.ErrInvalidRequest) {
		t.Fatalf("err = %v, want ErrInvalidRequest", err)
	}
}

func TestListModels(t *testing.T) {
	t.Parallel()

	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("x-goog-api-key"); got != "test-key" {
			t.Errorf("api key header = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"models": [{"name": "models/gemini-2.0-flash"}, {"name": "models/text-embedding-004"}]}`)
	}))

	models, err := c.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	want := []string{"gemini-2.0-flash", "text-embedding-004"}
	if len(models) != len(want) {
		t.Fatalf("models = %v", models)
	}
	for i := range want {
		if models[i] != want[i] {
			t.Errorf("models[%d] = %q, want %q", i, models[i], want[i])
		}
	}
}

func readAll(t *testing.T, r io.Reader) []byte {
	t.Helper()
	b, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return b
}
