package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/tidwall/gjson"

	forge "github.com/forgelabs/forge/internal"
)

func ptr[T any](v T) *T { return &v }

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestTranslateRequestBasics(t *testing.T) {
	t.Parallel()

	c := &Client{name: "gemini"}
	req := &forge.ChatRequest{
		Model: "gemini-2.0-flash",
		Messages: []forge.Message{
			{Role: "system", Content: json.RawMessage(`"be brief"`)},
			{Role: "developer", Content: json.RawMessage(`"answer in french"`)},
			{Role: "user", Content: json.RawMessage(`"hello"`)},
			{Role: "assistant", Content: json.RawMessage(`"bonjour"`)},
			{Role: "user", Content: json.RawMessage(`"again"`)},
		},
		Temperature: ptr(0.2),
		MaxTokens:   ptr(100),
		Stop:        json.RawMessage(`["END"]`),
	}

	out, err := c.translateRequest(context.Background(), req)
	if err != nil {
		t.Fatalf("translateRequest: %v", err)
	}
	body := mustMarshal(t, out)

	if got := gjson.GetBytes(body, "systemInstruction.parts.0.text").String(); got != "be brief\nanswer in french" {
		t.Errorf("systemInstruction = %q", got)
	}
	if got := gjson.GetBytes(body, "contents.#").Int(); got != 3 {
		t.Fatalf("contents count = %d, want 3", got)
	}
	for i, want := range []string{"user", "model", "user"} {
		if got := gjson.GetBytes(body, fmt.Sprintf("contents.%d.role", i)).String(); got != want {
			t.Errorf("contents[%d].role = %q, want %q", i, got, want)
		}
	}
	if got := gjson.GetBytes(body, "contents.1.parts.0.text").String(); got != "bonjour" {
		t.Errorf("assistant text = %q", got)
	}
	if got := gjson.GetBytes(body, "generationConfig.temperature").Float(); got != 0.2 {
		t.Errorf("temperature = %v", got)
	}
	if got := gjson.GetBytes(body, "generationConfig.maxOutputTokens").Int(); got != 100 {
		t.Errorf("maxOutputTokens = %d", got)
	}
	if got := gjson.GetBytes(body, "generationConfig.stopSequences.0").String(); got != "END" {
		t.Errorf("stopSequences = %q", got)
	}
	if gjson.GetBytes(body, "tools").Exists() {
		t.Error("tools should be omitted when none are declared")
	}
}

func TestTranslateRequestMaxCompletionTokensFallback(t *testing.T) {
	t.Parallel()

	c := &Client{name: "gemini"}
	req := &forge.ChatRequest{
		Model:               "gemini-2.0-flash",
		Messages:            []forge.Message{{Role: "user", Content: json.RawMessage(`"hi"`)}},
		MaxCompletionTokens: ptr(64),
	}

	out, err := c.translateRequest(context.Background(), req)
	if err != nil {
		t.Fatalf("translateRequest: %v", err)
	}
	if out.GenerationConfig == nil || out.GenerationConfig.MaxOutputTokens == nil || *out.GenerationConfig.MaxOutputTokens != 64 {
		t.Fatalf("maxOutputTokens = %+v, want 64", out.GenerationConfig)
	}
}

func TestTranslateRequestInlineDataURL(t *testing.T) {
	t.Parallel()

	c := &Client{name: "gemini"}
	content := `[{"type":"text","text":"what is this"},{"type":"image_url","image_url":{"url":"data:image/png;base64,iVBORw0KGgo="}}]`
	req := &forge.ChatRequest{
		Model:    "gemini-2.0-flash",
		Messages: []forge.Message{{Role: "user", Content: json.RawMessage(content)}},
	}

	out, err := c.translateRequest(context.Background(), req)
	if err != nil {
		t.Fatalf("translateRequest: %v", err)
	}
	body := mustMarshal(t, out)

	if got := gjson.GetBytes(body, "contents.0.parts.0.text").String(); got != "what is this" {
		t.Errorf("text part = %q", got)
	}
	if got := gjson.GetBytes(body, "contents.0.parts.1.inline_data.mime_type").String(); got != "image/png" {
		t.Errorf("mime_type = %q", got)
	}
	if got := gjson.GetBytes(body, "contents.0.parts.1.inline_data.data").String(); got != "iVBORw0KGgo=" {
		t.Errorf("data = %q", got)
	}
}

func TestTranslateRequestRejectsMalformedDataURL(t *testing.T) {
	t.Parallel()

	c := &Client{name: "gemini"}
	content := `[{"type":"image_url","image_url":{"url":"data:image/png,rawbytes"}}]`
	req := &forge.ChatRequest{
		Model:    "gemini-2.0-flash",
		Messages: []forge.Message{{Role: "user", Content: json.RawMessage(content)}},
	}

	_, err := c.translateRequest(context.Background(), req)
	if !errors.Is(err, forge.ErrInvalidRequest) {
		t.Fatalf("err = %v, want ErrInvalidRequest", err)
	}
}

func TestTranslateRequestTools(t *testing.T) {
	t.Parallel()

	c := &Client{name: "gemini"}
	req := &forge.ChatRequest{
		Model: "gemini-2.0-flash",
		Messages: []forge.Message{
			{Role: "user", Content: json.RawMessage(`"weather in oslo?"`)},
			{Role: "assistant", ToolCalls: []forge.ToolCall{{
				ID:   "call_1",
				Type: "function",
				Function: forge.ToolCallFunction{
					Name:      "get_weather",
					Arguments: `{"city":"oslo"}`,
				},
			}}},
			{Role: "tool", ToolCallID: "call_1", Content: json.RawMessage(`{"temp_c":7}`)},
		},
		Tools: []forge.Tool{{
			Type: "function",
			Function: &forge.ToolFunction{
				Name:        "get_weather",
				Description: "Current weather",
				Parameters:  json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}}}`),
			},
		}},
	}

	out, err := c.translateRequest(context.Background(), req)
	if err != nil {
		t.Fatalf("translateRequest: %v", err)
	}
	body := mustMarshal(t, out)

	if got := gjson.GetBytes(body, "tools.0.functionDeclarations.0.name").String(); got != "get_weather" {
		t.Errorf("declaration name = %q", got)
	}
	if got := gjson.GetBytes(body, "tools.0.functionDeclarations.0.parameters.properties.city.type").String(); got != "string" {
		t.Errorf("declaration parameters = %q", got)
	}

	if got := gjson.GetBytes(body, "contents.1.role").String(); got != "model" {
		t.Errorf("tool call role = %q", got)
	}
	if got := gjson.GetBytes(body, "contents.1.parts.0.functionCall.name").String(); got != "get_weather" {
		t.Errorf("functionCall name = %q", got)
	}
	if got := gjson.GetBytes(body, "contents.1.parts.0.functionCall.args.city").String(); got != "oslo" {
		t.Errorf("functionCall args = %q", got)
	}

	if got := gjson.GetBytes(body, "contents.2.role").String(); got != "user" {
		t.Errorf("tool result role = %q", got)
	}
	if got := gjson.GetBytes(body, "contents.2.parts.0.functionResponse.name").String(); got != "call_1" {
		t.Errorf("functionResponse name = %q", got)
	}
	if got := gjson.GetBytes(body, "contents.2.parts.0.functionResponse.response.temp_c").Int(); got != 7 {
		t.Errorf("functionResponse response = %d", got)
	}
}

func TestTranslateRequestWrapsScalarToolResult(t *testing.T) {
	t.Parallel()

	c := &Client{name: "gemini"}
	req := &forge.ChatRequest{
		Model: "gemini-2.0-flash",
		Messages: []forge.Message{
			{Role: "tool", ToolCallID: "call_9", Content: json.RawMessage(`"sunny"`)},
		},
	}

	out, err := c.translateRequest(context.Background(), req)
	if err != nil {
		t.Fatalf("translateRequest: %v", err)
	}
	body := mustMarshal(t, out)

	if got := gjson.GetBytes(body, "contents.0.parts.0.functionResponse.response.result").String(); got != "sunny" {
		t.Errorf("wrapped response = %q", got)
	}
}

func TestTranslateRequestRejectsBadToolCallArgs(t *testing.T) {
	t.Parallel()

	c := &Client{name: "gemini"}
	req := &forge.ChatRequest{
		Model: "gemini-2.0-flash",
		Messages: []forge.Message{
			{Role: "assistant", ToolCalls: []forge.ToolCall{{
				ID:       "call_1",
				Type:     "function",
				Function: forge.ToolCallFunction{Name: "f", Arguments: "{not json"},
			}}},
		},
	}

	_, err := c.translateRequest(context.Background(), req)
	if !errors.Is(err, forge.ErrInvalidRequest) {
		t.Fatalf("err = %v, want ErrInvalidRequest", err)
	}
}

func TestTranslateResponse(t *testing.T) {
	t.Parallel()

	data := []byte(`{
		"candidates": [{
			"content": {
				"role": "model",
				"parts": [
					{"text": "The weather is "},
					{"text": "mild."},
					{"functionCall": {"name": "get_weather", "args": {"city": "oslo"}}}
				]
			},
			"finishReason": "STOP"
		}],
		"usageMetadata": {
			"promptTokenCount": 12,
			"candidatesTokenCount": 30,
			"totalTokenCount": 58,
			"cachedContentTokenCount": 4,
			"thoughtsTokenCount": 16
		}
	}`)

	resp, err := translateResponse(data, "gemini-2.0-flash")
	if err != nil {
		t.Fatalf("translateResponse: %v", err)
	}

	if resp.ID != "gemini-gemini-2.0-flash" {
		t.Errorf("ID = %q", resp.ID)
	}
	if resp.Object != "chat.completion" {
		t.Errorf("Object = %q", resp.Object)
	}
	if resp.Created == 0 {
		t.Error("Created not set")
	}
	if len(resp.Choices) != 1 {
		t.Fatalf("choices = %d", len(resp.Choices))
	}
	choice := resp.Choices[0]
	if choice.FinishReason != "stop" {
		t.Errorf("finish reason = %q", choice.FinishReason)
	}
	var content string
	if err := json.Unmarshal(choice.Message.Content, &content); err != nil {
		t.Fatalf("content: %v", err)
	}
	if content != "The weather is mild." {
		t.Errorf("content = %q", content)
	}
	if len(choice.Message.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d", len(choice.Message.ToolCalls))
	}
	tc := choice.Message.ToolCalls[0]
	if tc.Function.Name != "get_weather" || tc.ID != "get_weather" {
		t.Errorf("tool call = %+v", tc)
	}
	if got := gjson.Get(tc.Function.Arguments, "city").String(); got != "oslo" {
		t.Errorf("arguments = %q", tc.Function.Arguments)
	}

	u := resp.Usage
	if u == nil {
		t.Fatal("usage missing")
	}
	if u.PromptTokens != 12 || u.CompletionTokens != 30 || u.TotalTokens != 58 {
		t.Errorf("usage = %+v", u)
	}
	if u.Cached() != 4 {
		t.Errorf("cached = %d", u.Cached())
	}
	if u.Reasoning() != 16 {
		t.Errorf("reasoning = %d", u.Reasoning())
	}
}

func TestTranslateResponseToolCallsFinishReason(t *testing.T) {
	t.Parallel()

	data := []byte(`{
		"candidates": [{
			"content": {"role": "model", "parts": [{"functionCall": {"name": "f", "args": {}}}]}
		}]
	}`)

	resp, err := translateResponse(data, "gemini-2.0-flash")
	if err != nil {
		t.Fatalf("translateResponse: %v", err)
	}
	if resp.Choices[0].FinishReason != "tool_calls" {
		t.Errorf("finish reason = %q", resp.Choices[0].FinishReason)
	}
	if resp.Choices[0].Message.Content != nil {
		t.Errorf("content = %s, want absent", resp.Choices[0].Message.Content)
	}
}

func TestMapStopReason(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"STOP":        "stop",
		"MAX_TOKENS":  "length",
		"SAFETY":      "content_filter",
		"RECITATION":  "content_filter",
		"":            "",
		"MALFORMED_FUNCTION_CALL": "malformed_function_call",
	}
	for in, want := range cases {
		if got := mapStopReason(in); got != want {
			t.Errorf("mapStopReason(%q) = %q, want %q", in, got, want)
		}
	}
}
