package cohere

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	forge "github.com/forgelabs/forge/internal"
)

// chatRequest is the v2 chat request body. Messages, tools and tool calls
// are already OpenAI-shaped in v2, so those pass through; the sampling knobs
// are renamed (top_p becomes p, stop becomes stop_sequences).
type chatRequest struct {
	Model         string        `json:"model"`
	Messages      []chatMessage `json:"messages"`
	Tools         []forge.Tool  `json:"tools,omitempty"`
	ToolChoice    string        `json:"tool_choice,omitempty"`
	Temperature   *float64      `json:"temperature,omitempty"`
	P             *float64      `json:"p,omitempty"`
	MaxTokens     *int          `json:"max_tokens,omitempty"`
	StopSequences []string      `json:"stop_sequences,omitempty"`
	Stream        bool          `json:"stream,omitempty"`
}

type chatMessage struct {
	Role       string           `json:"role"`
	Content    json.RawMessage  `json:"content,omitempty"`
	ToolCalls  []forge.ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

// translateRequest converts an OpenAI-format ChatRequest to a v2 chat
// request. Roles carry over directly; developer aliases system.
func translateRequest(req *forge.ChatRequest) (*chatRequest, error) {
	out := &chatRequest{
		Model:         req.Model,
		Tools:         req.Tools,
		ToolChoice:    translateToolChoice(req.ToolChoice),
		Temperature:   req.Temperature,
		P:             req.TopP,
		MaxTokens:     req.MaxTokens,
		StopSequences: stopSequences(req.Stop),
		Stream:        req.Stream,
	}
	if out.MaxTokens == nil {
		out.MaxTokens = req.MaxCompletionTokens
	}

	for i := range req.Messages {
		m := &req.Messages[i]
		switch m.Role {
		case "system", "developer":
			out.Messages = append(out.Messages, chatMessage{Role: "system", Content: nullableContent(m.Content)})
		case "user":
			out.Messages = append(out.Messages, chatMessage{Role: "user", Content: nullableContent(m.Content)})
		case "assistant":
			out.Messages = append(out.Messages, chatMessage{
				Role:      "assistant",
				Content:   nullableContent(m.Content),
				ToolCalls: m.ToolCalls,
			})
		case "tool":
			out.Messages = append(out.Messages, chatMessage{
				Role:       "tool",
				ToolCallID: m.ToolCallID,
				Content:    normalizeToolResult(m.Content),
			})
		default:
			return nil, fmt.Errorf("cohere: unsupported message role %q: %w", m.Role, forge.ErrInvalidRequest)
		}
	}

	return out, nil
}

// nullableContent drops JSON null so the field is omitted rather than sent;
// assistant tool-call messages commonly carry content:null.
func nullableContent(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || gjson.ParseBytes(raw).Type == gjson.Null {
		return nil
	}
	return raw
}

// normalizeToolResult shapes a tool message's content: strings and part
// arrays are already valid, anything else is stringified.
func normalizeToolResult(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`""`)
	}
	r := gjson.ParseBytes(raw)
	if r.Type == gjson.String || r.IsArray() {
		return raw
	}
	b, _ := json.Marshal(string(raw))
	return b
}

// translateToolChoice maps the OpenAI tool_choice forms onto v2's
// REQUIRED/NONE enum. auto is the upstream default and named-function
// forcing has no equivalent, so both are dropped.
func translateToolChoice(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	switch gjson.ParseBytes(raw).String() {
	case "none":
		return "NONE"
	case "required":
		return "REQUIRED"
	}
	return ""
}

// stopSequences normalizes the canonical stop field (string or array of
// strings) into the list shape v2 takes.
func stopSequences(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	r := gjson.ParseBytes(raw)
	switch {
	case r.Type == gjson.String:
		return []string{r.String()}
	case r.IsArray():
		var out []string
		r.ForEach(func(_, v gjson.Result) bool {
			out = append(out, v.String())
			return true
		})
		return out
	}
	return nil
}

// translateResponse converts a v2 chat JSON response to an OpenAI-format
// ChatResponse. v2 replies do not echo the model, so the request's is used.
func translateResponse(data []byte, model string) (*forge.ChatResponse, error) {
	result := gjson.ParseBytes(data)
	finish := mapFinishReason(result.Get("finish_reason").String())

	var text strings.Builder
	result.Get("message.content").ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() == "text" {
			text.WriteString(block.Get("text").String())
		}
		return true
	})

	msg := forge.Message{Role: "assistant"}
	if text.Len() > 0 {
		ct, _ := json.Marshal(text.String())
		msg.Content = ct
	}
	if tc := result.Get("message.tool_calls"); tc.IsArray() {
		if err := json.Unmarshal([]byte(tc.Raw), &msg.ToolCalls); err != nil {
			return nil, fmt.Errorf("cohere: decode tool calls: %w", err)
		}
		if len(msg.ToolCalls) > 0 && finish == "" {
			finish = "tool_calls"
		}
	}

	return &forge.ChatResponse{
		ID:      result.Get("id").String(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []forge.Choice{{Index: 0, Message: msg, FinishReason: finish}},
		Usage:   translateUsage(result.Get("usage")),
	}, nil
}

// translateUsage reads v2's usage object, preferring the billed_units
// counts the wallet is charged on and falling back to raw token counts.
func translateUsage(u gjson.Result) *forge.Usage {
	if !u.IsObject() {
		return nil
	}
	in := int(u.Get("billed_units.input_tokens").Int())
	out := int(u.Get("billed_units.output_tokens").Int())
	if in == 0 && out == 0 {
		in = int(u.Get("tokens.input_tokens").Int())
		out = int(u.Get("tokens.output_tokens").Int())
	}
	if in == 0 && out == 0 {
		return nil
	}
	return &forge.Usage{
		PromptTokens:     in,
		CompletionTokens: out,
		TotalTokens:      in + out,
	}
}

// mapFinishReason converts v2 finish reasons to OpenAI finish reasons.
func mapFinishReason(reason string) string {
	switch reason {
	case "COMPLETE", "STOP_SEQUENCE":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "TOOL_CALL":
		return "tool_calls"
	default:
		return strings.ToLower(reason)
	}
}
