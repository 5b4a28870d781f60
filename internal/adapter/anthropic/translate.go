package anthropic

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	forge "github.com/forgelabs/forge/internal"
)

// maxTokensLimit caps the per-request output budget. Requests above it are
// capped and logged rather than rejected.
const maxTokensLimit = 16384

// messagesRequest is the Anthropic Messages API request body. Under Vertex
// hosting the model travels in the URL instead of the body and
// anthropic_version moves from header to body, so both fields are omitempty.
type messagesRequest struct {
	Model            string          `json:"model,omitempty"`
	AnthropicVersion string          `json:"anthropic_version,omitempty"`
	MaxTokens        int             `json:"max_tokens"`
	Messages         []messageParam  `json:"messages"`
	System           string          `json:"system,omitempty"`
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	Stream           bool            `json:"stream,omitempty"`
	Tools            []toolParam     `json:"tools,omitempty"`
	ToolChoice       json.RawMessage `json:"tool_choice,omitempty"`
	StopSequences    json.RawMessage `json:"stop_sequences,omitempty"`
}

type messageParam struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string or []contentBlock
}

// contentBlock is one Messages API content block. The populated fields
// depend on Type: text, image, tool_use, or tool_result.
type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Source    *imageSource    `json:"source,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

type imageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type toolParam struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// translateRequest converts an OpenAI-format ChatRequest to an Anthropic
// Messages API request. System messages move to the top-level system field,
// tool traffic is reshaped into tool_use/tool_result blocks, and image parts
// become base64 or url sources.
func translateRequest(req *forge.ChatRequest) (*messagesRequest, error) {
	out := &messagesRequest{
		Model:         req.Model,
		MaxTokens:     4096, // Anthropic requires max_tokens
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		Stream:        req.Stream,
		Tools:         translateTools(req.Tools),
		ToolChoice:    translateToolChoice(req.ToolChoice),
		StopSequences: req.Stop,
	}
	if req.MaxTokens != nil {
		out.MaxTokens = *req.MaxTokens
	} else if req.MaxCompletionTokens != nil {
		out.MaxTokens = *req.MaxCompletionTokens
	}
	if out.MaxTokens > maxTokensLimit {
		slog.Warn("anthropic: capping max_tokens",
			"requested", out.MaxTokens, "cap", maxTokensLimit)
		out.MaxTokens = maxTokensLimit
	}

	var system []string
	for i := range req.Messages {
		m := &req.Messages[i]
		switch m.Role {
		case "system", "developer":
			system = append(system, contentText(m.Content))
		case "user":
			content, err := translateContent(m.Content)
			if err != nil {
				return nil, err
			}
			out.Messages = append(out.Messages, messageParam{Role: "user", Content: content})
		case "assistant":
			param, err := translateAssistant(m)
			if err != nil {
				return nil, err
			}
			out.Messages = append(out.Messages, param)
		case "tool":
			// Tool results map to user role in Anthropic's format.
			out.Messages = append(out.Messages, messageParam{
				Role: "user",
				Content: []contentBlock{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   normalizeToolResult(m.Content),
				}},
			})
		}
	}
	if len(system) > 0 {
		out.System = strings.Join(system, "\n")
	}

	return out, nil
}

// contentText flattens message content to plain text: strings pass through,
// multimodal arrays contribute their text parts joined by newlines.
func contentText(raw json.RawMessage) string {
	r := gjson.ParseBytes(raw)
	if r.Type == gjson.String {
		return r.String()
	}
	if r.IsArray() {
		var parts []string
		r.ForEach(func(_, part gjson.Result) bool {
			if part.Get("type").String() == "text" {
				parts = append(parts, part.Get("text").String())
			}
			return true
		})
		return strings.Join(parts, "\n")
	}
	return ""
}

// translateContent converts canonical message content to the Messages API
// shape. Plain strings pass through; part arrays become content blocks.
func translateContent(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return "", nil
	}
	r := gjson.ParseBytes(raw)
	if r.Type == gjson.String {
		return r.String(), nil
	}
	if r.Type == gjson.Null {
		return "", nil
	}
	if !r.IsArray() {
		return nil, fmt.Errorf("anthropic: unsupported content shape: %w", forge.ErrInvalidRequest)
	}

	var blocks []contentBlock
	var err error
	r.ForEach(func(_, part gjson.Result) bool {
		switch part.Get("type").String() {
		case "text":
			blocks = append(blocks, contentBlock{Type: "text", Text: part.Get("text").String()})
		case "image_url":
			var b contentBlock
			if b, err = translateImage(part.Get("image_url.url").String()); err != nil {
				return false
			}
			blocks = append(blocks, b)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return blocks, nil
}

// translateImage converts an image_url part to an image block. data: URLs
// carry the payload inline as base64; anything else is referenced by URL.
func translateImage(u string) (contentBlock, error) {
	if rest, ok := strings.CutPrefix(u, "data:"); ok {
		mediaType, data, ok := strings.Cut(rest, ";base64,")
		if !ok {
			return contentBlock{}, fmt.Errorf("anthropic: image data url missing base64 payload: %w", forge.ErrInvalidRequest)
		}
		return contentBlock{Type: "image", Source: &imageSource{
			Type:      "base64",
			MediaType: mediaType,
			Data:      data,
		}}, nil
	}
	return contentBlock{Type: "image", Source: &imageSource{Type: "url", URL: u}}, nil
}

// translateAssistant converts an assistant message. Replayed tool calls
// become tool_use blocks with input parsed from the arguments JSON string.
func translateAssistant(m *forge.Message) (messageParam, error) {
	if len(m.ToolCalls) == 0 {
		content, err := translateContent(m.Content)
		if err != nil {
			return messageParam{}, err
		}
		return messageParam{Role: "assistant", Content: content}, nil
	}

	var blocks []contentBlock
	if text := contentText(m.Content); text != "" {
		blocks = append(blocks, contentBlock{Type: "text", Text: text})
	}
	for _, tc := range m.ToolCalls {
		input := json.RawMessage(`{}`)
		if args := strings.TrimSpace(tc.Function.Arguments); args != "" {
			if !json.Valid([]byte(args)) {
				return messageParam{}, fmt.Errorf("anthropic: tool call %s arguments are not valid JSON: %w",
					tc.ID, forge.ErrInvalidRequest)
			}
			input = json.RawMessage(args)
		}
		blocks = append(blocks, contentBlock{
			Type:  "tool_use",
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: input,
		})
	}
	return messageParam{Role: "assistant", Content: blocks}, nil
}

// normalizeToolResult shapes a tool message's content for the tool_result
// block. Strings and part arrays are already valid; anything else is
// stringified.
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

func translateTools(tools []forge.Tool) []toolParam {
	if len(tools) == 0 {
		return nil
	}
	out := make([]toolParam, 0, len(tools))
	for _, t := range tools {
		if t.Function == nil {
			continue
		}
		p := toolParam{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: t.Function.Parameters,
		}
		if len(p.InputSchema) == 0 {
			p.InputSchema = json.RawMessage(`{"type":"object"}`)
		}
		out = append(out, p)
	}
	return out
}

// translateToolChoice maps the OpenAI tool_choice forms onto Anthropic's.
// Unrecognized forms are dropped rather than rejected.
func translateToolChoice(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	r := gjson.ParseBytes(raw)
	switch {
	case r.Type == gjson.String:
		switch r.String() {
		case "auto":
			return json.RawMessage(`{"type":"auto"}`)
		case "none":
			return json.RawMessage(`{"type":"none"}`)
		case "required":
			return json.RawMessage(`{"type":"any"}`)
		}
	case r.IsObject():
		if name := r.Get("function.name").String(); name != "" {
			b, _ := json.Marshal(map[string]string{"type": "tool", "name": name})
			return b
		}
	}
	return nil
}

// translateResponse converts an Anthropic Messages API JSON response to an
// OpenAI-format ChatResponse.
func translateResponse(data []byte) (*forge.ChatResponse, error) {
	result := gjson.ParseBytes(data)
	stopReason := mapStopReason(result.Get("stop_reason").String())

	var text strings.Builder
	var toolCalls []forge.ToolCall
	result.Get("content").ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text":
			text.WriteString(block.Get("text").String())
		case "tool_use":
			args := block.Get("input").Raw
			if args == "" {
				args = "{}"
			}
			toolCalls = append(toolCalls, forge.ToolCall{
				ID:   block.Get("id").String(),
				Type: "function",
				Function: forge.ToolCallFunction{
					Name:      block.Get("name").String(),
					Arguments: args,
				},
			})
		}
		return true
	})

	msg := forge.Message{Role: "assistant"}
	if text.Len() > 0 {
		ct, _ := json.Marshal(text.String())
		msg.Content = ct
	}
	if len(toolCalls) > 0 {
		msg.ToolCalls = toolCalls
		if stopReason == "" {
			stopReason = "tool_calls"
		}
	}

	var usage *forge.Usage
	if u := result.Get("usage"); u.IsObject() {
		in := int(u.Get("input_tokens").Int())
		out := int(u.Get("output_tokens").Int())
		usage = &forge.Usage{
			PromptTokens:     in,
			CompletionTokens: out,
			TotalTokens:      in + out,
		}
		if c := int(u.Get("cache_read_input_tokens").Int()); c > 0 {
			usage.PromptTokensDetails = &forge.PromptTokensDetails{CachedTokens: c}
		}
	}

	return &forge.ChatResponse{
		ID:      result.Get("id").String(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   result.Get("model").String(),
		Choices: []forge.Choice{{Index: 0, Message: msg, FinishReason: stopReason}},
		Usage:   usage,
	}, nil
}

// mapStopReason converts Anthropic stop reasons to OpenAI finish reasons.
func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return reason
	}
}
