package bedrock

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	forge "github.com/forgelabs/forge/internal"
)

// converseRequest is the Converse API request body.
type converseRequest struct {
	Messages        []converseMessage `json:"messages"`
	System          []systemBlock     `json:"system,omitempty"`
	InferenceConfig *inferenceConfig  `json:"inferenceConfig,omitempty"`
	ToolConfig      *toolConfig       `json:"toolConfig,omitempty"`
}

type systemBlock struct {
	Text string `json:"text"`
}

type converseMessage struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Text       string           `json:"text,omitempty"`
	Image      *imageBlock      `json:"image,omitempty"`
	ToolUse    *toolUseBlock    `json:"toolUse,omitempty"`
	ToolResult *toolResultBlock `json:"toolResult,omitempty"`
}

type imageBlock struct {
	Format string      `json:"format"`
	Source imageSource `json:"source"`
}

// imageSource carries the image bytes; the JSON protocol encodes blobs as
// base64 strings.
type imageSource struct {
	Bytes string `json:"bytes"`
}

type toolUseBlock struct {
	ToolUseID string          `json:"toolUseId"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
}

type toolResultBlock struct {
	ToolUseID string              `json:"toolUseId"`
	Content   []toolResultContent `json:"content"`
}

type toolResultContent struct {
	JSON json.RawMessage `json:"json,omitempty"`
	Text string          `json:"text,omitempty"`
}

type inferenceConfig struct {
	Temperature   *float64 `json:"temperature,omitempty"`
	TopP          *float64 `json:"topP,omitempty"`
	MaxTokens     *int     `json:"maxTokens,omitempty"`
	StopSequences []string `json:"stopSequences,omitempty"`
}

type toolConfig struct {
	Tools      []converseTool  `json:"tools"`
	ToolChoice json.RawMessage `json:"toolChoice,omitempty"`
}

type converseTool struct {
	ToolSpec toolSpec `json:"toolSpec"`
}

type toolSpec struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	InputSchema inputSchema `json:"inputSchema"`
}

type inputSchema struct {
	JSON json.RawMessage `json:"json"`
}

// translateRequest converts an OpenAI-format ChatRequest into a Converse
// request. Remote images are downloaded and inlined, so it needs a context.
func (c *Client) translateRequest(ctx context.Context, req *forge.ChatRequest) (*converseRequest, error) {
	out := &converseRequest{}

	for i := range req.Messages {
		m := &req.Messages[i]
		switch m.Role {
		case "system", "developer":
			out.System = append(out.System, systemBlock{Text: extractText(m.Content)})
		case "user":
			content, err := c.translateContent(ctx, m.Content)
			if err != nil {
				return nil, err
			}
			out.Messages = append(out.Messages, converseMessage{Role: "user", Content: content})
		case "assistant":
			content, err := translateAssistantContent(m)
			if err != nil {
				return nil, err
			}
			out.Messages = append(out.Messages, converseMessage{Role: "assistant", Content: content})
		case "tool":
			out.Messages = append(out.Messages, converseMessage{
				Role:    "user",
				Content: []contentBlock{{ToolResult: toolResult(m)}},
			})
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens == nil {
		maxTokens = req.MaxCompletionTokens
	}
	stop := stopSequences(req.Stop)
	if req.Temperature != nil || req.TopP != nil || maxTokens != nil || len(stop) > 0 {
		out.InferenceConfig = &inferenceConfig{
			Temperature:   req.Temperature,
			TopP:          req.TopP,
			MaxTokens:     maxTokens,
			StopSequences: stop,
		}
	}

	tc, err := translateToolConfig(req.Tools, req.ToolChoice)
	if err != nil {
		return nil, err
	}
	out.ToolConfig = tc

	return out, nil
}

func (c *Client) translateContent(ctx context.Context, raw json.RawMessage) ([]contentBlock, error) {
	r := gjson.ParseBytes(raw)
	if r.Type == gjson.String {
		return []contentBlock{{Text: r.String()}}, nil
	}
	if !r.IsArray() {
		return []contentBlock{{Text: extractText(raw)}}, nil
	}

	var blocks []contentBlock
	var err error
	r.ForEach(func(_, part gjson.Result) bool {
		switch part.Get("type").String() {
		case "text":
			blocks = append(blocks, contentBlock{Text: part.Get("text").String()})
		case "image_url":
			var img *imageBlock
			if img, err = c.translateImage(ctx, part.Get("image_url.url").String()); err != nil {
				return false
			}
			blocks = append(blocks, contentBlock{Image: img})
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return blocks, nil
}

// translateImage produces an inline image block. data: URLs carry their own
// base64 payload; http(s) URLs are downloaded and the format is taken from
// the response Content-Type.
func (c *Client) translateImage(ctx context.Context, u string) (*imageBlock, error) {
	if rest, ok := strings.CutPrefix(u, "data:"); ok {
		mediaType, data, ok := strings.Cut(rest, ";base64,")
		if !ok {
			return nil, fmt.Errorf("bedrock: image data url missing base64 payload: %w", forge.ErrInvalidRequest)
		}
		format, err := imageFormat(mediaType)
		if err != nil {
			return nil, err
		}
		return &imageBlock{Format: format, Source: imageSource{Bytes: data}}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("bedrock: fetch image %s: %w", u, err)
	}
	resp, err := c.download.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bedrock: fetch image %s: %w", u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("bedrock: fetch image %s: HTTP %d: %w", u, resp.StatusCode, forge.ErrInvalidRequest)
	}

	format, err := imageFormat(resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("bedrock: fetch image %s: %w", u, err)
	}
	return &imageBlock{
		Format: format,
		Source: imageSource{Bytes: base64.StdEncoding.EncodeToString(data)},
	}, nil
}

// imageFormat maps a media type to the Converse image format name.
func imageFormat(mediaType string) (string, error) {
	if semi := strings.IndexByte(mediaType, ';'); semi >= 0 {
		mediaType = mediaType[:semi]
	}
	format, ok := strings.CutPrefix(strings.TrimSpace(mediaType), "image/")
	if !ok {
		return "", fmt.Errorf("bedrock: unsupported image media type %q: %w", mediaType, forge.ErrInvalidRequest)
	}
	if format == "jpg" {
		format = "jpeg"
	}
	return format, nil
}

func translateAssistantContent(m *forge.Message) ([]contentBlock, error) {
	var blocks []contentBlock
	if text := extractText(m.Content); text != "" {
		blocks = append(blocks, contentBlock{Text: text})
	}
	for _, tc := range m.ToolCalls {
		input := json.RawMessage(`{}`)
		if a := strings.TrimSpace(tc.Function.Arguments); a != "" {
			if !json.Valid([]byte(a)) {
				return nil, fmt.Errorf("bedrock: tool call %s arguments are not valid JSON: %w",
					tc.ID, forge.ErrInvalidRequest)
			}
			input = json.RawMessage(a)
		}
		blocks = append(blocks, contentBlock{ToolUse: &toolUseBlock{
			ToolUseID: tc.ID,
			Name:      tc.Function.Name,
			Input:     input,
		}})
	}
	if len(blocks) == 0 {
		blocks = []contentBlock{{Text: ""}}
	}
	return blocks, nil
}

func toolResult(m *forge.Message) *toolResultBlock {
	block := &toolResultBlock{ToolUseID: m.ToolCallID}
	if r := gjson.ParseBytes(m.Content); r.IsObject() || r.IsArray() {
		block.Content = []toolResultContent{{JSON: m.Content}}
	} else {
		block.Content = []toolResultContent{{Text: extractText(m.Content)}}
	}
	return block
}

func translateToolConfig(tools []forge.Tool, choice json.RawMessage) (*toolConfig, error) {
	if len(tools) == 0 {
		return nil, nil
	}

	tc := &toolConfig{}
	for _, t := range tools {
		if t.Function == nil {
			continue
		}
		schema := t.Function.Parameters
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		tc.Tools = append(tc.Tools, converseTool{ToolSpec: toolSpec{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: inputSchema{JSON: schema},
		}})
	}
	if len(tc.Tools) == 0 {
		return nil, nil
	}

	if len(choice) > 0 {
		r := gjson.ParseBytes(choice)
		switch {
		case r.Type == gjson.String && r.String() == "auto":
			tc.ToolChoice = json.RawMessage(`{"auto":{}}`)
		case r.Type == gjson.String && r.String() == "none":
			// Converse has no "none"; omitting the tools entirely has
			// the same effect.
			return nil, nil
		case r.Type == gjson.String && r.String() == "required":
			tc.ToolChoice = json.RawMessage(`{"any":{}}`)
		case r.IsObject() && r.Get("type").String() == "function":
			name, _ := json.Marshal(map[string]any{
				"tool": map[string]any{"name": r.Get("function.name").String()},
			})
			tc.ToolChoice = name
		default:
			return nil, fmt.Errorf("bedrock: unsupported tool_choice %s: %w", choice, forge.ErrInvalidRequest)
		}
	}
	return tc, nil
}

// translateResponse converts a Converse response to an OpenAI-format
// ChatResponse.
func translateResponse(data []byte, model string) (*forge.ChatResponse, error) {
	r := gjson.ParseBytes(data)

	var text strings.Builder
	var toolCalls []forge.ToolCall
	r.Get("output.message.content").ForEach(func(_, block gjson.Result) bool {
		if t := block.Get("text"); t.Exists() {
			text.WriteString(t.String())
		}
		if tu := block.Get("toolUse"); tu.Exists() {
			input := tu.Get("input").Raw
			if input == "" {
				input = "{}"
			}
			toolCalls = append(toolCalls, forge.ToolCall{
				ID:   tu.Get("toolUseId").String(),
				Type: "function",
				Function: forge.ToolCallFunction{
					Name:      tu.Get("name").String(),
					Arguments: input,
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
	}

	var usage *forge.Usage
	if u := r.Get("usage"); u.IsObject() {
		usage = translateUsage(u)
	}

	return &forge.ChatResponse{
		ID:      "bedrock-" + model,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []forge.Choice{{
			Index:        0,
			Message:      msg,
			FinishReason: mapStopReason(r.Get("stopReason").String()),
		}},
		Usage: usage,
	}, nil
}

func translateUsage(u gjson.Result) *forge.Usage {
	usage := &forge.Usage{
		PromptTokens:     int(u.Get("inputTokens").Int()),
		CompletionTokens: int(u.Get("outputTokens").Int()),
		TotalTokens:      int(u.Get("totalTokens").Int()),
	}
	if c := int(u.Get("cacheReadInputTokens").Int()); c > 0 {
		usage.PromptTokensDetails = &forge.PromptTokensDetails{CachedTokens: c}
	}
	return usage
}

// mapStopReason converts Converse stop reasons to OpenAI finish reasons.
// The table matches the Anthropic adapter, plus the guardrail outcomes.
func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	case "content_filtered", "guardrail_intervened":
		return "content_filter"
	case "":
		return ""
	default:
		return strings.ToLower(reason)
	}
}

// stopSequences parses the canonical stop field (string or array of
// strings) into the list Converse expects.
func stopSequences(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	r := gjson.ParseBytes(raw)
	if r.Type == gjson.String {
		return []string{r.String()}
	}
	var out []string
	r.ForEach(func(_, el gjson.Result) bool {
		if el.Type == gjson.String {
			out = append(out, el.String())
		}
		return true
	})
	return out
}

// extractText flattens message content to plain text.
func extractText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	r := gjson.ParseBytes(raw)
	if r.Type == gjson.String {
		return r.String()
	}
	if r.IsArray() {
		var b strings.Builder
		r.ForEach(func(_, part gjson.Result) bool {
			if part.Get("type").String() == "text" {
				b.WriteString(part.Get("text").String())
			}
			return true
		})
		return b.String()
	}
	return ""
}
