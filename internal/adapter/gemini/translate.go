package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	forge "github.com/forgelabs/forge/internal"
)

// geminiRequest is the generateContent request body.
type geminiRequest struct {
	Contents          []geminiContent   `json:"contents"`
	SystemInstruction *geminiContent    `json:"systemInstruction,omitempty"`
	Tools             []geminiTool      `json:"tools,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

// geminiPart is one content part: text, inline bytes, a hosted file
// reference, or function call traffic.
type geminiPart struct {
	Text             string          `json:"text,omitempty"`
	InlineData       *geminiBlob     `json:"inline_data,omitempty"`
	FileData         *geminiFileData `json:"file_data,omitempty"`
	FunctionCall     json.RawMessage `json:"functionCall,omitempty"`
	FunctionResponse json.RawMessage `json:"functionResponse,omitempty"`
}

type geminiBlob struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type geminiFileData struct {
	MimeType string `json:"mime_type,omitempty"`
	FileURI  string `json:"file_uri"`
}

type geminiTool struct {
	FunctionDeclarations []functionDeclaration `json:"functionDeclarations,omitempty"`
}

type functionDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type generationConfig struct {
	Temperature     *float64        `json:"temperature,omitempty"`
	TopP            *float64        `json:"topP,omitempty"`
	MaxOutputTokens *int            `json:"maxOutputTokens,omitempty"`
	StopSequences   json.RawMessage `json:"stopSequences,omitempty"`
}

// translateRequest converts an OpenAI-format ChatRequest to a generateContent
// request. HTTP image URLs go through the Files upload first, so this needs
// the client and a context.
func (c *Client) translateRequest(ctx context.Context, req *forge.ChatRequest) (*geminiRequest, error) {
	out := &geminiRequest{}

	maxTokens := req.MaxTokens
	if maxTokens == nil {
		maxTokens = req.MaxCompletionTokens
	}
	if req.Temperature != nil || req.TopP != nil || maxTokens != nil || len(req.Stop) > 0 {
		out.GenerationConfig = &generationConfig{
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			MaxOutputTokens: maxTokens,
			StopSequences:   req.Stop,
		}
	}

	if decls := translateTools(req.Tools); len(decls) > 0 {
		out.Tools = []geminiTool{{FunctionDeclarations: decls}}
	}

	var system []string
	for i := range req.Messages {
		m := &req.Messages[i]
		switch m.Role {
		case "system", "developer":
			system = append(system, extractText(m.Content))
		case "user":
			parts, err := c.translateParts(ctx, m.Content)
			if err != nil {
				return nil, err
			}
			out.Contents = append(out.Contents, geminiContent{Role: "user", Parts: parts})
		case "assistant":
			parts, err := translateAssistantParts(m)
			if err != nil {
				return nil, err
			}
			out.Contents = append(out.Contents, geminiContent{Role: "model", Parts: parts})
		case "tool":
			// Tool results map to functionResponse parts on the user role.
			out.Contents = append(out.Contents, geminiContent{
				Role:  "user",
				Parts: []geminiPart{{FunctionResponse: functionResponse(m.ToolCallID, m.Content)}},
			})
		}
	}
	if len(system) > 0 {
		out.SystemInstruction = &geminiContent{
			Parts: []geminiPart{{Text: strings.Join(system, "\n")}},
		}
	}

	return out, nil
}

// translateParts converts canonical message content into Gemini parts.
// Inline data: URLs keep their bytes; remote images are uploaded to the
// Files endpoint and referenced by URI.
func (c *Client) translateParts(ctx context.Context, raw json.RawMessage) ([]geminiPart, error) {
	r := gjson.ParseBytes(raw)
	if r.Type == gjson.String {
		return []geminiPart{{Text: r.String()}}, nil
	}
	if !r.IsArray() {
		return []geminiPart{{Text: extractText(raw)}}, nil
	}

	var parts []geminiPart
	var err error
	r.ForEach(func(_, part gjson.Result) bool {
		switch part.Get("type").String() {
		case "text":
			parts = append(parts, geminiPart{Text: part.Get("text").String()})
		case "image_url":
			var p geminiPart
			if p, err = c.translateImage(ctx, part.Get("image_url.url").String()); err != nil {
				return false
			}
			parts = append(parts, p)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return parts, nil
}

func (c *Client) translateImage(ctx context.Context, u string) (geminiPart, error) {
	if rest, ok := strings.CutPrefix(u, "data:"); ok {
		mimeType, data, ok := strings.Cut(rest, ";base64,")
		if !ok {
			return geminiPart{}, fmt.Errorf("gemini: image data url missing base64 payload: %w", forge.ErrInvalidRequest)
		}
		return geminiPart{InlineData: &geminiBlob{MimeType: mimeType, Data: data}}, nil
	}

	uri, mimeType, err := c.uploadFile(ctx, u)
	if err != nil {
		return geminiPart{}, err
	}
	return geminiPart{FileData: &geminiFileData{MimeType: mimeType, FileURI: uri}}, nil
}

// translateAssistantParts converts an assistant turn, replaying tool calls
// as functionCall parts with parsed args.
func translateAssistantParts(m *forge.Message) ([]geminiPart, error) {
	var parts []geminiPart
	if text := extractText(m.Content); text != "" {
		parts = append(parts, geminiPart{Text: text})
	}
	for _, tc := range m.ToolCalls {
		args := json.RawMessage(`{}`)
		if a := strings.TrimSpace(tc.Function.Arguments); a != "" {
			if !json.Valid([]byte(a)) {
				return nil, fmt.Errorf("gemini: tool call %s arguments are not valid JSON: %w",
					tc.ID, forge.ErrInvalidRequest)
			}
			args = json.RawMessage(a)
		}
		fc, _ := json.Marshal(map[string]any{
			"name": tc.Function.Name,
			"args": args,
		})
		parts = append(parts, geminiPart{FunctionCall: fc})
	}
	if len(parts) == 0 {
		parts = []geminiPart{{Text: ""}}
	}
	return parts, nil
}

// functionResponse builds the functionResponse payload. The response field
// must be an object, so non-object tool output is wrapped under "result".
func functionResponse(name string, content json.RawMessage) json.RawMessage {
	var response json.RawMessage
	if r := gjson.ParseBytes(content); r.IsObject() {
		response = content
	} else {
		wrapped, _ := json.Marshal(map[string]any{"result": r.Value()})
		response = wrapped
	}
	fr, _ := json.Marshal(map[string]any{
		"name":     name,
		"response": response,
	})
	return fr
}

func translateTools(tools []forge.Tool) []functionDeclaration {
	if len(tools) == 0 {
		return nil
	}
	decls := make([]functionDeclaration, 0, len(tools))
	for _, t := range tools {
		if t.Function == nil {
			continue
		}
		decls = append(decls, functionDeclaration{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		})
	}
	return decls
}

// translateResponse converts a generateContent JSON response to an
// OpenAI-format ChatResponse.
func translateResponse(data []byte, requestModel string) (*forge.ChatResponse, error) {
	r := gjson.ParseBytes(data)

	stopReason := mapStopReason(r.Get("candidates.0.finishReason").String())

	var text strings.Builder
	var toolCalls []forge.ToolCall
	r.Get("candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
		if t := part.Get("text"); t.Exists() {
			text.WriteString(t.String())
		}
		if fc := part.Get("functionCall"); fc.Exists() {
			args := fc.Get("args").Raw
			if args == "" {
				args = "{}"
			}
			// Gemini has no per-call ids; the function name stands in.
			toolCalls = append(toolCalls, forge.ToolCall{
				ID:   fc.Get("name").String(),
				Type: "function",
				Function: forge.ToolCallFunction{
					Name:      fc.Get("name").String(),
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
	if u := r.Get("usageMetadata"); u.IsObject() {
		usage = translateUsageMetadata(u)
	}

	return &forge.ChatResponse{
		ID:      "gemini-" + requestModel,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   requestModel,
		Choices: []forge.Choice{{Index: 0, Message: msg, FinishReason: stopReason}},
		Usage:   usage,
	}, nil
}

// translateUsageMetadata maps usageMetadata counts onto canonical usage,
// including cached prompt tokens and reasoning ("thoughts") tokens.
func translateUsageMetadata(u gjson.Result) *forge.Usage {
	usage := &forge.Usage{
		PromptTokens:     int(u.Get("promptTokenCount").Int()),
		CompletionTokens: int(u.Get("candidatesTokenCount").Int()),
		TotalTokens:      int(u.Get("totalTokenCount").Int()),
	}
	if c := int(u.Get("cachedContentTokenCount").Int()); c > 0 {
		usage.PromptTokensDetails = &forge.PromptTokensDetails{CachedTokens: c}
	}
	if th := int(u.Get("thoughtsTokenCount").Int()); th > 0 {
		usage.CompletionTokensDetails = &forge.CompletionTokensDetails{ReasoningTokens: th}
	}
	return usage
}

// mapStopReason converts Gemini finish reasons to OpenAI finish reasons.
func mapStopReason(reason string) string {
	switch reason {
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION", "PROHIBITED_CONTENT", "BLOCKLIST":
		return "content_filter"
	case "":
		return ""
	default:
		return strings.ToLower(reason)
	}
}

// extractText flattens message content to plain text: strings pass through,
// multimodal arrays contribute their text parts.
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
