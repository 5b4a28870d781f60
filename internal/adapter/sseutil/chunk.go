package sseutil

import (
	"encoding/json"
	"time"

	forge "github.com/forgelabs/forge/internal"
)

// Builders for canonical chat.completion.chunk frames. Translator adapters
// (Anthropic, Gemini, Bedrock, Vertex, Cohere) reshape their native events
// through these so every family streams byte-compatible JSON.

// BuildDeltaChunk builds a chunk carrying a delta object, optionally with a
// finish reason.
func BuildDeltaChunk(id, model string, delta map[string]any, finishReason string) []byte {
	chunk := map[string]any{
		"id":      id,
		"object":  "chat.completion.chunk",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]any{{
			"index":         0,
			"delta":         delta,
			"finish_reason": NilOrString(finishReason),
		}},
	}
	b, _ := json.Marshal(chunk)
	return b
}

// BuildToolCallStartChunk opens tool call number index: the delta carries
// the call id, type, and function name with empty arguments.
func BuildToolCallStartChunk(id, model string, index int, callID, name string) []byte {
	return BuildDeltaChunk(id, model, map[string]any{
		"tool_calls": []map[string]any{{
			"index": index,
			"id":    callID,
			"type":  "function",
			"function": map[string]any{
				"name":      name,
				"arguments": "",
			},
		}},
	}, "")
}

// BuildToolCallDeltaChunk appends an argument fragment to tool call number
// index.
func BuildToolCallDeltaChunk(id, model string, index int, argumentsDelta string) []byte {
	return BuildDeltaChunk(id, model, map[string]any{
		"tool_calls": []map[string]any{{
			"index": index,
			"function": map[string]any{
				"arguments": argumentsDelta,
			},
		}},
	}, "")
}

// BuildFinishChunk builds the empty-delta chunk that closes the choice with
// finishReason.
func BuildFinishChunk(id, model, finishReason string) []byte {
	chunk := map[string]any{
		"id":      id,
		"object":  "chat.completion.chunk",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]any{{
			"index":         0,
			"delta":         map[string]any{},
			"finish_reason": finishReason,
		}},
	}
	b, _ := json.Marshal(chunk)
	return b
}

// BuildUsageChunk builds the trailing chunk with empty choices and the
// stream's token usage.
func BuildUsageChunk(id, model string, usage *forge.Usage) []byte {
	u := map[string]any{
		"prompt_tokens":     usage.PromptTokens,
		"completion_tokens": usage.CompletionTokens,
		"total_tokens":      usage.TotalTokens,
	}
	if c := usage.Cached(); c > 0 {
		u["prompt_tokens_details"] = map[string]any{"cached_tokens": c}
	}
	if r := usage.Reasoning(); r > 0 {
		u["completion_tokens_details"] = map[string]any{"reasoning_tokens": r}
	}
	chunk := map[string]any{
		"id":      id,
		"object":  "chat.completion.chunk",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]any{},
		"usage":   u,
	}
	b, _ := json.Marshal(chunk)
	return b
}

// NilOrString returns nil for the empty string, otherwise s. JSON null and
// a missing finish_reason are interchangeable to canonical consumers.
func NilOrString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
