// Package tokencount estimates token counts for usage accounting when a
// provider omits usage data. Uses a character-based heuristic (~4 chars per
// token for English), which is sufficient for approximate billing; exact
// counts always come from the provider when reported.
package tokencount

import (
	"encoding/json"

	forge "github.com/forgelabs/forge/internal"
)

// EstimateMessages approximates the prompt tokens of a chat request from
// the characters of its message contents.
func EstimateMessages(messages []forge.Message) int {
	total := 0
	for _, m := range messages {
		total += len(contentText(m.Content))
		for _, tc := range m.ToolCalls {
			total += len(tc.Function.Name) + len(tc.Function.Arguments)
		}
	}
	return max(tokensFromChars(total), 1)
}

// EstimateText approximates tokens for accumulated plain text, e.g. the
// concatenated content deltas of a stream.
func EstimateText(text string) int {
	return EstimateChars(len(text))
}

// EstimateChars approximates tokens for n characters of streamed text.
// Streaming callers keep a running count instead of the text itself.
func EstimateChars(n int) int {
	if n <= 0 {
		return 0
	}
	return max(tokensFromChars(n), 1)
}

// contentText flattens a message content value: either a JSON string or an
// array of multimodal parts whose text fields count.
func contentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []forge.ContentPart
	if err := json.Unmarshal(raw, &parts); err == nil {
		var out string
		for _, p := range parts {
			out += p.Text
		}
		return out
	}
	return string(raw)
}

// tokensFromChars applies the ~4 chars per token heuristic, ceil division.
func tokensFromChars(n int) int {
	return (n + 3) / 4
}
