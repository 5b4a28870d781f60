package cohere

import (
	"context"
	"fmt"
	"io"

	"github.com/tidwall/gjson"

	forge "github.com/forgelabs/forge/internal"
	"github.com/forgelabs/forge/internal/adapter/sseutil"
)

// streamState tracks one v2 chat stream while it is rewritten into canonical
// chat.completion.chunk frames. v2 sends data-only SSE with the event type
// embedded in the payload.
type streamState struct {
	id    string
	model string
	// toolIdx maps a v2 tool call index to its canonical index; content
	// items between calls make the two sequences drift apart.
	toolIdx map[int]int
}

// readStream reads v2 chat SSE events and emits OpenAI-format StreamChunks.
// The finish and usage frames come from message-end; Done follows at EOF.
func readStream(ctx context.Context, model string, body io.ReadCloser, ch chan<- forge.StreamChunk) {
	defer close(ch)
	defer body.Close()

	state := streamState{model: model}
	scanner := sseutil.NewScanner(body)
	for scanner.Scan() {
		_, data, ok := sseutil.ParseSSELine(scanner.Text())
		if !ok || data == "" || data == "[DONE]" {
			continue
		}

		for _, c := range state.handleEvent(data) {
			select {
			case ch <- c:
			case <-ctx.Done():
				ch <- forge.StreamChunk{Err: ctx.Err()}
				return
			}
		}
	}
	if err := scanner.Err(); err != nil {
		ch <- forge.StreamChunk{Err: fmt.Errorf("cohere: read stream: %w", err)}
		return
	}
	ch <- forge.StreamChunk{Done: true}
}

// handleEvent processes a single v2 stream event and returns zero or more
// OpenAI-format StreamChunks. Plan, citation and content boundary events
// carry nothing the canonical dialect expresses.
func (s *streamState) handleEvent(data string) []forge.StreamChunk {
	r := gjson.Parse(data)
	switch r.Get("type").String() {
	case "message-start":
		s.id = r.Get("id").String()
		chunk := sseutil.BuildDeltaChunk(s.id, s.model, map[string]any{"role": "assistant"}, "")
		return []forge.StreamChunk{{Data: chunk}}

	case "content-delta":
		text := r.Get("delta.message.content.text").String()
		if text == "" {
			return nil
		}
		chunk := sseutil.BuildDeltaChunk(s.id, s.model, map[string]any{"content": text}, "")
		return []forge.StreamChunk{{Data: chunk}}

	case "tool-call-start":
		if s.toolIdx == nil {
			s.toolIdx = make(map[int]int)
		}
		idx := len(s.toolIdx)
		s.toolIdx[int(r.Get("index").Int())] = idx

		tc := r.Get("delta.message.tool_calls")
		chunk := sseutil.BuildToolCallStartChunk(s.id, s.model, idx,
			tc.Get("id").String(), tc.Get("function.name").String())
		return []forge.StreamChunk{{Data: chunk}}

	case "tool-call-delta":
		idx := s.toolIdx[int(r.Get("index").Int())]
		args := r.Get("delta.message.tool_calls.function.arguments").String()
		chunk := sseutil.BuildToolCallDeltaChunk(s.id, s.model, idx, args)
		return []forge.StreamChunk{{Data: chunk}}

	case "message-end":
		chunks := []forge.StreamChunk{{
			Data: sseutil.BuildFinishChunk(s.id, s.model, mapFinishReason(r.Get("delta.finish_reason").String())),
		}}
		if usage := translateUsage(r.Get("delta.usage")); usage != nil {
			chunks = append(chunks, forge.StreamChunk{
				Data:  sseutil.BuildUsageChunk(s.id, s.model, usage),
				Usage: usage,
			})
		}
		return chunks

	default:
		return nil
	}
}
