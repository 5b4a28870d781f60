package anthropic

import (
	"context"
	"fmt"
	"io"

	"github.com/tidwall/gjson"

	forge "github.com/forgelabs/forge/internal"
	"github.com/forgelabs/forge/internal/adapter/sseutil"
)

// streamState tracks one Anthropic SSE stream while it is rewritten into
// canonical chat.completion.chunk frames. Token counts arrive split across
// message_start (input) and message_delta (output); the trailing usage chunk
// is emitted once both sides are in.
type streamState struct {
	name         string
	id           string
	model        string
	inputTokens  int
	cachedTokens int
	outputTokens int
	stopReason   string
	haveInput    bool
	haveOutput   bool
	// toolIdx maps a content block index to its tool call index; text
	// blocks in between mean the two sequences drift apart.
	toolIdx map[int]int
}

// readStream reads Anthropic SSE events and emits OpenAI-format StreamChunks.
func readStream(ctx context.Context, providerName string, body io.ReadCloser, ch chan<- forge.StreamChunk) {
	defer close(ch)
	defer body.Close()

	state := streamState{name: providerName}
	scanner := sseutil.NewScanner(body)

	var currentEvent string
	for scanner.Scan() {
		line := scanner.Text()
		event, data, ok := sseutil.ParseSSELine(line)
		if !ok {
			continue
		}
		if event != "" {
			currentEvent = event
			continue
		}
		if data == "" {
			continue
		}

		chunks := state.handleEvent(currentEvent, data)
		for _, c := range chunks {
			select {
			case ch <- c:
			case <-ctx.Done():
				ch <- forge.StreamChunk{Err: ctx.Err()}
				return
			}
		}
		currentEvent = ""
	}
	if err := scanner.Err(); err != nil {
		ch <- forge.StreamChunk{Err: fmt.Errorf("%s: read stream: %w", providerName, err)}
	}
}

// handleEvent processes a single Anthropic SSE event and returns zero or
// more OpenAI-format StreamChunks.
func (s *streamState) handleEvent(event, data string) []forge.StreamChunk {
	switch event {
	case "message_start":
		return s.onMessageStart(data)
	case "content_block_start":
		return s.onContentBlockStart(data)
	case "content_block_delta":
		return s.onContentBlockDelta(data)
	case "message_delta":
		return s.onMessageDelta(data)
	case "message_stop":
		return s.onMessageStop()
	case "error":
		return s.onError(data)
	case "ping", "content_block_stop":
		return nil
	default:
		return nil
	}
}

func (s *streamState) onMessageStart(data string) []forge.StreamChunk {
	r := gjson.Parse(data)
	s.id = r.Get("message.id").String()
	s.model = r.Get("message.model").String()
	if in := r.Get("message.usage.input_tokens"); in.Exists() {
		s.inputTokens = int(in.Int())
		s.haveInput = true
	}
	s.cachedTokens = int(r.Get("message.usage.cache_read_input_tokens").Int())

	// Emit initial role chunk.
	chunk := sseutil.BuildDeltaChunk(s.id, s.model, map[string]any{"role": "assistant"}, "")
	return []forge.StreamChunk{{Data: chunk}}
}

// onContentBlockStart opens a tool call: the chunk carries the call id, type
// and function name with empty arguments. Text block starts emit nothing;
// their content arrives via deltas.
func (s *streamState) onContentBlockStart(data string) []forge.StreamChunk {
	r := gjson.Parse(data)
	if r.Get("content_block.type").String() != "tool_use" {
		return nil
	}
	if s.toolIdx == nil {
		s.toolIdx = make(map[int]int)
	}
	idx := len(s.toolIdx)
	s.toolIdx[int(r.Get("index").Int())] = idx

	chunk := sseutil.BuildToolCallStartChunk(s.id, s.model, idx,
		r.Get("content_block.id").String(), r.Get("content_block.name").String())
	return []forge.StreamChunk{{Data: chunk}}
}

func (s *streamState) onContentBlockDelta(data string) []forge.StreamChunk {
	r := gjson.Parse(data)

	switch r.Get("delta.type").String() {
	case "text_delta":
		text := r.Get("delta.text").String()
		chunk := sseutil.BuildDeltaChunk(s.id, s.model, map[string]any{"content": text}, "")
		return []forge.StreamChunk{{Data: chunk}}

	case "input_json_delta":
		idx := s.toolIdx[int(r.Get("index").Int())]
		partial := r.Get("delta.partial_json").String()
		chunk := sseutil.BuildToolCallDeltaChunk(s.id, s.model, idx, partial)
		return []forge.StreamChunk{{Data: chunk}}
	}
	return nil
}

func (s *streamState) onMessageDelta(data string) []forge.StreamChunk {
	r := gjson.Parse(data)
	if out := r.Get("usage.output_tokens"); out.Exists() {
		s.outputTokens = int(out.Int())
		s.haveOutput = true
	}
	if sr := r.Get("delta.stop_reason").String(); sr != "" {
		s.stopReason = sr
	}
	return nil
}

func (s *streamState) onMessageStop() []forge.StreamChunk {
	chunks := []forge.StreamChunk{
		{Data: sseutil.BuildFinishChunk(s.id, s.model, mapStopReason(s.stopReason))},
	}

	if s.haveInput && s.haveOutput {
		usage := &forge.Usage{
			PromptTokens:     s.inputTokens,
			CompletionTokens: s.outputTokens,
			TotalTokens:      s.inputTokens + s.outputTokens,
		}
		if s.cachedTokens > 0 {
			usage.PromptTokensDetails = &forge.PromptTokensDetails{CachedTokens: s.cachedTokens}
		}
		chunks = append(chunks, forge.StreamChunk{
			Data:  sseutil.BuildUsageChunk(s.id, s.model, usage),
			Usage: usage,
		})
	}

	return append(chunks, forge.StreamChunk{Done: true})
}

// onError surfaces an in-stream error event (overload, mid-stream abort) as
// an error chunk so the bridge can report it to the caller.
func (s *streamState) onError(data string) []forge.StreamChunk {
	msg := gjson.Get(data, "error.message").String()
	if msg == "" {
		msg = data
	}
	return []forge.StreamChunk{{Err: fmt.Errorf("%s: stream error: %s", s.name, msg)}}
}
