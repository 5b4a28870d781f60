package bedrock

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
	"github.com/tidwall/gjson"

	forge "github.com/forgelabs/forge/internal"
	"github.com/forgelabs/forge/internal/adapter/sseutil"
)

// streamState tracks per-stream accumulation for a converse-stream response.
// toolIdx maps Converse content block indices, which count text blocks too,
// onto sequential tool call indices.
type streamState struct {
	id      string
	model   string
	usage   *forge.Usage
	toolIdx map[int]int
}

// readStream decodes AWS binary event stream frames from a converse-stream
// response body and emits OpenAI-format chunks. Unlike the legacy invoke
// stream, Converse frames carry their event JSON directly in the payload,
// typed by the :event-type header.
func readStream(ctx context.Context, model string, body io.ReadCloser, ch chan<- forge.StreamChunk) {
	defer close(ch)
	defer body.Close()

	s := &streamState{id: "bedrock-" + model, model: model, toolIdx: make(map[int]int)}
	decoder := eventstream.NewDecoder()

	for {
		msg, err := decoder.Decode(body, nil)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			ch <- forge.StreamChunk{Err: fmt.Errorf("bedrock: decode event stream: %w", err)}
			return
		}

		msgType := headerValue(msg.Headers, ":message-type")
		if msgType == "exception" {
			errType := headerValue(msg.Headers, ":exception-type")
			if len(errType) > 64 {
				errType = errType[:64]
			}
			payload := msg.Payload
			if len(payload) > 512 {
				payload = payload[:512]
			}
			ch <- forge.StreamChunk{Err: fmt.Errorf("bedrock: %s: %s", errType, payload)}
			return
		}
		if msgType != "event" {
			continue
		}

		event := headerValue(msg.Headers, ":event-type")
		for _, chunk := range s.handleEvent(event, msg.Payload) {
			select {
			case ch <- chunk:
			case <-ctx.Done():
				ch <- forge.StreamChunk{Err: ctx.Err()}
				return
			}
		}
	}

	if s.usage != nil {
		select {
		case ch <- forge.StreamChunk{Data: sseutil.BuildUsageChunk(s.id, s.model, s.usage), Usage: s.usage}:
		case <-ctx.Done():
			ch <- forge.StreamChunk{Err: ctx.Err()}
			return
		}
	}
	select {
	case ch <- forge.StreamChunk{Done: true}:
	case <-ctx.Done():
		ch <- forge.StreamChunk{Err: ctx.Err()}
	}
}

// handleEvent translates one Converse event into canonical chunks.
func (s *streamState) handleEvent(event string, payload []byte) []forge.StreamChunk {
	r := gjson.ParseBytes(payload)

	switch event {
	case "messageStart":
		return []forge.StreamChunk{{
			Data: sseutil.BuildDeltaChunk(s.id, s.model, map[string]any{"role": "assistant"}, ""),
		}}

	case "contentBlockStart":
		tu := r.Get("start.toolUse")
		if !tu.Exists() {
			return nil
		}
		block := int(r.Get("contentBlockIndex").Int())
		idx := len(s.toolIdx)
		s.toolIdx[block] = idx
		return []forge.StreamChunk{{
			Data: sseutil.BuildToolCallStartChunk(s.id, s.model, idx,
				tu.Get("toolUseId").String(), tu.Get("name").String()),
		}}

	case "contentBlockDelta":
		if text := r.Get("delta.text"); text.Exists() {
			return []forge.StreamChunk{{
				Data: sseutil.BuildDeltaChunk(s.id, s.model, map[string]any{"content": text.String()}, ""),
			}}
		}
		if input := r.Get("delta.toolUse.input"); input.Exists() {
			block := int(r.Get("contentBlockIndex").Int())
			idx, ok := s.toolIdx[block]
			if !ok {
				idx = len(s.toolIdx)
				s.toolIdx[block] = idx
			}
			return []forge.StreamChunk{{
				Data: sseutil.BuildToolCallDeltaChunk(s.id, s.model, idx, input.String()),
			}}
		}
		return nil

	case "messageStop":
		reason := mapStopReason(r.Get("stopReason").String())
		if reason == "" {
			reason = "stop"
		}
		return []forge.StreamChunk{{Data: sseutil.BuildFinishChunk(s.id, s.model, reason)}}

	case "metadata":
		if u := r.Get("usage"); u.IsObject() {
			s.usage = translateUsage(u)
		}
		return nil
	}
	return nil
}

// headerValue extracts a string header value from event stream headers.
func headerValue(headers eventstream.Headers, name string) string {
	v := headers.Get(name)
	if v == nil {
		return ""
	}
	if sv, ok := v.(eventstream.StringValue); ok {
		return string(sv)
	}
	return ""
}
