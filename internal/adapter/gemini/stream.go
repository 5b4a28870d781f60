package gemini

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/tidwall/gjson"

	forge "github.com/forgelabs/forge/internal"
	"github.com/forgelabs/forge/internal/adapter/sseutil"
)

// streamState tracks per-stream accumulation for a streamGenerateContent
// response.
type streamState struct {
	id        string
	model     string
	usage     *forge.Usage
	toolCalls int
}

// readStream consumes a streamGenerateContent body. The upstream frames
// responses as a JSON array written incrementally ("[{...},\n{...}]"), so
// complete top-level objects are scanned out of a growing buffer and each
// one is translated as it lands.
func readStream(ctx context.Context, model string, body io.ReadCloser, ch chan<- forge.StreamChunk) {
	defer close(ch)
	defer body.Close()

	s := &streamState{id: "gemini-" + model, model: model}

	emit := func(chunk forge.StreamChunk) bool {
		select {
		case ch <- chunk:
			return true
		case <-ctx.Done():
			ch <- forge.StreamChunk{Err: ctx.Err()}
			return false
		}
	}

	var buf []byte
	window := make([]byte, 8192)
	for {
		n, readErr := body.Read(window)
		if n > 0 {
			buf = append(buf, window[:n]...)
			for {
				obj, rest, ok := nextObject(buf)
				if !ok {
					break
				}
				buf = rest
				for _, chunk := range s.handleObject(obj) {
					if !emit(chunk) {
						return
					}
					if chunk.Err != nil {
						return
					}
				}
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			ch <- forge.StreamChunk{Err: fmt.Errorf("gemini: read stream: %w", readErr)}
			return
		}
	}

	if s.usage != nil {
		if !emit(forge.StreamChunk{Data: sseutil.BuildUsageChunk(s.id, s.model, s.usage), Usage: s.usage}) {
			return
		}
	}
	emit(forge.StreamChunk{Done: true})
}

// handleObject translates one response object into canonical chunks.
func (s *streamState) handleObject(obj []byte) []forge.StreamChunk {
	r := gjson.ParseBytes(obj)

	if e := r.Get("error"); e.IsObject() {
		msg := e.Get("message").String()
		if msg == "" {
			msg = e.Raw
		}
		return []forge.StreamChunk{{Err: fmt.Errorf("gemini: stream error: %s", msg)}}
	}

	var chunks []forge.StreamChunk
	r.Get("candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
		if t := part.Get("text"); t.Exists() && t.String() != "" {
			chunks = append(chunks, forge.StreamChunk{
				Data: sseutil.BuildDeltaChunk(s.id, s.model, map[string]any{"content": t.String()}, ""),
			})
		}
		if fc := part.Get("functionCall"); fc.Exists() {
			// Function calls arrive whole, not argument by argument.
			idx := s.toolCalls
			s.toolCalls++
			name := fc.Get("name").String()
			args := fc.Get("args").Raw
			if args == "" {
				args = "{}"
			}
			chunks = append(chunks,
				forge.StreamChunk{Data: sseutil.BuildToolCallStartChunk(s.id, s.model, idx, name, name)},
				forge.StreamChunk{Data: sseutil.BuildToolCallDeltaChunk(s.id, s.model, idx, args)},
			)
		}
		return true
	})

	if u := r.Get("usageMetadata"); u.IsObject() {
		s.usage = translateUsageMetadata(u)
	}

	if reason := mapStopReason(r.Get("candidates.0.finishReason").String()); reason != "" {
		chunks = append(chunks, forge.StreamChunk{Data: sseutil.BuildFinishChunk(s.id, s.model, reason)})
	}
	return chunks
}

// nextObject scans buf for the first complete top-level JSON object,
// honoring strings and escapes. Array framing bytes between objects are
// skipped. ok is false while the object is still partial.
func nextObject(buf []byte) (obj, rest []byte, ok bool) {
	start := bytes.IndexByte(buf, '{')
	if start < 0 {
		return nil, buf, false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(buf); i++ {
		c := buf[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return buf[start : i+1], buf[i+1:], true
			}
		}
	}
	return nil, buf, false
}
