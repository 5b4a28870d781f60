// Package bridge relays a provider's canonical stream to an HTTP client
// as server-sent events and accounts usage as the frames pass.
//
// The response stays uncommitted until the first chunk arrives, so an
// upstream failure at the start of a stream still surfaces as a plain
// HTTP error. Once committed, failures become an in-band error frame
// followed by the [DONE] sentinel.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	forge "github.com/forgelabs/forge/internal"
	"github.com/forgelabs/forge/internal/tokencount"
)

// keepAliveInterval is how often an SSE comment goes out while the
// upstream is quiet.
const keepAliveInterval = 15 * time.Second

// Pre-allocated byte slices for SSE formatting. These avoid heap allocations
// on every write in the streaming hot path.
var (
	sseDataPrefix  = []byte("data: ")
	sseEventPrefix = []byte("event: ")
	sseLineBreak   = []byte("\n")
	sseNewline     = []byte("\n\n")
	sseDone        = []byte("data: [DONE]\n\n")
	sseKeepAlive   = []byte(": keep-alive\n\n")
)

// Pre-allocated header value slices for SSE responses.
// Direct map assignment avoids the []string{v} alloc that Header.Set creates.
var (
	sseContentType  = []string{"text/event-stream"}
	sseCacheControl = []string{"no-cache"}
	sseConnection   = []string{"keep-alive"}
	sseAccelBuf     = []string{"no"}
)

// Options configure a single stream relay.
type Options struct {
	// ApproxInputTokens seeds the prompt-token count used when the
	// provider never reports usage. Callers estimate it from the
	// request messages before the stream starts.
	ApproxInputTokens int

	// AppendDone re-emits the "data: [DONE]" terminator when the stream
	// ends. Chat-completions dialect streams expect it; responses
	// dialect streams end on their own terminal event.
	AppendDone bool
}

// Bridge relays one provider stream to one HTTP response.
type Bridge struct {
	opts     Options
	usage    chan forge.Usage
	reported *forge.Usage
	outChars int
}

// New returns a bridge for a single stream.
func New(opts Options) *Bridge {
	return &Bridge{opts: opts, usage: make(chan forge.Usage, 1)}
}

// Usage returns the channel carrying the stream's final usage. It
// receives exactly one value and is closed no matter how Run exits, so
// it can be handed to the usage pipeline before the stream starts.
func (b *Bridge) Usage() <-chan forge.Usage { return b.usage }

// Run pumps chunks from ch to w until the stream ends. A non-nil return
// means nothing was written and the caller still owns the response; nil
// means the response was committed and terminated, in-band error frame
// included when the upstream broke mid-stream.
func (b *Bridge) Run(ctx context.Context, w http.ResponseWriter, ch <-chan forge.StreamChunk) error {
	defer b.finish()

	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("bridge: response writer does not support flushing")
	}

	// Hold the status line until the first chunk proves the upstream
	// stream is alive.
	var first forge.StreamChunk
	select {
	case chunk, open := <-ch:
		if !open {
			return fmt.Errorf("bridge: stream ended before the first chunk")
		}
		if chunk.Err != nil {
			return chunk.Err
		}
		first = chunk
	case <-ctx.Done():
		return ctx.Err()
	}

	writeSSEHeaders(w)
	if first.Done {
		b.terminate(w, flusher)
		return nil
	}
	b.writeChunk(w, flusher, first)

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case chunk, open := <-ch:
			if !open {
				b.terminate(w, flusher)
				return nil
			}
			if chunk.Err != nil {
				writeErrorFrame(w, chunk.Err)
				flusher.Flush()
				return nil
			}
			if chunk.Done {
				b.terminate(w, flusher)
				return nil
			}
			b.writeChunk(w, flusher, chunk)
		case <-keepAlive.C:
			w.Write(sseKeepAlive)
			flusher.Flush()
		case <-ctx.Done():
			// Client went away. Usage still finalizes from whatever
			// was delivered.
			return nil
		}
	}
}

// writeSSEHeaders commits the response as an event stream.
func writeSSEHeaders(w http.ResponseWriter) {
	h := w.Header()
	h["Content-Type"] = sseContentType
	h["Cache-Control"] = sseCacheControl
	h["Connection"] = sseConnection
	h["X-Accel-Buffering"] = sseAccelBuf
	w.WriteHeader(http.StatusOK)
}

// writeChunk forwards one frame, tagging the SSE event name for
// dialects that carry one, and feeds the usage observer.
func (b *Bridge) writeChunk(w http.ResponseWriter, flusher http.Flusher, chunk forge.StreamChunk) {
	b.observe(chunk)
	if chunk.Event != "" {
		w.Write(sseEventPrefix)
		io.WriteString(w, chunk.Event)
		w.Write(sseLineBreak)
	}
	w.Write(sseDataPrefix)
	w.Write(chunk.Data)
	w.Write(sseNewline)
	flusher.Flush()
}

// terminate ends a committed stream, re-emitting [DONE] for dialects
// that expect it.
func (b *Bridge) terminate(w http.ResponseWriter, flusher http.Flusher) {
	if b.opts.AppendDone {
		w.Write(sseDone)
	}
	flusher.Flush()
}

// writeErrorFrame reports an upstream failure inside an already
// committed stream. The [DONE] sentinel follows regardless of dialect
// so clients always see an explicit end.
func writeErrorFrame(w http.ResponseWriter, err error) {
	frame, _ := json.Marshal(map[string]any{
		"error": map[string]any{
			"message": err.Error(),
			"type":    "stream_error",
			"code":    "provider_error",
		},
	})
	w.Write(sseDataPrefix)
	w.Write(frame)
	w.Write(sseNewline)
	w.Write(sseDone)
}

// observe records reported usage and approximation inputs as frames pass.
func (b *Bridge) observe(chunk forge.StreamChunk) {
	if chunk.Usage != nil {
		b.reported = chunk.Usage
	} else if u := scrapeUsage(chunk.Data); u != nil {
		b.reported = u
	}
	switch chunk.Event {
	case "":
		b.outChars += len(gjson.GetBytes(chunk.Data, "choices.0.delta.content").String())
	case "response.output_text.delta":
		b.outChars += len(gjson.GetBytes(chunk.Data, "delta").String())
	}
}

// scrapeUsage pulls usage out of a frame in either the chat-completions
// shape or the responses shape.
func scrapeUsage(data []byte) *forge.Usage {
	if raw := gjson.GetBytes(data, "usage"); raw.IsObject() {
		var u forge.Usage
		if json.Unmarshal([]byte(raw.Raw), &u) == nil && u.TotalTokens > 0 {
			return &u
		}
	}
	if raw := gjson.GetBytes(data, "response.usage"); raw.IsObject() {
		u := forge.Usage{
			PromptTokens:     int(raw.Get("input_tokens").Int()),
			CompletionTokens: int(raw.Get("output_tokens").Int()),
			TotalTokens:      int(raw.Get("total_tokens").Int()),
		}
		if u.TotalTokens == 0 {
			return nil
		}
		if cached := raw.Get("input_tokens_details.cached_tokens"); cached.Exists() {
			u.PromptTokensDetails = &forge.PromptTokensDetails{CachedTokens: int(cached.Int())}
		}
		if reasoning := raw.Get("output_tokens_details.reasoning_tokens"); reasoning.Exists() {
			u.CompletionTokensDetails = &forge.CompletionTokensDetails{ReasoningTokens: int(reasoning.Int())}
		}
		return &u
	}
	return nil
}

// finish publishes the final usage exactly once. Run defers it on every
// exit path so the usage pipeline never blocks on an abandoned stream.
func (b *Bridge) finish() {
	b.usage <- b.finalUsage()
	close(b.usage)
}

// finalUsage reconciles reported and approximated counts. Providers
// that under-report completion tokens get the total-minus-prompt
// reading, and streams that never report usage fall back to character
// estimates.
func (b *Bridge) finalUsage() forge.Usage {
	var u forge.Usage
	if b.reported != nil {
		u = *b.reported
	}
	if u.PromptTokens == 0 {
		u.PromptTokens = b.opts.ApproxInputTokens
	}
	out := max(u.CompletionTokens, u.TotalTokens-u.PromptTokens)
	if out <= 0 {
		out = tokencount.EstimateChars(b.outChars)
	}
	u.CompletionTokens = out
	u.TotalTokens = u.PromptTokens + out
	return u
}
