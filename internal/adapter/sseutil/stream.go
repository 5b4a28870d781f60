package sseutil

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"

	forge "github.com/forgelabs/forge/internal"
)

// ReadSSEStream reads SSE frames from resp and sends them as StreamChunks
// on ch. It recognizes the "[DONE]" sentinel, carries "event:" names for
// dialects that use them, and extracts chat-shape usage from whichever
// frame reports it. The channel is closed when the stream ends.
func ReadSSEStream(ctx context.Context, providerName string, resp *http.Response, ch chan<- forge.StreamChunk) {
	defer close(ch)
	defer resp.Body.Close()

	scanner := NewScanner(resp.Body)
	var event string
	for scanner.Scan() {
		ev, data, ok := ParseSSELine(scanner.Text())
		if !ok {
			continue
		}
		if ev != "" {
			event = ev
			continue
		}
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			ch <- forge.StreamChunk{Done: true}
			return
		}

		chunk := forge.StreamChunk{Data: []byte(data), Event: event}
		event = ""
		if u := gjson.GetBytes(chunk.Data, "usage"); u.Exists() && u.Type == gjson.JSON {
			var usage forge.Usage
			if json.Unmarshal([]byte(u.Raw), &usage) == nil && usage.TotalTokens > 0 {
				chunk.Usage = &usage
			}
		}

		select {
		case ch <- chunk:
		case <-ctx.Done():
			ch <- forge.StreamChunk{Err: ctx.Err()}
			return
		}
	}
	if err := scanner.Err(); err != nil {
		ch <- forge.StreamChunk{Err: fmt.Errorf("%s: read stream: %w", providerName, err)}
	}
}
