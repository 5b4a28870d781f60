package azure

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	forge "github.com/forgelabs/forge/internal"
	"github.com/forgelabs/forge/internal/adapter/sseutil"
)

// emptyDelta is the choice spliced into zero-choice frames so canonical
// consumers always find choices[0].delta.
var emptyDelta = []byte(`[{"index":0,"delta":{},"finish_reason":null}]`)

// readStream reads Azure's chat-completions SSE frames, repairing the
// zero-choice chunks the content filter prepends before forwarding them.
// Usage is scraped the same way as for the rest of the family.
func readStream(ctx context.Context, providerName string, resp *http.Response, ch chan<- forge.StreamChunk) {
	defer close(ch)
	defer resp.Body.Close()

	scanner := sseutil.NewScanner(resp.Body)
	for scanner.Scan() {
		_, data, ok := sseutil.ParseSSELine(scanner.Text())
		if !ok || data == "" {
			continue
		}
		if data == "[DONE]" {
			ch <- forge.StreamChunk{Done: true}
			return
		}

		chunk := forge.StreamChunk{Data: repairEmptyChoices([]byte(data))}
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

// repairEmptyChoices rewrites frames whose choices array is empty to carry a
// single empty-delta choice. Azure emits such frames for prompt filter
// annotations at stream start. Usage-bearing frames keep their empty array:
// that is the canonical shape of the final stream_options usage chunk.
func repairEmptyChoices(data []byte) []byte {
	choices := gjson.GetBytes(data, "choices")
	if !choices.IsArray() || len(choices.Array()) > 0 {
		return data
	}
	if u := gjson.GetBytes(data, "usage"); u.Exists() && u.IsObject() {
		return data
	}
	out, err := sjson.SetRawBytes(data, "choices", emptyDelta)
	if err != nil {
		return data
	}
	return out
}
