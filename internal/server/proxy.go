package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"sync"

	forge "github.com/forgelabs/forge/internal"
	"github.com/forgelabs/forge/internal/bridge"
)

// maxRequestBody caps inference request bodies. 10 MB leaves room for
// base64-encoded images in multimodal messages.
const maxRequestBody = 10 << 20

// bodyPool recycles read buffers across requests.
var bodyPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// readBody drains the request body through a pooled buffer, enforcing the
// size cap. Writes a 400 and returns false on failure.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	buf := bodyPool.Get().(*bytes.Buffer)
	buf.Reset()
	if _, err := buf.ReadFrom(r.Body); err != nil {
		bodyPool.Put(buf)
		writeDetail(w, http.StatusBadRequest, "failed to read request body")
		return nil, false
	}
	body := bytes.Clone(buf.Bytes())
	bodyPool.Put(buf)
	return body, true
}

func (s *server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var req forge.ChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	// Passthrough providers forward the original payload verbatim apart
	// from the model rewrite, so fields the typed struct does not model
	// must survive.
	req.Raw = body

	if req.Stream {
		s.streamChat(w, r, &req)
		return
	}

	resp, err := s.deps.Gateway.ChatCompletion(r.Context(), &req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// streamChat relays a chat completion stream. The bridge holds the status
// line until the first upstream chunk arrives, so open failures still
// surface as plain HTTP errors; after that, failures become in-band frames.
func (s *server) streamChat(w http.ResponseWriter, r *http.Request, req *forge.ChatRequest) {
	st, err := s.deps.Gateway.ChatCompletionStream(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	br := bridge.New(bridge.Options{
		ApproxInputTokens: st.ApproxInputTokens,
		AppendDone:        true,
	})
	if err := br.Run(r.Context(), w, st.Chunks); err != nil {
		st.Abort(err)
		writeError(w, r, err)
		return
	}
	st.Commit(br.Usage())
}
