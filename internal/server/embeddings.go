package server

import (
	"encoding/json"
	"net/http"

	forge "github.com/forgelabs/forge/internal"
)

// handleEmbeddings decodes an embeddings request and forwards it through
// the gateway.
func (s *server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var req forge.EmbeddingsRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	req.Raw = body

	resp, err := s.deps.Gateway.Embeddings(r.Context(), &req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
