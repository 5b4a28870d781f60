package server

import (
	"net/http"
	"time"
)

// handleListModels aggregates models across the caller's providers and
// returns an OpenAI-compatible list with {provider}/{native} ids.
func (s *server) handleListModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.deps.Gateway.ListModels(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	now := time.Now().Unix()
	data := make([]modelEntry, len(models))
	for i, m := range models {
		data[i] = modelEntry{
			ID:          m.ID,
			DisplayName: m.DisplayName,
			Object:      "model",
			Created:     now,
			OwnedBy:     m.OwnedBy,
		}
	}

	writeJSON(w, http.StatusOK, modelListResponse{
		Object: "list",
		Data:   data,
	})
}

type modelEntry struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
	Object      string `json:"object"`
	Created     int64  `json:"created"`
	OwnedBy     string `json:"owned_by"`
}

type modelListResponse struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}
