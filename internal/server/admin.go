package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	forge "github.com/forgelabs/forge/internal"
	"github.com/forgelabs/forge/internal/app"
)

// maxAdminBody is the maximum allowed admin request body size (1 MB).
const maxAdminBody = 1 << 20

// decodeJSON limits body size, decodes JSON into v, and writes a 400 on error.
// Returns true if decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxAdminBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// writeAdminError keeps validation messages intact but sanitizes everything
// else, logging the full error server-side so internal details (e.g. SQLite
// errors) never reach the client.
func writeAdminError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	switch {
	case errors.Is(err, forge.ErrNotFound):
		writeDetail(w, status, "not found")
	case errors.Is(err, forge.ErrConflict):
		writeDetail(w, status, "conflict")
	case errors.Is(err, forge.ErrInvalidRequest), errors.Is(err, forge.ErrInvalidProvider):
		writeDetail(w, status, err.Error())
	default:
		slog.LogAttrs(r.Context(), slog.LevelError, "admin error",
			slog.String("error", err.Error()),
		)
		writeDetail(w, http.StatusInternalServerError, "internal error")
	}
}

// --- Tenants ---

type tenantCreateRequest struct {
	Name string `json:"name"`
}

func (s *server) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var req tenantCreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	tenant, err := s.deps.Admin.CreateTenant(r.Context(), req.Name)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.Header().Set("Location", "/admin/tenants/"+tenant.ID)
	writeJSON(w, http.StatusCreated, tenant)
}

// --- Keys ---

type keyCreateRequest struct {
	TenantID string `json:"tenant_id"`
	Name     string `json:"name"`
	// Scopes lists credential IDs the key may use; empty = unrestricted.
	Scopes []string `json:"scopes,omitempty"`
}

// keyCreateResponse includes the plaintext secret (shown only once).
type keyCreateResponse struct {
	*forge.ClientKey
	Secret string `json:"secret"`
}

func (s *server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req keyCreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	secret, key, err := s.deps.Admin.CreateKey(r.Context(), app.CreateKeyParams{
		TenantID: req.TenantID,
		Name:     req.Name,
		Scopes:   req.Scopes,
	})
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.Header().Set("Location", "/admin/keys/"+key.ID)
	writeJSON(w, http.StatusCreated, keyCreateResponse{
		ClientKey: key,
		Secret:    secret,
	})
}

func (s *server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Admin.DeleteKey(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Credentials ---

type credentialUpsertRequest struct {
	TenantID string            `json:"tenant_id"`
	Provider string            `json:"provider"`
	Secret   string            `json:"secret"`
	Config   map[string]string `json:"config,omitempty"`
	BaseURL  string            `json:"base_url,omitempty"`
	ModelMap map[string]string `json:"model_map,omitempty"`
	Billable bool              `json:"billable"`
}

// credentialResponse echoes the stored credential with the masked secret so
// operators can verify which key landed without it ever leaving intact.
type credentialResponse struct {
	*forge.ProviderCredential
	MaskedSecret string `json:"masked_secret"`
}

func (s *server) handleUpsertCredential(w http.ResponseWriter, r *http.Request) {
	var req credentialUpsertRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	cred, masked, err := s.deps.Admin.UpsertCredential(r.Context(), app.UpsertCredentialParams{
		TenantID: req.TenantID,
		Provider: req.Provider,
		Secret:   req.Secret,
		Config:   req.Config,
		BaseURL:  req.BaseURL,
		ModelMap: req.ModelMap,
		Billable: req.Billable,
	})
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, credentialResponse{
		ProviderCredential: cred,
		MaskedSecret:       masked,
	})
}

func (s *server) handleDeleteCredential(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Admin.DeleteCredential(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
