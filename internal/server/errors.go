package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	forge "github.com/forgelabs/forge/internal"
	"github.com/forgelabs/forge/internal/adapter"
)

// errorEnvelope is the unary error body: {"detail":"..."}.
type errorEnvelope struct {
	Detail string `json:"detail"`
}

// jsonCT is a pre-allocated header value slice. Direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc
// that Header.Set creates on every call. Saves 1 alloc/req.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// writeDetail writes the error envelope with an explicit message.
func writeDetail(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorEnvelope{Detail: msg})
}

// writeError maps err onto its HTTP status. Upstream API errors keep their
// message even at 500; unexpected internal failures are logged server-side
// and flattened to a generic message so internals never leak.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	detail := errorDetail(err)
	var apiErr *adapter.APIError
	if status == http.StatusInternalServerError && !errors.As(err, &apiErr) {
		slog.LogAttrs(r.Context(), slog.LevelError, "request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		detail = "internal error"
	}
	writeDetail(w, status, detail)
}

// errorStatus maps domain errors onto HTTP statuses. Upstream API errors
// surface with the status the provider returned.
func errorStatus(err error) int {
	var apiErr *adapter.APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	switch {
	case errors.Is(err, forge.ErrInvalidRequest),
		errors.Is(err, forge.ErrInvalidProvider),
		errors.Is(err, forge.ErrInvalidProviderSetup):
		return http.StatusBadRequest
	case errors.Is(err, forge.ErrUnauthorized),
		errors.Is(err, forge.ErrProviderAuthFailed),
		errors.Is(err, forge.ErrScopeDenied):
		return http.StatusUnauthorized
	case errors.Is(err, forge.ErrPaymentRequired):
		return http.StatusPaymentRequired
	case errors.Is(err, forge.ErrNotImplemented), errors.Is(err, forge.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, forge.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, forge.ErrProviderUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// errorDetail picks the client-facing message: upstream errors carry the
// message extracted from the provider's envelope, domain errors their text.
func errorDetail(err error) string {
	var apiErr *adapter.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Message()
	}
	return err.Error()
}
