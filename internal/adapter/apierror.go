package adapter

import (
	"fmt"
	"io"
	"net/http"

	"github.com/tidwall/gjson"
)

// APIError is a non-2xx reply from an upstream provider. The gateway
// surfaces the upstream's status code to the caller.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

// Error returns provider, status, and the captured body.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.StatusCode, e.Body)
}

// HTTPStatus returns the upstream status code.
func (e *APIError) HTTPStatus() int { return e.StatusCode }

// Message extracts a human-readable message from the error body, trying
// the common envelope shapes before falling back to the raw body.
func (e *APIError) Message() string {
	for _, path := range []string{"error.message", "message", "detail", "error"} {
		if v := gjson.Get(e.Body, path); v.Type == gjson.String && v.String() != "" {
			return v.String()
		}
	}
	if e.Body != "" {
		return e.Body
	}
	return fmt.Sprintf("upstream returned HTTP %d", e.StatusCode)
}

// ParseAPIError reads up to 4KB of the response body into an APIError.
func ParseAPIError(provider string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &APIError{Provider: provider, StatusCode: resp.StatusCode, Body: string(body)}
}
