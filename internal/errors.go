package forge

import "errors"

// Sentinel errors for the gateway domain.
var (
	ErrUnauthorized         = errors.New("unauthorized")
	ErrInvalidRequest       = errors.New("invalid request")
	ErrInvalidProvider      = errors.New("invalid provider")
	ErrProviderAuthFailed   = errors.New("provider authentication failed")
	ErrInvalidProviderSetup = errors.New("invalid provider setup")
	ErrScopeDenied          = errors.New("api key scope denies this provider")
	ErrPaymentRequired      = errors.New("payment required")
	ErrNotImplemented       = errors.New("not implemented")
	ErrNotFound             = errors.New("not found")
	ErrConflict             = errors.New("conflict")
	// ErrProviderUnavailable short-circuits calls to a provider whose
	// recent error rate tripped its circuit breaker.
	ErrProviderUnavailable = errors.New("provider temporarily unavailable")
)
