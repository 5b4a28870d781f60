package testutil

import (
	"context"
	"net/http"

	forge "github.com/forgelabs/forge/internal"
)

// FakeAuth authenticates every request as the configured identity.
type FakeAuth struct {
	Identity *forge.Identity
}

// Authenticate returns the configured identity, or a default unrestricted
// one when none is set.
func (a FakeAuth) Authenticate(context.Context, *http.Request) (*forge.Identity, error) {
	if a.Identity != nil {
		return a.Identity, nil
	}
	return &forge.Identity{TenantID: "t-1", KeyID: "key-1", KeyName: "test"}, nil
}

// RejectAuth rejects every request.
type RejectAuth struct{}

// Authenticate always returns ErrUnauthorized.
func (RejectAuth) Authenticate(context.Context, *http.Request) (*forge.Identity, error) {
	return nil, forge.ErrUnauthorized
}
