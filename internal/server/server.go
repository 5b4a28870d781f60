// Package server implements the HTTP transport layer for the Forge gateway.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	forge "github.com/forgelabs/forge/internal"
	"github.com/forgelabs/forge/internal/app"
	"github.com/forgelabs/forge/internal/telemetry"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Auth           forge.Authenticator
	Gateway        *app.Gateway
	Admin          *app.Admin         // nil disables the admin surface
	AdminKey       string             // empty disables the admin surface
	ReadyCheck     ReadyChecker       // nil = always ready (for tests)
	Metrics        *telemetry.Metrics // nil = no request metrics
	MetricsHandler http.Handler       // nil = no /metrics route
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}

	// System endpoints (no auth)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// Client-facing API (auth required) -- OpenAI wire dialect
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/v1/chat/completions", s.handleChatCompletions)
		r.Post("/v1/completions", s.handleCompletions)
		r.Post("/v1/embeddings", s.handleEmbeddings)
		r.Post("/v1/images/generations", s.handleImagesGenerations)
		r.Post("/v1/images/edits", s.handleImagesEdits)
		r.Post("/v1/responses", s.handleResponses)
		r.Get("/v1/models", s.handleListModels)
	})

	// Admin surface, guarded by the static admin key from config.
	if deps.AdminKey != "" && deps.Admin != nil {
		r.Group(func(r chi.Router) {
			r.Use(s.adminAuth)
			r.Post("/admin/tenants", s.handleCreateTenant)
			r.Post("/admin/keys", s.handleCreateKey)
			r.Delete("/admin/keys/{id}", s.handleDeleteKey)
			r.Put("/admin/credentials", s.handleUpsertCredential)
			r.Delete("/admin/credentials/{id}", s.handleDeleteCredential)
		})
	}

	return r
}

type server struct {
	deps Deps
}
