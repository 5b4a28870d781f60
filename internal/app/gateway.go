// Package app implements application-level services for the Forge gateway:
// the dispatch pipeline that turns an authenticated request into an upstream
// adapter call with accounting, and the admin surface that mutates tenants,
// keys, and credentials.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	forge "github.com/forgelabs/forge/internal"
	"github.com/forgelabs/forge/internal/adapter"
	"github.com/forgelabs/forge/internal/cache"
	"github.com/forgelabs/forge/internal/circuitbreaker"
	"github.com/forgelabs/forge/internal/resolver"
	"github.com/forgelabs/forge/internal/telemetry"
	"github.com/forgelabs/forge/internal/tokencount"
	"github.com/forgelabs/forge/internal/usage"
)

// Resolver maps model strings onto constructed provider adapters for one
// caller. Implemented by resolver.Service; narrowed here so tests can
// substitute fakes.
type Resolver interface {
	Resolve(ctx context.Context, id *forge.Identity, model string) (*resolver.Resolution, error)
	TenantProviders(ctx context.Context, id *forge.Identity) ([]resolver.TenantProvider, error)
}

// GatewayDeps holds the collaborators of the dispatch pipeline.
type GatewayDeps struct {
	Resolver Resolver
	Tracker  *usage.Tracker
	Cache    cache.Cache
	Breakers *circuitbreaker.Registry // nil = no admission breaking
	Metrics  *telemetry.Metrics       // nil = no upstream metrics
	// UpstreamTimeout caps unary provider calls. Zero leaves them bounded
	// by the request context alone. Streams are never capped here; their
	// lifetime belongs to the client connection.
	UpstreamTimeout time.Duration
}

// Gateway dispatches inference calls: resolve the model, admit through the
// credential's circuit breaker and the tenant wallet, call the adapter, and
// settle usage accounting.
type Gateway struct {
	deps GatewayDeps
}

// NewGateway returns a Gateway wired to the given collaborators.
func NewGateway(deps GatewayDeps) *Gateway {
	return &Gateway{deps: deps}
}

// call is one admitted dispatch: the resolution plus the accounting and
// breaker state that settle when the upstream outcome is known.
type call struct {
	res     *resolver.Resolution
	pending *usage.Pending
	breaker *circuitbreaker.Breaker
}

// admit runs the shared front half of every dispatch: resolve the model for
// the caller, short-circuit through the credential's breaker, and open the
// usage row (which prechecks the wallet for billable credentials).
func (g *Gateway) admit(ctx context.Context, model string, endpoint forge.Endpoint) (*call, error) {
	id := forge.IdentityFromContext(ctx)
	if id == nil {
		return nil, forge.ErrUnauthorized
	}

	res, err := g.deps.Resolver.Resolve(ctx, id, model)
	if err != nil {
		return nil, err
	}

	var breaker *circuitbreaker.Breaker
	if g.deps.Breakers != nil {
		breaker = g.deps.Breakers.GetOrCreate(res.CredentialID)
		if !breaker.Allow() {
			if g.deps.Metrics != nil {
				g.deps.Metrics.BreakerRejects.WithLabelValues(res.ProviderName).Inc()
			}
			return nil, fmt.Errorf("app: circuit open for provider %s: %w", res.ProviderName, forge.ErrProviderUnavailable)
		}
	}

	pending, err := g.deps.Tracker.Open(ctx, usage.OpenParams{
		TenantID:     id.TenantID,
		KeyID:        id.KeyID,
		CredentialID: res.CredentialID,
		Provider:     res.ProviderName,
		Model:        model,
		NativeModel:  res.NativeModel,
		Endpoint:     endpoint,
		Billable:     res.Billable,
	})
	if err != nil {
		if g.deps.Metrics != nil && errors.Is(err, forge.ErrPaymentRequired) {
			g.deps.Metrics.WalletRejects.Inc()
		}
		return nil, err
	}

	return &call{res: res, pending: pending, breaker: breaker}, nil
}

// fail settles a dispatch whose upstream call errored: the breaker records
// the failure and the usage row closes with zero counts.
func (g *Gateway) fail(c *call, err error) {
	if c.breaker != nil {
		c.breaker.RecordError(circuitbreaker.ClassifyError(err))
	}
	g.countUpstreamError(c.res.ProviderName, err)
	c.pending.Finalize(forge.Usage{})
}

// succeed settles a unary dispatch: breaker success, duration observation,
// and detached finalization with the known usage.
func (g *Gateway) succeed(c *call, u forge.Usage, elapsed time.Duration) {
	if c.breaker != nil {
		c.breaker.RecordSuccess()
	}
	if g.deps.Metrics != nil {
		g.deps.Metrics.UpstreamDuration.WithLabelValues(c.res.ProviderName, c.res.NativeModel).Observe(elapsed.Seconds())
	}
	c.pending.Finalize(u)
}

// unaryCtx bounds one unary upstream call when a timeout is configured.
func (g *Gateway) unaryCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.deps.UpstreamTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, g.deps.UpstreamTimeout)
}

func (g *Gateway) countUpstreamError(provider string, err error) {
	if g.deps.Metrics == nil {
		return
	}
	status := "transport"
	var apiErr *adapter.APIError
	if errors.As(err, &apiErr) {
		status = strconv.Itoa(apiErr.StatusCode)
	}
	g.deps.Metrics.UpstreamErrors.WithLabelValues(provider, status).Inc()
}

// ChatCompletion proxies a unary chat completion to the resolved provider.
func (g *Gateway) ChatCompletion(ctx context.Context, req *forge.ChatRequest) (*forge.ChatResponse, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("app: messages must not be empty: %w", forge.ErrInvalidRequest)
	}

	c, err := g.admit(ctx, req.Model, forge.EndpointChatCompletions)
	if err != nil {
		return nil, err
	}

	// Shallow copy to avoid mutating the caller's request.
	outReq := *req
	outReq.Model = c.res.NativeModel

	callCtx, cancel := g.unaryCtx(ctx)
	defer cancel()

	start := time.Now()
	resp, err := c.res.Provider.ChatCompletion(callCtx, &outReq)
	if err != nil {
		g.fail(c, err)
		return nil, err
	}

	g.succeed(c, chatUsage(req, resp), time.Since(start))
	return resp, nil
}

// Stream is an admitted upstream stream plus the hooks that settle its
// accounting once the relay finishes. Exactly one of Commit or Abort must
// be called.
type Stream struct {
	Chunks <-chan forge.StreamChunk
	// ApproxInputTokens seeds usage estimation when the provider never
	// reports token counts.
	ApproxInputTokens int

	g       *Gateway
	c       *call
	settled bool
}

// Commit marks the stream delivered: the breaker records success and the
// detached finalizer waits on ch for the relay's final usage.
func (st *Stream) Commit(ch <-chan forge.Usage) {
	if st.settled {
		return
	}
	st.settled = true
	if st.c.breaker != nil {
		st.c.breaker.RecordSuccess()
	}
	st.c.pending.FinalizeAsync(ch)
}

// Abort settles a stream that broke before anything reached the client. The
// usage row closes with zero counts.
func (st *Stream) Abort(err error) {
	if st.settled {
		return
	}
	st.settled = true
	st.g.fail(st.c, err)
}

// ChatCompletionStream opens a streaming chat completion against the
// resolved provider. The returned Stream carries the upstream channel; the
// caller relays it and settles with Commit or Abort.
func (g *Gateway) ChatCompletionStream(ctx context.Context, req *forge.ChatRequest) (*Stream, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("app: messages must not be empty: %w", forge.ErrInvalidRequest)
	}

	c, err := g.admit(ctx, req.Model, forge.EndpointChatCompletions)
	if err != nil {
		return nil, err
	}

	outReq := *req
	outReq.Model = c.res.NativeModel

	ch, err := c.res.Provider.ChatCompletionStream(ctx, &outReq)
	if err != nil {
		g.fail(c, err)
		return nil, err
	}

	return &Stream{
		Chunks:            ch,
		ApproxInputTokens: tokencount.EstimateMessages(req.Messages),
		g:                 g,
		c:                 c,
	}, nil
}

// Embeddings proxies an embeddings request to the resolved provider.
func (g *Gateway) Embeddings(ctx context.Context, req *forge.EmbeddingsRequest) (*forge.EmbeddingsResponse, error) {
	c, err := g.admit(ctx, req.Model, forge.EndpointEmbeddings)
	if err != nil {
		return nil, err
	}

	outReq := *req
	outReq.Model = c.res.NativeModel

	callCtx, cancel := g.unaryCtx(ctx)
	defer cancel()

	start := time.Now()
	resp, err := c.res.Provider.Embeddings(callCtx, &outReq)
	if err != nil {
		g.fail(c, err)
		return nil, err
	}

	u := forge.Usage{}
	if resp.Usage != nil {
		u = *resp.Usage
	}
	if u.PromptTokens == 0 {
		u.PromptTokens = tokencount.EstimateChars(len(req.Input))
		u.TotalTokens = u.PromptTokens
	}
	g.succeed(c, u, time.Since(start))
	return resp, nil
}

// Raw forwards a passthrough payload (completions, responses, images) to
// the resolved provider. Providers without a raw surface yield
// ErrNotImplemented.
func (g *Gateway) Raw(ctx context.Context, req *forge.RawRequest) (*forge.RawResponse, error) {
	c, err := g.admit(ctx, req.Model, req.Endpoint)
	if err != nil {
		return nil, err
	}

	rc, ok := c.res.Provider.(forge.RawCompleter)
	if !ok {
		err := fmt.Errorf("app: provider %s does not serve %s: %w", c.res.ProviderName, req.Endpoint, forge.ErrNotImplemented)
		c.pending.Finalize(forge.Usage{})
		return nil, err
	}

	outReq := *req
	outReq.NativeModel = c.res.NativeModel

	callCtx, cancel := g.unaryCtx(ctx)
	defer cancel()

	start := time.Now()
	resp, err := rc.Raw(callCtx, &outReq)
	if err != nil {
		g.fail(c, err)
		return nil, err
	}

	u := forge.Usage{}
	if resp.Usage != nil {
		u = *resp.Usage
	}
	g.succeed(c, u, time.Since(start))
	return resp, nil
}

// RawStream opens a streaming passthrough call (completions, responses).
func (g *Gateway) RawStream(ctx context.Context, req *forge.RawRequest) (*Stream, error) {
	c, err := g.admit(ctx, req.Model, req.Endpoint)
	if err != nil {
		return nil, err
	}

	rc, ok := c.res.Provider.(forge.RawCompleter)
	if !ok {
		err := fmt.Errorf("app: provider %s does not serve %s: %w", c.res.ProviderName, req.Endpoint, forge.ErrNotImplemented)
		c.pending.Finalize(forge.Usage{})
		return nil, err
	}

	outReq := *req
	outReq.NativeModel = c.res.NativeModel

	ch, err := rc.RawStream(ctx, &outReq)
	if err != nil {
		g.fail(c, err)
		return nil, err
	}

	return &Stream{
		Chunks:            ch,
		ApproxInputTokens: tokencount.EstimateChars(len(req.Body)),
		g:                 g,
		c:                 c,
	}, nil
}

// Model is one entry of the aggregated model list.
type Model struct {
	// ID is the routable form: "{provider}/{native}".
	ID string
	// DisplayName is the bare native id.
	DisplayName string
	// OwnedBy is the provider name.
	OwnedBy string
}

// ListModels aggregates model ids across every credential the caller's
// scope admits, prefixing each native id with its provider name. Lists ride
// the cache per provider endpoint; providers that fail to list are logged
// and skipped so one outage does not empty the response.
func (g *Gateway) ListModels(ctx context.Context) ([]Model, error) {
	id := forge.IdentityFromContext(ctx)
	if id == nil {
		return nil, forge.ErrUnauthorized
	}

	providers, err := g.deps.Resolver.TenantProviders(ctx, id)
	if err != nil {
		return nil, err
	}

	lists := make([][]string, len(providers))
	eg, gctx := errgroup.WithContext(ctx)
	for i, tp := range providers {
		eg.Go(func() error {
			models, err := g.providerModels(gctx, tp)
			if err != nil {
				slog.LogAttrs(gctx, slog.LevelWarn, "model listing failed",
					slog.String("provider", tp.Name),
					slog.String("error", err.Error()),
				)
				return nil
			}
			lists[i] = models
			return nil
		})
	}
	// Per-provider failures are logged and skipped, never returned.
	_ = eg.Wait()

	var out []Model
	for i, tp := range providers {
		for _, m := range lists[i] {
			out = append(out, Model{
				ID:          tp.Name + "/" + m,
				DisplayName: m,
				OwnedBy:     tp.Name,
			})
		}
	}
	return out, nil
}

// providerModels returns one provider's model ids through the shared cache.
func (g *Gateway) providerModels(ctx context.Context, tp resolver.TenantProvider) ([]string, error) {
	key := cache.ModelsKey(tp.Name, tp.BaseURL)
	if b, ok := g.deps.Cache.Get(ctx, key); ok {
		var models []string
		if err := json.Unmarshal(b, &models); err == nil {
			return models, nil
		}
	}

	models, err := tp.Provider.ListModels(ctx)
	if err != nil {
		return nil, err
	}
	if b, err := json.Marshal(models); err == nil {
		_ = g.deps.Cache.Set(ctx, key, b, adapter.ListModelsTTL)
	}
	return models, nil
}

// chatUsage reconciles a unary response's reported usage with character
// approximations, mirroring the bridge's stream-side reconstruction.
func chatUsage(req *forge.ChatRequest, resp *forge.ChatResponse) forge.Usage {
	var u forge.Usage
	if resp.Usage != nil {
		u = *resp.Usage
	}
	if u.PromptTokens == 0 {
		u.PromptTokens = tokencount.EstimateMessages(req.Messages)
	}
	out := max(u.CompletionTokens, u.TotalTokens-u.PromptTokens)
	if out <= 0 {
		chars := 0
		for _, choice := range resp.Choices {
			chars += len(choice.Message.Content)
		}
		out = tokencount.EstimateChars(chars)
	}
	u.CompletionTokens = out
	u.TotalTokens = u.PromptTokens + out
	return u
}
