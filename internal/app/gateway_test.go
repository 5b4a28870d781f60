package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	forge "github.com/forgelabs/forge/internal"
	"github.com/forgelabs/forge/internal/adapter"
	"github.com/forgelabs/forge/internal/cache"
	"github.com/forgelabs/forge/internal/circuitbreaker"
	"github.com/forgelabs/forge/internal/resolver"
	"github.com/forgelabs/forge/internal/testutil"
	"github.com/forgelabs/forge/internal/usage"
)

// inlinePool runs finalization tasks synchronously so tests observe rows
// immediately.
type inlinePool struct{}

func (inlinePool) Go(task func(ctx context.Context)) { task(context.Background()) }

type flatPricing struct{ cost float64 }

func (p flatPricing) Cost(string, string, forge.Usage) float64 { return p.cost }

// fakeResolver returns a fixed resolution for every model.
type fakeResolver struct {
	mu        sync.Mutex
	res       *resolver.Resolution
	err       error
	providers []resolver.TenantProvider
	calls     int
}

func (f *fakeResolver) Resolve(context.Context, *forge.Identity, string) (*resolver.Resolution, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.res, nil
}

func (f *fakeResolver) TenantProviders(context.Context, *forge.Identity) ([]resolver.TenantProvider, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.providers, nil
}

type gatewayFixture struct {
	gw       *Gateway
	store    *testutil.FakeStore
	resolver *fakeResolver
}

func newGatewayFixture(t *testing.T, prov forge.Provider, billable bool) *gatewayFixture {
	t.Helper()
	store := testutil.NewFakeStore()
	res := &fakeResolver{res: &resolver.Resolution{
		Provider:     prov,
		ProviderName: "openai",
		NativeModel:  "gpt-4o",
		CredentialID: "cred-1",
		Billable:     billable,
	}}
	mem := cache.NewMemory(context.Background(), 0)
	t.Cleanup(mem.Close)
	gw := NewGateway(GatewayDeps{
		Resolver: res,
		Tracker:  usage.NewTracker(store, flatPricing{cost: 0.5}, inlinePool{}),
		Cache:    mem,
	})
	return &gatewayFixture{gw: gw, store: store, resolver: res}
}

func authedCtx() context.Context {
	return forge.ContextWithIdentity(context.Background(), &forge.Identity{
		TenantID: "t-1",
		KeyID:    "key-1",
	})
}

func chatReq(model string) *forge.ChatRequest {
	return &forge.ChatRequest{
		Model: model,
		Messages: []forge.Message{
			{Role: "user", Content: []byte(`"say hello"`)},
		},
	}
}

func TestChatCompletionRewritesModel(t *testing.T) {
	t.Parallel()
	var gotModel string
	prov := &testutil.FakeProvider{
		ProviderName: "openai",
		ChatFn: func(_ context.Context, req *forge.ChatRequest) (*forge.ChatResponse, error) {
			gotModel = req.Model
			return &forge.ChatResponse{
				ID:      "chatcmpl-1",
				Object:  "chat.completion",
				Model:   req.Model,
				Choices: []forge.Choice{{Message: forge.Message{Role: "assistant", Content: []byte(`"hi"`)}}},
				Usage:   &forge.Usage{PromptTokens: 11, CompletionTokens: 7, TotalTokens: 18},
			}, nil
		},
	}
	fx := newGatewayFixture(t, prov, false)

	resp, err := fx.gw.ChatCompletion(authedCtx(), chatReq("openai/gpt-4o"))
	if err != nil {
		t.Fatalf("ChatCompletion() error = %v", err)
	}
	if gotModel != "gpt-4o" {
		t.Errorf("upstream model = %q, want native gpt-4o", gotModel)
	}
	if resp.ID != "chatcmpl-1" {
		t.Errorf("response ID = %q", resp.ID)
	}

	rows := fx.store.UsageRecords()
	if len(rows) != 1 {
		t.Fatalf("usage rows = %d, want 1", len(rows))
	}
	rec := rows[0]
	if rec.Model != "openai/gpt-4o" {
		t.Errorf("recorded model = %q, want caller form", rec.Model)
	}
	if rec.InputTokens != 11 || rec.OutputTokens != 7 {
		t.Errorf("tokens = %d/%d, want 11/7", rec.InputTokens, rec.OutputTokens)
	}
	if rec.UpdatedAt == nil {
		t.Error("row should be finalized")
	}
}

func TestChatCompletionDoesNotMutateRequest(t *testing.T) {
	t.Parallel()
	fx := newGatewayFixture(t, &testutil.FakeProvider{ProviderName: "openai"}, false)

	req := chatReq("openai/gpt-4o")
	if _, err := fx.gw.ChatCompletion(authedCtx(), req); err != nil {
		t.Fatal(err)
	}
	if req.Model != "openai/gpt-4o" {
		t.Errorf("caller request mutated: model = %q", req.Model)
	}
}

func TestChatCompletionEmptyMessages(t *testing.T) {
	t.Parallel()
	fx := newGatewayFixture(t, &testutil.FakeProvider{ProviderName: "openai"}, false)

	_, err := fx.gw.ChatCompletion(authedCtx(), &forge.ChatRequest{Model: "gpt-4o"})
	if !errors.Is(err, forge.ErrInvalidRequest) {
		t.Fatalf("error = %v, want ErrInvalidRequest", err)
	}
	if fx.resolver.calls != 0 {
		t.Error("resolver should not run for an invalid request")
	}
}

func TestChatCompletionNoIdentity(t *testing.T) {
	t.Parallel()
	fx := newGatewayFixture(t, &testutil.FakeProvider{ProviderName: "openai"}, false)

	_, err := fx.gw.ChatCompletion(context.Background(), chatReq("gpt-4o"))
	if !errors.Is(err, forge.ErrUnauthorized) {
		t.Fatalf("error = %v, want ErrUnauthorized", err)
	}
}

func TestChatCompletionEmptyWalletRejected(t *testing.T) {
	t.Parallel()
	called := false
	prov := &testutil.FakeProvider{
		ProviderName: "openai",
		ChatFn: func(context.Context, *forge.ChatRequest) (*forge.ChatResponse, error) {
			called = true
			return nil, errors.New("unreachable")
		},
	}
	fx := newGatewayFixture(t, prov, true)
	fx.store.UpsertWallet(context.Background(), &forge.Wallet{TenantID: "t-1", Balance: 0})

	_, err := fx.gw.ChatCompletion(authedCtx(), chatReq("gpt-4o"))
	if !errors.Is(err, forge.ErrPaymentRequired) {
		t.Fatalf("error = %v, want ErrPaymentRequired", err)
	}
	if called {
		t.Error("provider should not be called on a rejected wallet")
	}
	if rows := fx.store.UsageRecords(); len(rows) != 0 {
		t.Errorf("usage rows = %d, want 0 when admission fails", len(rows))
	}
}

func TestChatCompletionUpstreamErrorFinalizesZero(t *testing.T) {
	t.Parallel()
	upstreamErr := &adapter.APIError{Provider: "openai", StatusCode: 500, Body: `{"error":{"message":"boom"}}`}
	prov := &testutil.FakeProvider{
		ProviderName: "openai",
		ChatFn: func(context.Context, *forge.ChatRequest) (*forge.ChatResponse, error) {
			return nil, upstreamErr
		},
	}
	fx := newGatewayFixture(t, prov, false)

	_, err := fx.gw.ChatCompletion(authedCtx(), chatReq("gpt-4o"))
	var apiErr *adapter.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want APIError to pass through", err)
	}

	rows := fx.store.UsageRecords()
	if len(rows) != 1 {
		t.Fatalf("usage rows = %d, want 1", len(rows))
	}
	rec := rows[0]
	if rec.InputTokens != 0 || rec.OutputTokens != 0 || rec.Cost != 0 {
		t.Errorf("failed call should finalize with zeros: %+v", rec)
	}
	if rec.UpdatedAt == nil {
		t.Error("failed call should still close the row")
	}
}

func TestChatCompletionUsageFallback(t *testing.T) {
	t.Parallel()
	prov := &testutil.FakeProvider{
		ProviderName: "openai",
		ChatFn: func(_ context.Context, req *forge.ChatRequest) (*forge.ChatResponse, error) {
			// No usage block at all.
			return &forge.ChatResponse{
				Model: req.Model,
				Choices: []forge.Choice{{
					Message: forge.Message{Role: "assistant", Content: []byte(`"twelve chars"`)},
				}},
			}, nil
		},
	}
	fx := newGatewayFixture(t, prov, false)

	if _, err := fx.gw.ChatCompletion(authedCtx(), chatReq("gpt-4o")); err != nil {
		t.Fatal(err)
	}
	rows := fx.store.UsageRecords()
	if len(rows) != 1 {
		t.Fatalf("usage rows = %d, want 1", len(rows))
	}
	rec := rows[0]
	if rec.InputTokens == 0 {
		t.Error("prompt tokens should be estimated when unreported")
	}
	if rec.OutputTokens == 0 {
		t.Error("completion tokens should be estimated from content length")
	}
}

func TestChatCompletionStreamCommit(t *testing.T) {
	t.Parallel()
	prov := &testutil.FakeProvider{
		ProviderName: "openai",
		StreamFn: func(context.Context, *forge.ChatRequest) (<-chan forge.StreamChunk, error) {
			return testutil.FakeStreamChan(forge.StreamChunk{Data: []byte(`{"id":"c1"}`)}), nil
		},
	}
	fx := newGatewayFixture(t, prov, false)

	st, err := fx.gw.ChatCompletionStream(authedCtx(), chatReq("openai/gpt-4o"))
	if err != nil {
		t.Fatalf("ChatCompletionStream() error = %v", err)
	}
	if st.ApproxInputTokens <= 0 {
		t.Error("ApproxInputTokens should be estimated from messages")
	}
	for range st.Chunks {
	}

	ch := make(chan forge.Usage, 1)
	ch <- forge.Usage{PromptTokens: 9, CompletionTokens: 4, TotalTokens: 13}
	close(ch)
	st.Commit(ch)

	rows := fx.store.UsageRecords()
	if len(rows) != 1 {
		t.Fatalf("usage rows = %d, want 1", len(rows))
	}
	if rows[0].InputTokens != 9 || rows[0].OutputTokens != 4 {
		t.Errorf("tokens = %d/%d, want 9/4", rows[0].InputTokens, rows[0].OutputTokens)
	}
}

func TestStreamAbortFinalizesZero(t *testing.T) {
	t.Parallel()
	prov := &testutil.FakeProvider{
		ProviderName: "openai",
		StreamFn: func(context.Context, *forge.ChatRequest) (<-chan forge.StreamChunk, error) {
			return testutil.FakeStreamChan(), nil
		},
	}
	fx := newGatewayFixture(t, prov, false)

	st, err := fx.gw.ChatCompletionStream(authedCtx(), chatReq("gpt-4o"))
	if err != nil {
		t.Fatal(err)
	}
	st.Abort(errors.New("relay failed"))
	// A late Commit after Abort must not double-settle.
	ch := make(chan forge.Usage)
	close(ch)
	st.Commit(ch)

	rows := fx.store.UsageRecords()
	if len(rows) != 1 {
		t.Fatalf("usage rows = %d, want exactly 1", len(rows))
	}
	if rows[0].InputTokens != 0 || rows[0].OutputTokens != 0 {
		t.Errorf("aborted stream should close with zeros, got %d/%d", rows[0].InputTokens, rows[0].OutputTokens)
	}
}

func TestStreamOpenErrorSettles(t *testing.T) {
	t.Parallel()
	prov := &testutil.FakeProvider{
		ProviderName: "openai",
		StreamFn: func(context.Context, *forge.ChatRequest) (<-chan forge.StreamChunk, error) {
			return nil, &adapter.APIError{Provider: "openai", StatusCode: 429, Body: `{"error":{"message":"slow down"}}`}
		},
	}
	fx := newGatewayFixture(t, prov, false)

	_, err := fx.gw.ChatCompletionStream(authedCtx(), chatReq("gpt-4o"))
	if err == nil {
		t.Fatal("expected stream open error")
	}
	rows := fx.store.UsageRecords()
	if len(rows) != 1 || rows[0].UpdatedAt == nil {
		t.Error("stream open failure should finalize the row")
	}
}

func TestBreakerOpenRejects(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	res := &fakeResolver{res: &resolver.Resolution{
		Provider:     &testutil.FakeProvider{ProviderName: "openai"},
		ProviderName: "openai",
		NativeModel:  "gpt-4o",
		CredentialID: "cred-1",
	}}
	mem := cache.NewMemory(context.Background(), 0)
	t.Cleanup(mem.Close)
	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{
		ErrorThreshold: 0.1,
		MinSamples:     1,
		WindowSeconds:  60,
		OpenTimeout:    time.Minute,
	})
	gw := NewGateway(GatewayDeps{
		Resolver: res,
		Tracker:  usage.NewTracker(store, flatPricing{}, inlinePool{}),
		Cache:    mem,
		Breakers: breakers,
	})

	// Trip the credential's breaker directly.
	b := breakers.GetOrCreate("cred-1")
	b.RecordError(1.0)
	b.RecordError(1.0)

	_, err := gw.ChatCompletion(authedCtx(), chatReq("gpt-4o"))
	if !errors.Is(err, forge.ErrProviderUnavailable) {
		t.Fatalf("error = %v, want ErrProviderUnavailable", err)
	}
	if rows := store.UsageRecords(); len(rows) != 0 {
		t.Errorf("usage rows = %d, want 0 when breaker rejects", len(rows))
	}
}

func TestBreakerRecordsUpstreamFailure(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	res := &fakeResolver{res: &resolver.Resolution{
		Provider: &testutil.FakeProvider{
			ProviderName: "openai",
			ChatFn: func(context.Context, *forge.ChatRequest) (*forge.ChatResponse, error) {
				return nil, &adapter.APIError{Provider: "openai", StatusCode: 502}
			},
		},
		ProviderName: "openai",
		NativeModel:  "gpt-4o",
		CredentialID: "cred-1",
	}}
	mem := cache.NewMemory(context.Background(), 0)
	t.Cleanup(mem.Close)
	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{
		ErrorThreshold: 0.5,
		MinSamples:     1,
		WindowSeconds:  60,
		OpenTimeout:    time.Minute,
	})
	gw := NewGateway(GatewayDeps{
		Resolver: res,
		Tracker:  usage.NewTracker(store, flatPricing{}, inlinePool{}),
		Cache:    mem,
		Breakers: breakers,
	})

	if _, err := gw.ChatCompletion(authedCtx(), chatReq("gpt-4o")); err == nil {
		t.Fatal("expected upstream error")
	}
	if _, err := gw.ChatCompletion(authedCtx(), chatReq("gpt-4o")); !errors.Is(err, forge.ErrProviderUnavailable) {
		t.Fatalf("second call error = %v, want breaker rejection", err)
	}
}

func TestUpstreamTimeoutBoundsUnaryCalls(t *testing.T) {
	t.Parallel()
	var hasDeadline bool
	prov := &testutil.FakeProvider{
		ProviderName: "openai",
		ChatFn: func(ctx context.Context, req *forge.ChatRequest) (*forge.ChatResponse, error) {
			_, hasDeadline = ctx.Deadline()
			return &forge.ChatResponse{ID: "chatcmpl-1", Model: req.Model}, nil
		},
	}
	store := testutil.NewFakeStore()
	res := &fakeResolver{res: &resolver.Resolution{
		Provider:     prov,
		ProviderName: "openai",
		NativeModel:  "gpt-4o",
		CredentialID: "cred-1",
	}}
	mem := cache.NewMemory(context.Background(), 0)
	t.Cleanup(mem.Close)
	gw := NewGateway(GatewayDeps{
		Resolver:        res,
		Tracker:         usage.NewTracker(store, flatPricing{}, inlinePool{}),
		Cache:           mem,
		UpstreamTimeout: time.Minute,
	})

	if _, err := gw.ChatCompletion(authedCtx(), chatReq("gpt-4o")); err != nil {
		t.Fatal(err)
	}
	if !hasDeadline {
		t.Error("unary upstream call should carry the configured deadline")
	}
}

func TestEmbeddingsUsageFallback(t *testing.T) {
	t.Parallel()
	prov := &testutil.FakeProvider{
		ProviderName: "openai",
		EmbedFn: func(_ context.Context, req *forge.EmbeddingsRequest) (*forge.EmbeddingsResponse, error) {
			return &forge.EmbeddingsResponse{Object: "list", Data: []byte(`[]`), Model: req.Model}, nil
		},
	}
	fx := newGatewayFixture(t, prov, false)

	req := &forge.EmbeddingsRequest{Model: "text-embedding-3-small", Input: []byte(`"some text to embed"`)}
	if _, err := fx.gw.Embeddings(authedCtx(), req); err != nil {
		t.Fatal(err)
	}
	rows := fx.store.UsageRecords()
	if len(rows) != 1 {
		t.Fatalf("usage rows = %d, want 1", len(rows))
	}
	if rows[0].InputTokens == 0 {
		t.Error("embeddings should estimate tokens from input length when unreported")
	}
	if rows[0].Endpoint != forge.EndpointEmbeddings {
		t.Errorf("endpoint = %q, want embeddings", rows[0].Endpoint)
	}
}

func TestRawRewritesNativeModel(t *testing.T) {
	t.Parallel()
	var gotNative string
	prov := &testutil.FakeRawProvider{
		FakeProvider: testutil.FakeProvider{ProviderName: "openai"},
		RawFn: func(_ context.Context, req *forge.RawRequest) (*forge.RawResponse, error) {
			gotNative = req.NativeModel
			return &forge.RawResponse{StatusCode: 200, ContentType: "application/json", Body: []byte(`{}`)}, nil
		},
	}
	fx := newGatewayFixture(t, prov, false)

	req := &forge.RawRequest{
		Endpoint: forge.EndpointCompletions,
		Model:    "openai/gpt-4o",
		Body:     []byte(`{"model":"openai/gpt-4o","prompt":"hi"}`),
	}
	if _, err := fx.gw.Raw(authedCtx(), req); err != nil {
		t.Fatal(err)
	}
	if gotNative != "gpt-4o" {
		t.Errorf("native model = %q, want gpt-4o", gotNative)
	}
}

func TestRawNotImplemented(t *testing.T) {
	t.Parallel()
	// Plain FakeProvider has no raw surface.
	fx := newGatewayFixture(t, &testutil.FakeProvider{ProviderName: "anthropic"}, false)

	req := &forge.RawRequest{Endpoint: forge.EndpointResponses, Model: "claude-3", Body: []byte(`{}`)}
	_, err := fx.gw.Raw(authedCtx(), req)
	if !errors.Is(err, forge.ErrNotImplemented) {
		t.Fatalf("error = %v, want ErrNotImplemented", err)
	}
	rows := fx.store.UsageRecords()
	if len(rows) != 1 || rows[0].UpdatedAt == nil {
		t.Error("unsupported endpoint should still close the opened row")
	}
}

func TestRawStreamCommit(t *testing.T) {
	t.Parallel()
	prov := &testutil.FakeRawProvider{
		FakeProvider: testutil.FakeProvider{ProviderName: "openai"},
		RawStreamFn: func(context.Context, *forge.RawRequest) (<-chan forge.StreamChunk, error) {
			return testutil.FakeStreamChan(forge.StreamChunk{Data: []byte(`{"delta":"x"}`)}), nil
		},
	}
	fx := newGatewayFixture(t, prov, false)

	st, err := fx.gw.RawStream(authedCtx(), &forge.RawRequest{
		Endpoint: forge.EndpointResponses,
		Model:    "gpt-4o",
		Stream:   true,
		Body:     []byte(`{"model":"gpt-4o","input":"hello","stream":true}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	if st.ApproxInputTokens <= 0 {
		t.Error("ApproxInputTokens should be estimated from the body")
	}
	for range st.Chunks {
	}
	ch := make(chan forge.Usage, 1)
	ch <- forge.Usage{PromptTokens: 2, CompletionTokens: 3, TotalTokens: 5}
	close(ch)
	st.Commit(ch)

	rows := fx.store.UsageRecords()
	if len(rows) != 1 || rows[0].OutputTokens != 3 {
		t.Errorf("usage rows = %+v, want one with 3 output tokens", rows)
	}
}

func TestListModelsAggregatesAndPrefixes(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	res := &fakeResolver{providers: []resolver.TenantProvider{
		{Name: "openai", Provider: &testutil.FakeProvider{
			ProviderName: "openai",
			ModelsFn: func(context.Context) ([]string, error) {
				return []string{"gpt-4o", "gpt-4o-mini"}, nil
			},
		}},
		{Name: "anthropic", Provider: &testutil.FakeProvider{
			ProviderName: "anthropic",
			ModelsFn: func(context.Context) ([]string, error) {
				return nil, errors.New("upstream down")
			},
		}},
	}}
	mem := cache.NewMemory(context.Background(), 0)
	t.Cleanup(mem.Close)
	gw := NewGateway(GatewayDeps{
		Resolver: res,
		Tracker:  usage.NewTracker(store, flatPricing{}, inlinePool{}),
		Cache:    mem,
	})

	models, err := gw.ListModels(authedCtx())
	if err != nil {
		t.Fatalf("ListModels() error = %v", err)
	}
	if len(models) != 2 {
		t.Fatalf("models = %d, want 2 (failing provider skipped)", len(models))
	}
	if models[0].ID != "openai/gpt-4o" || models[0].OwnedBy != "openai" {
		t.Errorf("first model = %+v", models[0])
	}
	if models[1].DisplayName != "gpt-4o-mini" {
		t.Errorf("second model = %+v", models[1])
	}
}

func TestListModelsUsesCache(t *testing.T) {
	t.Parallel()
	var calls int
	store := testutil.NewFakeStore()
	res := &fakeResolver{providers: []resolver.TenantProvider{
		{Name: "openai", Provider: &testutil.FakeProvider{
			ProviderName: "openai",
			ModelsFn: func(context.Context) ([]string, error) {
				calls++
				return []string{"gpt-4o"}, nil
			},
		}},
	}}
	mem := cache.NewMemory(context.Background(), 0)
	t.Cleanup(mem.Close)
	gw := NewGateway(GatewayDeps{
		Resolver: res,
		Tracker:  usage.NewTracker(store, flatPricing{}, inlinePool{}),
		Cache:    mem,
	})

	for range 3 {
		if _, err := gw.ListModels(authedCtx()); err != nil {
			t.Fatal(err)
		}
	}
	if calls != 1 {
		t.Errorf("upstream list calls = %d, want 1 (cached afterwards)", calls)
	}
}

func TestChatUsageReconciliation(t *testing.T) {
	t.Parallel()
	req := chatReq("gpt-4o")

	tests := []struct {
		name      string
		resp      *forge.ChatResponse
		wantIn    int
		wantOut   int
		wantTotal int
	}{
		{
			name: "reported usage passes through",
			resp: &forge.ChatResponse{
				Usage: &forge.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
			},
			wantIn: 10, wantOut: 5, wantTotal: 15,
		},
		{
			name: "completion derived from total",
			resp: &forge.ChatResponse{
				Usage: &forge.Usage{PromptTokens: 10, TotalTokens: 18},
			},
			wantIn: 10, wantOut: 8, wantTotal: 18,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			u := chatUsage(req, tt.resp)
			if u.PromptTokens != tt.wantIn || u.CompletionTokens != tt.wantOut || u.TotalTokens != tt.wantTotal {
				t.Errorf("usage = %d/%d/%d, want %d/%d/%d",
					u.PromptTokens, u.CompletionTokens, u.TotalTokens,
					tt.wantIn, tt.wantOut, tt.wantTotal)
			}
		})
	}
}
