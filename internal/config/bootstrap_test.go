package config

import (
	"context"
	"strings"
	"testing"

	"github.com/forgelabs/forge/internal/secrets"
	"github.com/forgelabs/forge/internal/storage/sqlite"
)

const seedSecret = "forge-00112233445566778899aabbccddeeff0011"

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testCipher(t *testing.T) *secrets.Cipher {
	t.Helper()
	c, err := secrets.New(secrets.NewKey())
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func seedConfig(balance float64) *Config {
	return &Config{Bootstrap: BootstrapConfig{Tenants: []TenantSeed{{
		Name:    "acme",
		Balance: &balance,
		Credentials: []CredentialSeed{{
			Provider: "openai",
			Secret:   "sk-seeded-0123456789",
			Billable: true,
		}},
		Keys: []KeySeed{{
			Name:   "ci",
			Secret: seedSecret,
			Scopes: []string{"openai"},
		}},
	}}}}
}

func TestBootstrapSeedsEverything(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	if err := Bootstrap(ctx, seedConfig(25), store, testCipher(t)); err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}

	tenant, err := store.GetTenantByName(ctx, "acme")
	if err != nil {
		t.Fatalf("tenant not seeded: %v", err)
	}
	if !tenant.Active {
		t.Error("seeded tenant should be active")
	}

	w, err := store.GetWallet(ctx, tenant.ID)
	if err != nil {
		t.Fatalf("wallet not seeded: %v", err)
	}
	if w.Balance != 25 {
		t.Errorf("balance = %v, want 25", w.Balance)
	}

	creds, err := store.ListCredentials(ctx, tenant.ID)
	if err != nil || len(creds) != 1 {
		t.Fatalf("credentials = %v (err %v), want 1", creds, err)
	}
	if creds[0].Provider != "openai" || !creds[0].Billable {
		t.Errorf("credential = %+v", creds[0])
	}
	if creds[0].Ciphertext == "" || strings.Contains(creds[0].Ciphertext, "sk-seeded") {
		t.Error("credential secret should be stored encrypted")
	}

	key, err := store.GetKeyBySecret(ctx, seedSecret)
	if err != nil {
		t.Fatalf("key not seeded: %v", err)
	}
	scopes, err := store.GetKeyScopes(ctx, key.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(scopes) != 1 || scopes[0] != creds[0].ID {
		t.Errorf("scopes = %v, want [%s]", scopes, creds[0].ID)
	}
}

func TestBootstrapIsIdempotent(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()
	cipher := testCipher(t)

	if err := Bootstrap(ctx, seedConfig(25), store, cipher); err != nil {
		t.Fatal(err)
	}
	tenant, err := store.GetTenantByName(ctx, "acme")
	if err != nil {
		t.Fatal(err)
	}
	creds, _ := store.ListCredentials(ctx, tenant.ID)
	firstCredID := creds[0].ID

	// Drain the wallet, then re-run: operator state must survive.
	w, _ := store.GetWallet(ctx, tenant.ID)
	w.Balance = 1
	if ok, err := store.UpdateWalletCAS(ctx, w); err != nil || !ok {
		t.Fatalf("wallet update: ok=%v err=%v", ok, err)
	}

	if err := Bootstrap(ctx, seedConfig(25), store, cipher); err != nil {
		t.Fatalf("second Bootstrap() error = %v", err)
	}

	tenants, _ := store.ListTenants(ctx, 0, 100)
	if len(tenants) != 1 {
		t.Errorf("tenants = %d, want 1", len(tenants))
	}
	w2, _ := store.GetWallet(ctx, tenant.ID)
	if w2.Balance != 1 {
		t.Errorf("balance = %v, want operator value 1 preserved", w2.Balance)
	}
	creds2, _ := store.ListCredentials(ctx, tenant.ID)
	if len(creds2) != 1 || creds2[0].ID != firstCredID {
		t.Errorf("credentials changed on reseed: %+v", creds2)
	}
}

func TestBootstrapSkipsKeyWithoutSecret(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()
	cfg := &Config{Bootstrap: BootstrapConfig{Tenants: []TenantSeed{{
		Name: "acme",
		Keys: []KeySeed{{Name: "no-secret"}},
	}}}}

	if err := Bootstrap(ctx, cfg, store, testCipher(t)); err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}
	tenant, err := store.GetTenantByName(ctx, "acme")
	if err != nil {
		t.Fatal(err)
	}
	keys, _ := store.ListKeys(ctx, tenant.ID, 0, 100)
	if len(keys) != 0 {
		t.Errorf("keys = %d, want 0 for secretless seed", len(keys))
	}
}

func TestBootstrapRejectsForeignPrefix(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	cfg := &Config{Bootstrap: BootstrapConfig{Tenants: []TenantSeed{{
		Name: "acme",
		Keys: []KeySeed{{Name: "bad", Secret: "sk-not-a-forge-key"}},
	}}}}

	if err := Bootstrap(context.Background(), cfg, store, testCipher(t)); err == nil {
		t.Fatal("expected error for non-forge key prefix")
	}
}

func TestBootstrapRejectsUnknownProvider(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	cfg := &Config{Bootstrap: BootstrapConfig{Tenants: []TenantSeed{{
		Name: "acme",
		Credentials: []CredentialSeed{{
			Provider: "skynet",
			Secret:   "sk-whatever",
		}},
	}}}}

	if err := Bootstrap(context.Background(), cfg, store, testCipher(t)); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestBootstrapRejectsScopeWithoutCredential(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	cfg := &Config{Bootstrap: BootstrapConfig{Tenants: []TenantSeed{{
		Name: "acme",
		Keys: []KeySeed{{
			Name:   "scoped",
			Secret: seedSecret,
			Scopes: []string{"anthropic"},
		}},
	}}}}

	if err := Bootstrap(context.Background(), cfg, store, testCipher(t)); err == nil {
		t.Fatal("expected error when scope names a missing credential")
	}
}

func TestBootstrapMultiFieldCredential(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()
	cfg := &Config{Bootstrap: BootstrapConfig{Tenants: []TenantSeed{{
		Name: "acme",
		Credentials: []CredentialSeed{{
			Provider: "bedrock",
			Secret:   "aws-secret-access-key",
			Config: map[string]string{
				"access_key_id": "AKIAEXAMPLE",
				"region":        "us-east-1",
			},
		}},
	}}}}

	if err := Bootstrap(ctx, cfg, store, testCipher(t)); err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}
	tenant, err := store.GetTenantByName(ctx, "acme")
	if err != nil {
		t.Fatal(err)
	}
	creds, _ := store.ListCredentials(ctx, tenant.ID)
	if len(creds) != 1 || creds[0].Provider != "bedrock" {
		t.Fatalf("credentials = %+v", creds)
	}
}
