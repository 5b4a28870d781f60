package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

// newTestRedis starts a miniredis server and returns a Redis cache backed
// by it.
func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	c, err := NewRedisFromURL(context.Background(), "redis://"+mr.Addr())
	if err != nil {
		t.Fatalf("NewRedisFromURL: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestRedis_SetGet(t *testing.T) {
	c, _ := newTestRedis(t)
	ctx := context.Background()

	if _, ok := c.Get(ctx, "absent"); ok {
		t.Fatal("expected miss for absent key")
	}

	if err := c.Set(ctx, "k", []byte(`{"v":1}`), time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok := c.Get(ctx, "k")
	if !ok {
		t.Fatal("expected hit")
	}
	if string(got) != `{"v":1}` {
		t.Errorf("value = %q", got)
	}
}

func TestRedis_TTL(t *testing.T) {
	c, mr := newTestRedis(t)
	ctx := context.Background()

	if err := c.Set(ctx, "ttl-key", []byte("payload"), 10*time.Second); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Get(ctx, "ttl-key"); !ok {
		t.Fatal("key should exist before TTL expires")
	}

	mr.FastForward(11 * time.Second)

	if _, ok := c.Get(ctx, "ttl-key"); ok {
		t.Fatal("key should have expired")
	}
}

func TestRedis_Namespace(t *testing.T) {
	c, mr := newTestRedis(t)
	ctx := context.Background()

	if err := c.Set(ctx, "user:forge-abc", []byte("x"), time.Hour); err != nil {
		t.Fatal(err)
	}
	if !mr.Exists("forge:user:forge-abc") {
		t.Error("stored key should carry the forge: namespace")
	}
}

func TestRedis_DeletePrefix(t *testing.T) {
	c, _ := newTestRedis(t)
	ctx := context.Background()

	c.Set(ctx, "forge_scope:aaa", []byte("1"), time.Hour)
	c.Set(ctx, "forge_scope:bbb", []byte("2"), time.Hour)
	c.Set(ctx, "provider_keys:t1", []byte("3"), time.Hour)

	if err := c.DeletePrefix(ctx, "forge_scope:"); err != nil {
		t.Fatalf("DeletePrefix: %v", err)
	}

	if _, ok := c.Get(ctx, "forge_scope:aaa"); ok {
		t.Error("scope entry should be gone")
	}
	if _, ok := c.Get(ctx, "forge_scope:bbb"); ok {
		t.Error("scope entry should be gone")
	}
	if _, ok := c.Get(ctx, "provider_keys:t1"); !ok {
		t.Error("unrelated family should survive")
	}
}

func TestRedis_ClearStaysInNamespace(t *testing.T) {
	c, mr := newTestRedis(t)
	ctx := context.Background()

	c.Set(ctx, "a", []byte("1"), time.Hour)
	mr.Set("foreign-key", "untouched")

	if err := c.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	if _, ok := c.Get(ctx, "a"); ok {
		t.Error("namespaced key should be gone")
	}
	if !mr.Exists("foreign-key") {
		t.Error("foreign key outside the namespace must survive Clear")
	}
}

func TestRedis_GracefulDegradation(t *testing.T) {
	mr := miniredis.RunT(t)
	c, err := NewRedisFromURL(context.Background(), "redis://"+mr.Addr())
	if err != nil {
		t.Fatalf("NewRedisFromURL: %v", err)
	}
	defer func() { _ = c.Close() }()

	mr.Close()

	if _, ok := c.Get(context.Background(), "any"); ok {
		t.Fatal("expected miss when redis is down")
	}
	if err := c.Set(context.Background(), "any", []byte("v"), time.Hour); err != nil {
		t.Fatalf("Set must degrade to nil error, got %v", err)
	}
}

func TestRedis_InvalidURL(t *testing.T) {
	if _, err := NewRedisFromURL(context.Background(), "not-a-valid-url"); err == nil {
		t.Fatal("expected error for invalid URL")
	}
}

func TestRedis_ImplementsCache(t *testing.T) {
	var _ Cache = (*Redis)(nil)
}
