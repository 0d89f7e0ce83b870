package cache

import (
	"context"
	"os"
	"testing"
	"time"
)

func getRedisURL(t *testing.T) string {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set, skipping Redis cache tests")
	}
	return url
}

func TestRedisStore_SetGetDelete(t *testing.T) {
	redisURL := getRedisURL(t)
	ctx := context.Background()

	s, err := NewRedisStore(redisURL, "llmorch-test:")
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	defer s.Close()
	defer s.Clear(ctx)

	if err := s.Set(ctx, "key1", "value1", time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	value, ok, err := s.Get(ctx, "key1")
	if err != nil || !ok || value != "value1" {
		t.Fatalf("Get() = %q, %v, %v", value, ok, err)
	}

	if err := s.Delete(ctx, "key1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	if _, ok, _ := s.Get(ctx, "key1"); ok {
		t.Error("expected miss after delete")
	}
}

func TestRedisStore_Expiration(t *testing.T) {
	redisURL := getRedisURL(t)
	ctx := context.Background()

	s, err := NewRedisStore(redisURL, "llmorch-test:")
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	defer s.Close()
	defer s.Clear(ctx)

	s.Set(ctx, "short", "v", 100*time.Millisecond)
	time.Sleep(200 * time.Millisecond)

	if _, ok, _ := s.Get(ctx, "short"); ok {
		t.Error("expected miss after TTL")
	}
}

func TestRedisStore_ClearOnlyTouchesNamespace(t *testing.T) {
	redisURL := getRedisURL(t)
	ctx := context.Background()

	a, err := NewRedisStore(redisURL, "llmorch-test-a:")
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	defer a.Close()
	b := NewRedisStoreWithClient(a.Client(), "llmorch-test-b:")
	defer b.Clear(ctx)

	a.Set(ctx, "k", "a", time.Minute)
	b.Set(ctx, "k", "b", time.Minute)

	if err := a.Clear(ctx); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}

	if _, ok, _ := a.Get(ctx, "k"); ok {
		t.Error("expected namespace a to be cleared")
	}
	if _, ok, _ := b.Get(ctx, "k"); !ok {
		t.Error("namespace b should be untouched")
	}
}

func TestNewRedisStore_Unreachable(t *testing.T) {
	if _, err := NewRedisStore("redis://127.0.0.1:1/0", ""); err == nil {
		t.Fatal("expected connection error for unreachable redis")
	}
}
