package cache

import (
	"context"
	"testing"
	"time"
)

func TestInMemoryCache_HitMiss(t *testing.T) {
	c := NewInMemoryCache(time.Minute)
	defer c.Stop()
	ctx := context.Background()

	if _, ok, err := c.Lookup(ctx, "Age:60, Gender:Male", "gemini-1.5-flash"); ok || err != nil {
		t.Fatalf("expected clean miss, got ok=%v err=%v", ok, err)
	}

	if err := c.Update(ctx, "Age:60, Gender:Male", "taper slowly", "gemini-1.5-flash", 0); err != nil {
		t.Fatalf("Update: %v", err)
	}

	content, ok, err := c.Lookup(ctx, "  AGE:60, GENDER:MALE  ", "gemini-1.5-flash")
	if err != nil || !ok {
		t.Fatalf("expected normalized hit, got ok=%v err=%v", ok, err)
	}
	if content != "taper slowly" {
		t.Errorf("content = %q, want %q", content, "taper slowly")
	}
}

func TestInMemoryCache_ModelTagPartitioned(t *testing.T) {
	c := NewInMemoryCache(time.Minute)
	defer c.Stop()
	ctx := context.Background()

	c.Update(ctx, "key", "gemini answer", "gemini-1.5-flash", 0)

	if _, ok, _ := c.Lookup(ctx, "key", "gpt-4"); ok {
		t.Error("expected miss for a different model_tag partition")
	}
}

func TestInMemoryCache_Expiry(t *testing.T) {
	c := NewInMemoryCache(time.Minute)
	defer c.Stop()
	ctx := context.Background()

	c.Update(ctx, "key", "stale", "gemini-1.5-flash", 1) // ttlSeconds interpreted as whole seconds
	time.Sleep(1100 * time.Millisecond)

	if _, ok, _ := c.Lookup(ctx, "key", "gemini-1.5-flash"); ok {
		t.Error("expected miss after TTL elapses")
	}
}

func TestInMemoryCache_Clear(t *testing.T) {
	c := NewInMemoryCache(time.Minute)
	defer c.Stop()
	ctx := context.Background()

	c.Update(ctx, "key1", "a", "gemini-1.5-flash", 0)
	c.Update(ctx, "key2", "b", "gemini-1.5-flash", 0)
	c.Update(ctx, "key3", "c", "gpt-4", 0)

	if err := c.Clear(ctx, "gemini-1.5-flash"); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	if _, ok, _ := c.Lookup(ctx, "key1", "gemini-1.5-flash"); ok {
		t.Error("expected key1 cleared")
	}
	if _, ok, _ := c.Lookup(ctx, "key3", "gpt-4"); !ok {
		t.Error("expected key3 (different model_tag) to survive Clear")
	}
}
