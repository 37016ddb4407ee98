package api

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisDeduperLifecycle(t *testing.T) {
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(m.Close)

	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() {
		if cerr := client.Close(); cerr != nil {
			t.Logf("redis close: %v", cerr)
		}
	})

	deduper := NewRedisDeduper(client, time.Minute)
	ctx := context.Background()

	claimed, stored, err := deduper.Claim(ctx, "user", "k1")
	if err != nil || !claimed || stored != nil {
		t.Fatalf("first claim: %v %q %v", claimed, stored, err)
	}
	claimed, stored, err = deduper.Claim(ctx, "user", "k1")
	if err != nil || claimed || stored != nil {
		t.Fatalf("claim while pending: %v %q %v", claimed, stored, err)
	}

	if err := deduper.Complete(ctx, "user", "k1", []byte(`{"id":"m1"}`)); err != nil {
		t.Fatalf("complete: %v", err)
	}
	claimed, stored, err = deduper.Claim(ctx, "user", "k1")
	if err != nil || claimed || string(stored) != `{"id":"m1"}` {
		t.Fatalf("claim after complete: %v %q %v", claimed, stored, err)
	}
	if ttl := m.TTL("idem:user:k1"); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("unexpected ttl %v", ttl)
	}

	m.FastForward(2 * time.Minute)
	if claimed, _, err := deduper.Claim(ctx, "user", "k1"); err != nil || !claimed {
		t.Fatalf("expired key should be claimable: %v %v", claimed, err)
	}
}

func TestRedisDeduperKeyNamespacing(t *testing.T) {
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(m.Close)
	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	deduper := NewRedisDeduper(client, time.Minute)
	ctx := context.Background()
	if ok, _, err := deduper.Claim(ctx, "user-a", "same"); err != nil || !ok {
		t.Fatalf("claim a: %v %v", ok, err)
	}
	if ok, _, err := deduper.Claim(ctx, "user-b", "same"); err != nil || !ok {
		t.Fatalf("keys must be scoped per user: %v %v", ok, err)
	}
	if err := deduper.Release(ctx, "user-a", "same"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if m.Exists("idem:user-a:same") {
		t.Fatalf("released key still present")
	}
}
