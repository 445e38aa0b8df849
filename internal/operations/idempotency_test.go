package operations

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupRedisKeyStore(t *testing.T) *RedisKeyStore {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return NewRedisKeyStore(client, time.Minute)
}

func TestRedisKeyStoreReserveBindLookup(t *testing.T) {
	store := setupRedisKeyStore(t)
	ctx := context.Background()

	if _, ok, err := store.Lookup(ctx, "k1"); err != nil || ok {
		t.Fatalf("unknown key must not resolve, ok=%v err=%v", ok, err)
	}

	reserved, err := store.Reserve(ctx, "k1")
	if err != nil || !reserved {
		t.Fatalf("first reservation must succeed, reserved=%v err=%v", reserved, err)
	}

	// Reserved but unbound keys stay unresolved and cannot be re-reserved.
	if _, ok, err := store.Lookup(ctx, "k1"); err != nil || ok {
		t.Fatalf("reserved key must not resolve, ok=%v err=%v", ok, err)
	}
	reserved, err = store.Reserve(ctx, "k1")
	if err != nil || reserved {
		t.Fatalf("second reservation must fail, reserved=%v err=%v", reserved, err)
	}

	if err := store.Bind(ctx, "k1", []int64{42, 43}); err != nil {
		t.Fatalf("bind: %v", err)
	}

	ids, ok, err := store.Lookup(ctx, "k1")
	if err != nil || !ok {
		t.Fatalf("bound key must resolve, ok=%v err=%v", ok, err)
	}
	if len(ids) != 2 || ids[0] != 42 || ids[1] != 43 {
		t.Fatalf("unexpected ids: %v", ids)
	}
}

func TestRedisKeyStoreRelease(t *testing.T) {
	store := setupRedisKeyStore(t)
	ctx := context.Background()

	if _, err := store.Reserve(ctx, "k1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := store.Release(ctx, "k1"); err != nil {
		t.Fatalf("release: %v", err)
	}

	reserved, err := store.Reserve(ctx, "k1")
	if err != nil || !reserved {
		t.Fatalf("released key must be reservable again, reserved=%v err=%v", reserved, err)
	}
}

func TestMemoryKeyStoreMirrorsRedisSemantics(t *testing.T) {
	store := NewMemoryKeyStore()
	ctx := context.Background()

	reserved, err := store.Reserve(ctx, "k1")
	if err != nil || !reserved {
		t.Fatalf("reserve: reserved=%v err=%v", reserved, err)
	}
	reserved, _ = store.Reserve(ctx, "k1")
	if reserved {
		t.Fatal("double reservation must fail")
	}

	if err := store.Bind(ctx, "k1", []int64{7}); err != nil {
		t.Fatalf("bind: %v", err)
	}
	ids, ok, err := store.Lookup(ctx, "k1")
	if err != nil || !ok || len(ids) != 1 || ids[0] != 7 {
		t.Fatalf("lookup after bind: ids=%v ok=%v err=%v", ids, ok, err)
	}

	// Bound keys cannot be re-reserved even after the reservation flag is gone.
	reserved, _ = store.Reserve(ctx, "k1")
	if reserved {
		t.Fatal("bound key must not be reservable")
	}
}
