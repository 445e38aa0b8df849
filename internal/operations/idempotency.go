package operations

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/1am3/excdev-test-lab/internal/ledger"
)

const (
	idempotencyPrefix = "operations:idempotency:v1:"
	inProgressMarker  = "__in_progress__"
)

// KeyStore persists the idempotency key to entry-id mapping used to
// deduplicate redelivered operation requests. Repeating an operation without
// a key produces a second entry; the key is the caller's opt-in to
// at-most-once semantics.
type KeyStore interface {
	// Lookup returns the entry ids bound to the key, if any.
	Lookup(ctx context.Context, key string) ([]int64, bool, error)
	// Reserve marks the key in-flight. Returns false when the key is already
	// reserved or bound.
	Reserve(ctx context.Context, key string) (bool, error)
	// Bind records the entries produced under the key.
	Bind(ctx context.Context, key string, entryIDs []int64) error
	// Release frees a reservation whose operation did not run to completion.
	Release(ctx context.Context, key string) error
}

// RedisKeyStore stores idempotency reservations in Redis with a TTL, so
// deduplication works across processes sharing the cache.
type RedisKeyStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisKeyStore constructs a Redis-backed key store.
func NewRedisKeyStore(client *redis.Client, ttl time.Duration) *RedisKeyStore {
	return &RedisKeyStore{client: client, ttl: ttl}
}

func (s *RedisKeyStore) Lookup(ctx context.Context, key string) ([]int64, bool, error) {
	value, err := s.client.Get(ctx, idempotencyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &ledger.StorageError{Op: "idempotency lookup", Err: err}
	}
	if value == inProgressMarker {
		return nil, false, nil
	}
	ids, err := parseEntryIDs(value)
	if err != nil {
		return nil, false, &ledger.StorageError{Op: "idempotency decode", Err: err}
	}
	return ids, true, nil
}

func (s *RedisKeyStore) Reserve(ctx context.Context, key string) (bool, error) {
	ok, err := s.client.SetNX(ctx, idempotencyPrefix+key, inProgressMarker, s.ttl).Result()
	if err != nil {
		return false, &ledger.StorageError{Op: "idempotency reserve", Err: err}
	}
	return ok, nil
}

func (s *RedisKeyStore) Bind(ctx context.Context, key string, entryIDs []int64) error {
	if err := s.client.Set(ctx, idempotencyPrefix+key, formatEntryIDs(entryIDs), s.ttl).Err(); err != nil {
		return &ledger.StorageError{Op: "idempotency bind", Err: err}
	}
	return nil
}

func (s *RedisKeyStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, idempotencyPrefix+key).Err(); err != nil {
		return &ledger.StorageError{Op: "idempotency release", Err: err}
	}
	return nil
}

func formatEntryIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

func parseEntryIDs(value string) ([]int64, error) {
	parts := strings.Split(value, ",")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// MemoryKeyStore is an in-process KeyStore for tests and single-node use.
type MemoryKeyStore struct {
	mu       sync.Mutex
	bound    map[string][]int64
	reserved map[string]bool
}

// NewMemoryKeyStore constructs an empty in-memory key store.
func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{
		bound:    make(map[string][]int64),
		reserved: make(map[string]bool),
	}
}

func (s *MemoryKeyStore) Lookup(_ context.Context, key string) ([]int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids, ok := s.bound[key]
	return ids, ok, nil
}

func (s *MemoryKeyStore) Reserve(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reserved[key] {
		return false, nil
	}
	if _, ok := s.bound[key]; ok {
		return false, nil
	}
	s.reserved[key] = true
	return true, nil
}

func (s *MemoryKeyStore) Bind(_ context.Context, key string, entryIDs []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bound[key] = entryIDs
	delete(s.reserved, key)
	return nil
}

func (s *MemoryKeyStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.reserved, key)
	return nil
}
