package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Record is what the guard persists per idempotency key. Response stays empty
// while the first request is still in flight.
type Record struct {
	Fingerprint string          `json:"fingerprint"`
	Response    json.RawMessage `json:"response,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Store is the TTL-capable backing cache for idempotency records.
type Store interface {
	// Reserve atomically creates the record if the key is absent. When the
	// key already exists the current record is returned with created=false.
	Reserve(ctx context.Context, key string, rec Record, ttl time.Duration) (existing *Record, created bool, err error)
	Set(ctx context.Context, key string, rec Record, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Sweep purges expired records for backends without native expiry.
	Sweep(ctx context.Context) (int, error)
}

const keyPrefix = "gradeflow:idem:"

// RedisStore backs the guard with Redis; expiry is native via SETNX+TTL, so
// Sweep is a no-op.
type RedisStore struct {
	rc *redis.Client
}

func NewRedisStore(rc *redis.Client) *RedisStore {
	return &RedisStore{rc: rc}
}

func (s *RedisStore) Reserve(ctx context.Context, key string, rec Record, ttl time.Duration) (*Record, bool, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal idempotency record: %w", err)
	}

	// One retry covers the race where the key expires between SetNX and Get.
	for attempt := 0; attempt < 2; attempt++ {
		created, err := s.rc.SetNX(ctx, keyPrefix+key, data, ttl).Result()
		if err != nil {
			return nil, false, fmt.Errorf("failed to reserve idempotency key: %w", err)
		}
		if created {
			return nil, true, nil
		}

		raw, err := s.rc.Get(ctx, keyPrefix+key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, false, fmt.Errorf("failed to read idempotency key: %w", err)
		}
		var existing Record
		if err := json.Unmarshal(raw, &existing); err != nil {
			return nil, false, fmt.Errorf("failed to unmarshal idempotency record: %w", err)
		}
		return &existing, false, nil
	}
	return nil, false, errors.New("idempotency key expired while reserving")
}

func (s *RedisStore) Set(ctx context.Context, key string, rec Record, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal idempotency record: %w", err)
	}
	if err := s.rc.Set(ctx, keyPrefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store idempotency record: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.rc.Del(ctx, keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("failed to delete idempotency key: %w", err)
	}
	return nil
}

func (s *RedisStore) Sweep(context.Context) (int, error) {
	return 0, nil
}

// MemoryStore is an in-process Store for tests and broker-less deployments.
// Expired entries linger until read or swept.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	rec       Record
	expiresAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry)}
}

func (s *MemoryStore) Reserve(_ context.Context, key string, rec Record, ttl time.Duration) (*Record, bool, error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok && e.expiresAt.After(now) {
		existing := e.rec
		return &existing, false, nil
	}
	s.entries[key] = memoryEntry{rec: rec, expiresAt: now.Add(ttl)}
	return nil, true, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, rec Record, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memoryEntry{rec: rec, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *MemoryStore) Sweep(context.Context) (int, error) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	purged := 0
	for key, e := range s.entries {
		if !e.expiresAt.After(now) {
			delete(s.entries, key)
			purged++
		}
	}
	return purged, nil
}
