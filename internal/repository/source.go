package repository

import (
	"context"
	"errors"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrKeyNotFound = errors.New("repository: key not found")

// KeyValueStore is the capability set the migration needs from the source
// store: get/set/scan/expire. Any store implementing it is substitutable.
//
// TTL returns a negative duration for keys that exist without an expiry.
type KeyValueStore interface {
	Ping(ctx context.Context) error
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Scan(ctx context.Context, pattern string, fn func(key string) error) error
	TTL(ctx context.Context, key string) (time.Duration, error)
	Close() error
}

// RedisStore backs KeyValueStore with a Redis connection pool.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(addr, password string, db, poolSize int) *RedisStore {
	return &RedisStore{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
			PoolSize: poolSize,
		}),
	}
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrKeyNotFound
	}
	return val, err
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

func (s *RedisStore) Scan(ctx context.Context, pattern string, fn func(key string) error) error {
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		if err := fn(iter.Val()); err != nil {
			return err
		}
	}
	return iter.Err()
}

func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	return normalizeTTL(d)
}

// normalizeTTL maps the raw Redis TTL sentinels onto the KeyValueStore
// contract. go-redis returns them unscaled: -2 means the key does not exist,
// -1 means the key has no expiry; only positive TTLs carry a duration.
func normalizeTTL(d time.Duration) (time.Duration, error) {
	switch d {
	case time.Duration(-2):
		return 0, ErrKeyNotFound
	case time.Duration(-1):
		return -time.Second, nil
	}
	return d, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// MemoryStore is an in-memory KeyValueStore. It doubles as the substitutable
// store proof and as the test harness; Scan visits keys in sorted order so
// runs are deterministic.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry

	// SetErr, when non-nil, fails every Set. Used to exercise dual-write
	// partial-failure paths.
	SetErr error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry)}
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	if !ok || (!e.expiresAt.IsZero() && time.Now().After(e.expiresAt)) {
		return "", ErrKeyNotFound
	}
	return e.value, nil
}

func (s *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if s.SetErr != nil {
		return s.SetErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e := memoryEntry{value: value}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	s.entries[key] = e
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *MemoryStore) Scan(ctx context.Context, pattern string, fn func(key string) error) error {
	s.mu.RLock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		if ok, _ := path.Match(pattern, k); ok {
			keys = append(keys, k)
		}
	}
	s.mu.RUnlock()

	sort.Strings(keys)
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(k); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	if !ok {
		return 0, ErrKeyNotFound
	}
	if e.expiresAt.IsZero() {
		return -time.Second, nil
	}
	return time.Until(e.expiresAt), nil
}

func (s *MemoryStore) Close() error { return nil }
