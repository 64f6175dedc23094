package actor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// PersonStore is the durable actor-document cache, keyed by actor URL.
// The resolver consults it before reaching for the network and writes
// through on every successful fetch.
type PersonStore interface {
	GetActor(ctx context.Context, actorURL string) ([]byte, error)
	SetActor(ctx context.Context, actorURL string, doc []byte) error
}

// ErrNotCached is returned when a store holds no document for an actor.
var ErrNotCached = fmt.Errorf("actor not cached")

// MemoryPersonStore is a process-local PersonStore for single-node setups
// and tests.
type MemoryPersonStore struct {
	mu   sync.RWMutex
	docs map[string][]byte
}

// NewMemoryPersonStore creates an empty in-memory store.
func NewMemoryPersonStore() *MemoryPersonStore {
	return &MemoryPersonStore{docs: make(map[string][]byte)}
}

// GetActor returns the cached document or ErrNotCached.
func (s *MemoryPersonStore) GetActor(_ context.Context, actorURL string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[actorURL]
	if !ok {
		return nil, ErrNotCached
	}
	return doc, nil
}

// SetActor stores a document.
func (s *MemoryPersonStore) SetActor(_ context.Context, actorURL string, doc []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[actorURL] = doc
	return nil
}

// redisActorKeyPrefix namespaces cached actor documents.
const redisActorKeyPrefix = "warren:actor:"

// redisActorTTL bounds how long a cached document is served without a
// refetch.
const redisActorTTL = 24 * time.Hour

// RedisPersonStore is a redis-backed PersonStore shared across restarts.
type RedisPersonStore struct {
	client *redis.Client
}

// NewRedisPersonStore creates a redis-backed store.
func NewRedisPersonStore(client *redis.Client) *RedisPersonStore {
	return &RedisPersonStore{client: client}
}

// GetActor returns the cached document or ErrNotCached.
func (s *RedisPersonStore) GetActor(ctx context.Context, actorURL string) ([]byte, error) {
	doc, err := s.client.Get(ctx, redisActorKeyPrefix+actorURL).Bytes()
	if err == redis.Nil {
		return nil, ErrNotCached
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read actor from redis: %w", err)
	}
	return doc, nil
}

// SetActor stores a document with the standard TTL.
func (s *RedisPersonStore) SetActor(ctx context.Context, actorURL string, doc []byte) error {
	if err := s.client.Set(ctx, redisActorKeyPrefix+actorURL, doc, redisActorTTL).Err(); err != nil {
		return fmt.Errorf("failed to write actor to redis: %w", err)
	}
	return nil
}
