// Package blocklist keeps an in-memory snapshot of denied federation
// domains, refreshed from durable storage on a fixed interval rather than
// per-request.
package blocklist

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Store is the durable source of blocked domains read at refresh time.
type Store interface {
	FetchBlockedDomains(ctx context.Context) ([]string, error)
}

// snapshot is replaced wholesale on refresh, so a reader never observes a
// partially-updated set.
type snapshot struct {
	domains       map[string]struct{}
	lastRefreshed time.Time
}

// Cache is the process-wide blocked-domain snapshot. Reads come from every
// request-handling goroutine; refreshes are serialized by refreshMu.
type Cache struct {
	store    Store
	interval time.Duration
	logger   *zap.Logger

	mu   sync.RWMutex
	snap *snapshot

	refreshMu sync.Mutex
}

// NewCache creates a blocklist cache over the given store. The first
// Refresh populates it; until then every domain reads as unblocked.
func NewCache(store Store, interval time.Duration, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		store:    store,
		interval: interval,
		logger:   logger,
		snap:     &snapshot{domains: map[string]struct{}{}},
	}
}

// Contains reports whether domain is currently blocked.
func (c *Cache) Contains(domain string) bool {
	c.mu.RLock()
	snap := c.snap
	c.mu.RUnlock()

	_, blocked := snap.domains[strings.ToLower(domain)]
	return blocked
}

// LastRefreshedAt returns the time of the last completed refresh.
func (c *Cache) LastRefreshedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap.lastRefreshed
}

// Size returns the number of blocked domains in the current snapshot.
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.snap.domains)
}

// RefreshIfStale refreshes the snapshot when the refresh interval has
// elapsed. Concurrent callers are serialized; the losers observe the fresh
// snapshot and return without touching the store.
func (c *Cache) RefreshIfStale(ctx context.Context) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	if time.Since(c.LastRefreshedAt()) < c.interval {
		return nil
	}
	return c.refresh(ctx)
}

// ForceRefresh refreshes the snapshot unconditionally.
func (c *Cache) ForceRefresh(ctx context.Context) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()
	return c.refresh(ctx)
}

func (c *Cache) refresh(ctx context.Context) error {
	domains, err := c.store.FetchBlockedDomains(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch blocked domains: %w", err)
	}

	next := &snapshot{
		domains:       make(map[string]struct{}, len(domains)),
		lastRefreshed: time.Now(),
	}
	for _, d := range domains {
		next.domains[strings.ToLower(strings.TrimSpace(d))] = struct{}{}
	}

	c.mu.Lock()
	c.snap = next
	c.mu.Unlock()

	c.logger.Debug("Blocklist snapshot refreshed",
		zap.Int("domains", len(next.domains)))
	return nil
}

// StaticStore serves a fixed domain list, used when no durable backend is
// configured.
type StaticStore struct {
	domains []string
}

// NewStaticStore creates a store over a fixed list.
func NewStaticStore(domains []string) *StaticStore {
	return &StaticStore{domains: domains}
}

// FetchBlockedDomains returns the configured list.
func (s *StaticStore) FetchBlockedDomains(context.Context) ([]string, error) {
	return s.domains, nil
}

// redisBlockedKey is the set holding blocked domains.
const redisBlockedKey = "warren:blocked_domains"

// RedisStore reads the blocked-domain set from redis.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a redis-backed store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// FetchBlockedDomains reads the full blocked set.
func (s *RedisStore) FetchBlockedDomains(ctx context.Context) ([]string, error) {
	domains, err := s.client.SMembers(ctx, redisBlockedKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read blocked domains from redis: %w", err)
	}
	return domains, nil
}

// Block adds a domain to the durable set. The cache picks it up on the
// next refresh.
func (s *RedisStore) Block(ctx context.Context, domain string) error {
	return s.client.SAdd(ctx, redisBlockedKey, strings.ToLower(domain)).Err()
}

// Unblock removes a domain from the durable set.
func (s *RedisStore) Unblock(ctx context.Context, domain string) error {
	return s.client.SRem(ctx, redisBlockedKey, strings.ToLower(domain)).Err()
}
