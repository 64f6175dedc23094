// Package actor resolves remote actor identifiers to their current public
// keys, caching key material in memory ahead of the durable person store
// and the network.
package actor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"warren/pkg/activity"
	"warren/pkg/session"
)

// activityJSONAccept is the content negotiation for actor documents.
const activityJSONAccept = `application/activity+json, application/ld+json; profile="https://www.w3.org/ns/activitystreams"`

// maxActorDocSize caps how much of a remote actor document is read.
const maxActorDocSize = 1 << 20

// KeyCacheEntry holds one actor's key material. Entries are superseded
// only by refetch, never evicted by count; FetchedAt is monotonically
// non-decreasing per actor.
type KeyCacheEntry struct {
	ActorID      string
	PublicKeyPEM string
	FetchedAt    time.Time
}

// Resolver maps actor URLs to public keys.
type Resolver struct {
	sessions  *session.Manager
	store     PersonStore
	permitted map[string]struct{} // empty means every domain is permitted
	logger    *zap.Logger

	mu    sync.RWMutex
	cache map[string]*KeyCacheEntry
}

// NewResolver creates a resolver. store may be nil when no durable person
// cache is configured; permittedDomains empty means no allowlist.
func NewResolver(sessions *session.Manager, store PersonStore, permittedDomains []string, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	permitted := make(map[string]struct{}, len(permittedDomains))
	for _, d := range permittedDomains {
		permitted[strings.ToLower(d)] = struct{}{}
	}
	return &Resolver{
		sessions:  sessions,
		store:     store,
		permitted: permitted,
		logger:    logger,
		cache:     make(map[string]*KeyCacheEntry),
	}
}

// PermittedDomain reports whether the federation allowlist admits domain.
func (r *Resolver) PermittedDomain(domain string) bool {
	if len(r.permitted) == 0 {
		return true
	}
	_, ok := r.permitted[strings.ToLower(domain)]
	return ok
}

// ResolveKey returns the public key PEM for an actor URL, from cache when
// possible. Resolution fails closed for actors outside the allowlist.
func (r *Resolver) ResolveKey(ctx context.Context, actorURL string) (string, error) {
	domain, err := activity.Domain(actorURL)
	if err != nil {
		return "", fmt.Errorf("unresolvable actor %q: %w", actorURL, err)
	}
	if !r.PermittedDomain(domain) {
		return "", fmt.Errorf("actor domain %s not in federation allowlist", domain)
	}

	r.mu.RLock()
	entry, cached := r.cache[actorURL]
	r.mu.RUnlock()
	if cached {
		return entry.PublicKeyPEM, nil
	}

	return r.fetchKey(ctx, actorURL, false)
}

// RefetchKey discards any cached entry for the actor and fetches the
// current key from the network, bypassing the durable person store so a
// rotated key is actually observed. Used when a remote actor's key
// appears to have changed (signature verification failed with the cached
// one). The fresh document is written through to the store.
func (r *Resolver) RefetchKey(ctx context.Context, actorURL string) (string, error) {
	domain, err := activity.Domain(actorURL)
	if err != nil {
		return "", fmt.Errorf("unresolvable actor %q: %w", actorURL, err)
	}
	if !r.PermittedDomain(domain) {
		return "", fmt.Errorf("actor domain %s not in federation allowlist", domain)
	}
	return r.fetchKey(ctx, actorURL, true)
}

// CachedAt returns when the actor's key was fetched, or the zero time when
// it is not cached.
func (r *Resolver) CachedAt(actorURL string) time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if entry, ok := r.cache[actorURL]; ok {
		return entry.FetchedAt
	}
	return time.Time{}
}

// CacheSize returns the number of cached actor keys.
func (r *Resolver) CacheSize() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}

func (r *Resolver) fetchKey(ctx context.Context, actorURL string, skipStore bool) (string, error) {
	doc, err := r.fetchDocument(ctx, actorURL, skipStore)
	if err != nil {
		return "", err
	}

	pem, err := extractPublicKeyPEM(doc)
	if err != nil {
		return "", fmt.Errorf("actor %s: %w", actorURL, err)
	}

	r.storeEntry(actorURL, pem)
	return pem, nil
}

// storeEntry installs a cache entry, keeping FetchedAt monotonic per actor.
func (r *Resolver) storeEntry(actorURL, pem string) {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.cache[actorURL]; ok && prev.FetchedAt.After(now) {
		now = prev.FetchedAt
	}
	r.cache[actorURL] = &KeyCacheEntry{
		ActorID:      actorURL,
		PublicKeyPEM: pem,
		FetchedAt:    now,
	}
}

// fetchDocument returns the actor document, consulting the durable store
// before the network. skipStore forces a network fetch so a stale stored
// document cannot answer a key-rotation refetch.
func (r *Resolver) fetchDocument(ctx context.Context, actorURL string, skipStore bool) ([]byte, error) {
	if r.store != nil && !skipStore {
		if doc, err := r.store.GetActor(ctx, actorURL); err == nil {
			return doc, nil
		}
	}

	if !r.sessions.Ensure("actor-resolver") {
		return nil, fmt.Errorf("no outbound session available for %s", actorURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, actorURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build actor request: %w", err)
	}
	req.Header.Set("Accept", activityJSONAccept)

	resp, err := r.sessions.Client().Do(req)
	if err != nil {
		r.sessions.Invalidate("actor fetch failed")
		return nil, fmt.Errorf("failed to fetch actor %s: %w", actorURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("actor fetch %s returned status %d", actorURL, resp.StatusCode)
	}

	doc, err := io.ReadAll(io.LimitReader(resp.Body, maxActorDocSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read actor document: %w", err)
	}

	if r.store != nil {
		if err := r.store.SetActor(ctx, actorURL, doc); err != nil {
			r.logger.Warn("Failed to persist actor document",
				zap.String("actor", actorURL),
				zap.Error(err))
		}
	}

	return doc, nil
}

// extractPublicKeyPEM pulls publicKey.publicKeyPem out of an actor
// document.
func extractPublicKeyPEM(doc []byte) (string, error) {
	var parsed struct {
		PublicKey struct {
			ID           string `json:"id"`
			PublicKeyPem string `json:"publicKeyPem"`
		} `json:"publicKey"`
	}
	if err := json.Unmarshal(doc, &parsed); err != nil {
		return "", fmt.Errorf("failed to parse actor document: %w", err)
	}
	if parsed.PublicKey.PublicKeyPem == "" {
		return "", fmt.Errorf("actor document carries no public key")
	}
	return parsed.PublicKey.PublicKeyPem, nil
}
