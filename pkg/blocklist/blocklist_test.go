package blocklist

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func newRedisCache(t *testing.T, interval time.Duration) (*Cache, *RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	store := NewRedisStore(client)
	return NewCache(store, interval, zap.NewNop()), store, mr
}

func TestContains(t *testing.T) {
	cache, store, _ := newRedisCache(t, time.Minute)
	ctx := context.Background()

	if err := store.Block(ctx, "Spam.Example"); err != nil {
		t.Fatal(err)
	}
	if err := cache.ForceRefresh(ctx); err != nil {
		t.Fatal(err)
	}

	if !cache.Contains("spam.example") {
		t.Error("spam.example should be blocked")
	}
	if !cache.Contains("SPAM.EXAMPLE") {
		t.Error("lookup should be case-insensitive")
	}
	if cache.Contains("b.example") {
		t.Error("b.example should not be blocked")
	}
}

func TestRefreshIfStale_Idempotent(t *testing.T) {
	cache, store, _ := newRedisCache(t, time.Hour)
	ctx := context.Background()

	if err := cache.ForceRefresh(ctx); err != nil {
		t.Fatal(err)
	}
	first := cache.LastRefreshedAt()

	// A second refresh inside the interval leaves both the timestamp and
	// the set untouched, even when the store changed underneath.
	if err := store.Block(ctx, "late.example"); err != nil {
		t.Fatal(err)
	}
	if err := cache.RefreshIfStale(ctx); err != nil {
		t.Fatal(err)
	}
	if !cache.LastRefreshedAt().Equal(first) {
		t.Error("lastRefreshedAt changed within the interval")
	}
	if cache.Contains("late.example") {
		t.Error("snapshot changed within the interval")
	}
}

func TestRefreshIfStale_AfterInterval(t *testing.T) {
	cache, store, _ := newRedisCache(t, 10*time.Millisecond)
	ctx := context.Background()

	if err := cache.ForceRefresh(ctx); err != nil {
		t.Fatal(err)
	}
	first := cache.LastRefreshedAt()

	if err := store.Block(ctx, "late.example"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)

	if err := cache.RefreshIfStale(ctx); err != nil {
		t.Fatal(err)
	}
	if !cache.LastRefreshedAt().After(first) {
		t.Error("lastRefreshedAt not advanced after the interval")
	}
	if !cache.Contains("late.example") {
		t.Error("snapshot not updated after the interval")
	}
}

func TestRefresh_StoreError(t *testing.T) {
	cache, _, mr := newRedisCache(t, time.Minute)
	ctx := context.Background()

	if err := cache.ForceRefresh(ctx); err != nil {
		t.Fatal(err)
	}

	mr.Close()
	if err := cache.ForceRefresh(ctx); err == nil {
		t.Error("expected error when the store is unreachable")
	}
	// The old snapshot survives a failed refresh.
	if cache.Size() != 0 {
		t.Errorf("Size = %d after failed refresh", cache.Size())
	}
}

func TestStaticStore(t *testing.T) {
	cache := NewCache(NewStaticStore([]string{"bad.example"}), time.Minute, nil)
	if err := cache.ForceRefresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !cache.Contains("bad.example") {
		t.Error("bad.example should be blocked")
	}
}
