package supervisor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"warren/pkg/activity"
	"warren/pkg/blocklist"
	"warren/pkg/crawler"
	"warren/pkg/delivery"
)

type hangingSender struct{}

func (hangingSender) Send(ctx context.Context, _ string, _ activity.Document, _ string) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestReapers_ReapsOverdueDeliveries(t *testing.T) {
	pool := delivery.NewPool(hangingSender{}, nil, zap.NewNop())
	defer pool.Shutdown()

	pool.Enqueue("alice", activity.Document{"type": "Create"}, "https://b.example/inbox")
	waitFor(t, 2*time.Second, func() bool { return pool.ActiveWorkers() == 1 },
		"worker not started")

	r := NewReapers(pool, nil, nil, 10*time.Millisecond, 1*time.Millisecond, time.Hour, nil, zap.NewNop())
	r.Start()
	defer r.Stop()

	waitFor(t, 3*time.Second, func() bool { return pool.ActiveWorkers() == 0 },
		"overdue worker was not reaped")
}

func TestReapers_SweepsCrawlers(t *testing.T) {
	tracker := crawler.NewTracker(filepath.Join(t.TempDir(), "crawlers.json"), zap.NewNop())
	tracker.Observe("bot/1.0")

	r := NewReapers(nil, nil, tracker, time.Hour, time.Hour, 10*time.Millisecond, nil, zap.NewNop())
	r.Start()
	defer r.Stop()

	// The sweep runs; the fresh record survives.
	time.Sleep(50 * time.Millisecond)
	if tracker.Len() != 1 {
		t.Errorf("tracker lost a fresh record: len = %d", tracker.Len())
	}
}

func TestReapers_RefreshesBlocklist(t *testing.T) {
	cache := blocklist.NewCache(blocklist.NewStaticStore([]string{"bad.example"}), time.Millisecond, zap.NewNop())

	r := NewReapers(nil, cache, nil, time.Hour, time.Hour, 10*time.Millisecond, nil, zap.NewNop())
	r.Start()
	defer r.Stop()

	waitFor(t, 3*time.Second, func() bool { return cache.Contains("bad.example") },
		"blocklist never refreshed")
}
