package inbox

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"warren/pkg/activity"
)

func testItem(actor string) *QueuedItem {
	return &QueuedItem{
		Nickname:    "alice",
		RawBytes:    []byte(`{"type":"Follow"}`),
		Parsed:      activity.Document{"type": "Follow", "actor": actor},
		Original:    activity.Document{"type": "Follow", "actor": actor},
		Headers:     map[string]string{"host": "a.example"},
		RequestPath: "/users/alice/inbox",
		ReceivedAt:  time.Now(),
	}
}

func TestQueue_EnqueueDequeue(t *testing.T) {
	dir := t.TempDir()
	q, err := NewQueue(dir, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	id1, err := q.Enqueue(testItem("https://b.example/users/bob"))
	if err != nil {
		t.Fatal(err)
	}
	id2, err := q.Enqueue(testItem("https://c.example/users/carol"))
	if err != nil {
		t.Fatal(err)
	}
	if q.Len() != 2 {
		t.Fatalf("Len = %d, want 2", q.Len())
	}

	// Items are durable before Enqueue returns.
	if _, err := os.Stat(filepath.Join(dir, id1)); err != nil {
		t.Errorf("item file missing: %v", err)
	}

	item, ok := q.Dequeue()
	if !ok || item.ID != id1 {
		t.Fatalf("Dequeue = %v, %v; want item %s", item, ok, id1)
	}
	if item.Parsed.Actor() != "https://b.example/users/bob" {
		t.Errorf("round-tripped actor = %q", item.Parsed.Actor())
	}

	// Consumed items leave no file behind.
	if _, err := os.Stat(filepath.Join(dir, id1)); !os.IsNotExist(err) {
		t.Error("consumed item file not removed")
	}

	if item, ok = q.Dequeue(); !ok || item.ID != id2 {
		t.Fatalf("second Dequeue out of order: %v, %v", item, ok)
	}
	if _, ok = q.Dequeue(); ok {
		t.Error("Dequeue on empty queue should report false")
	}
}

func TestQueue_BoundedEnqueueExactUnderConcurrency(t *testing.T) {
	const max = 3

	q, err := NewQueue(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	var accepted, full atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.EnqueueBounded(testItem("https://b.example/users/bob"), max)
			switch {
			case err == nil:
				accepted.Add(1)
			case errors.Is(err, ErrQueueFull):
				full.Add(1)
			default:
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if accepted.Load() != max {
		t.Errorf("accepted = %d, want exactly %d", accepted.Load(), max)
	}
	if full.Load() != 10-max {
		t.Errorf("full rejections = %d, want %d", full.Load(), 10-max)
	}
	if q.Len() != max {
		t.Errorf("Len = %d, want %d", q.Len(), max)
	}
}

func TestQueue_RecoverOrphans(t *testing.T) {
	dir := t.TempDir()

	q1, err := NewQueue(dir, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := q1.Enqueue(testItem("https://b.example/users/bob")); err != nil {
		t.Fatal(err)
	}

	// A fresh queue over the same directory simulates a restart: the
	// on-disk item is an orphan until recovered.
	q2, err := NewQueue(dir, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if q2.Len() != 0 {
		t.Fatalf("fresh queue Len = %d", q2.Len())
	}
	if recovered := q2.RecoverOrphans(); recovered != 1 {
		t.Fatalf("RecoverOrphans = %d, want 1", recovered)
	}
	if q2.Len() != 1 {
		t.Errorf("Len = %d after recovery", q2.Len())
	}
	if _, ok := q2.Dequeue(); !ok {
		t.Error("recovered item should be consumable")
	}
}

func TestQueue_ClearStale(t *testing.T) {
	dir := t.TempDir()
	q, err := NewQueue(dir, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	if _, err := q.Enqueue(testItem("https://b.example/users/bob")); err != nil {
		t.Fatal(err)
	}

	// Stale files: not referenced by the order list.
	if err := os.WriteFile(filepath.Join(dir, "0-stale"), []byte(`{}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "0-partial.tmp"), []byte(`{`), 0o644); err != nil {
		t.Fatal(err)
	}

	if removed := q.ClearStale(); removed != 2 {
		t.Errorf("ClearStale = %d, want 2", removed)
	}
	if q.Len() != 1 {
		t.Errorf("Len = %d, live item must survive", q.Len())
	}
	if _, ok := q.Dequeue(); !ok {
		t.Error("live item unreadable after ClearStale")
	}
}

func TestQueue_RestartFlag(t *testing.T) {
	q, err := NewQueue(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if q.RestartRequested() {
		t.Error("restart flag should start lowered")
	}
	q.RequestRestart()
	if !q.RestartRequested() {
		t.Error("restart flag not raised")
	}
	q.ClearRestart()
	if q.RestartRequested() {
		t.Error("restart flag not cleared")
	}
}

func TestSelectHeaders(t *testing.T) {
	out := SelectHeaders(map[string][]string{
		"Host":                       {"a.example"},
		"Signature":                  {"sig"},
		"Content-Type":               {"application/activity+json"},
		"Collection-Synchronization": {"x"},
		"User-Agent":                 {"dropped"},
	})
	if len(out) != 4 {
		t.Errorf("SelectHeaders kept %d entries: %v", len(out), out)
	}
	if out["host"] != "a.example" || out["collection-synchronization"] != "x" {
		t.Errorf("SelectHeaders = %v", out)
	}
	if _, present := out["user-agent"]; present {
		t.Error("user-agent should not be persisted")
	}
}
