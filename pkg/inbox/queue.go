package inbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"warren/pkg/activity"
)

// queuedHeaderNames is the subset of request headers persisted with each
// item.
var queuedHeaderNames = []string{
	"host", "signature", "date", "digest",
	"content-type", "content-length", "collection-synchronization",
}

// QueuedItem is one accepted activity, written to durable storage before
// the sender is acknowledged.
type QueuedItem struct {
	ID          string            `json:"id"`
	Nickname    string            `json:"nickname,omitempty"`
	RawBytes    []byte            `json:"raw_bytes"`
	Parsed      activity.Document `json:"parsed"`
	Original    activity.Document `json:"original"`
	Headers     map[string]string `json:"headers"`
	RequestPath string            `json:"request_path"`
	ReceivedAt  time.Time         `json:"received_at"`
}

// SelectHeaders extracts the persisted header subset from a full header
// map.
func SelectHeaders(headers map[string][]string) map[string]string {
	out := make(map[string]string)
	for name, values := range headers {
		lower := strings.ToLower(name)
		for _, want := range queuedHeaderNames {
			if lower == want && len(values) > 0 {
				out[lower] = values[0]
			}
		}
	}
	return out
}

// Queue is a durable file-per-item inbox queue. Items are persisted to one
// JSON file each before the caller acknowledges the sender; the in-memory
// ordered id list is the authoritative queue order.
type Queue struct {
	dir    string
	logger *zap.Logger

	mu       sync.Mutex
	order    []string // item ids, oldest first
	seq      uint64
	inflight int // admissions past the depth check, still persisting

	restartRequested atomic.Bool
}

// NewQueue creates a durable queue rooted at dir.
func NewQueue(dir string, logger *zap.Logger) (*Queue, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create queue directory: %w", err)
	}
	return &Queue{dir: dir, logger: logger}, nil
}

// Len returns the current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

// ErrQueueFull reports that an enqueue lost the race for the last slot
// below the depth bound.
var ErrQueueFull = errors.New("inbox queue full")

// Enqueue persists the item and appends its id to the queue order. The
// item is durable on disk before Enqueue returns.
func (q *Queue) Enqueue(item *QueuedItem) (string, error) {
	return q.EnqueueBounded(item, 0)
}

// EnqueueBounded enqueues unless the depth, counting admissions still
// persisting their files, has reached max. The reservation makes the
// bound exact under concurrent admissions. max 0 means unbounded.
func (q *Queue) EnqueueBounded(item *QueuedItem, max int) (string, error) {
	q.mu.Lock()
	if max > 0 && len(q.order)+q.inflight >= max {
		q.mu.Unlock()
		return "", ErrQueueFull
	}
	q.inflight++
	q.seq++
	id := fmt.Sprintf("%d-%06d", item.ReceivedAt.UnixNano(), q.seq)
	q.mu.Unlock()

	item.ID = id
	if err := q.persist(item); err != nil {
		q.mu.Lock()
		q.inflight--
		q.mu.Unlock()
		return "", err
	}

	q.mu.Lock()
	q.order = append(q.order, id)
	q.inflight--
	q.mu.Unlock()

	return id, nil
}

// persist writes the item file and syncs it before rename, so a crash
// never leaves an acknowledged item unreadable.
func (q *Queue) persist(item *QueuedItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to encode queue item: %w", err)
	}

	tmp := q.itemPath(item.ID) + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create queue file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write queue file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync queue file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close queue file: %w", err)
	}
	if err := os.Rename(tmp, q.itemPath(item.ID)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to commit queue file: %w", err)
	}
	return nil
}

// Dequeue removes and returns the oldest item, deleting its file. Returns
// false when the queue is empty.
func (q *Queue) Dequeue() (*QueuedItem, bool) {
	q.mu.Lock()
	if len(q.order) == 0 {
		q.mu.Unlock()
		return nil, false
	}
	id := q.order[0]
	q.order = q.order[1:]
	q.mu.Unlock()

	data, err := os.ReadFile(q.itemPath(id))
	if err != nil {
		q.logger.Warn("Queue item file unreadable, skipping",
			zap.String("id", id), zap.Error(err))
		return nil, false
	}

	var item QueuedItem
	if err := json.Unmarshal(data, &item); err != nil {
		q.logger.Warn("Queue item file corrupt, dropping",
			zap.String("id", id), zap.Error(err))
		os.Remove(q.itemPath(id))
		return nil, false
	}

	os.Remove(q.itemPath(id))
	return &item, true
}

// RecoverOrphans appends any on-disk items missing from the order list,
// oldest first. Called once on startup, before the consumer runs.
func (q *Queue) RecoverOrphans() int {
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		q.logger.Warn("Failed to scan queue directory", zap.Error(err))
		return 0
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	known := make(map[string]struct{}, len(q.order))
	for _, id := range q.order {
		known[id] = struct{}{}
	}

	recovered := 0
	var orphans []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasSuffix(name, ".tmp") {
			continue
		}
		if _, ok := known[name]; !ok {
			orphans = append(orphans, name)
		}
	}
	sort.Strings(orphans)
	for _, id := range orphans {
		q.order = append(q.order, id)
		recovered++
	}

	if recovered > 0 {
		q.logger.Info("Recovered orphaned queue items", zap.Int("count", recovered))
	}
	return recovered
}

// ClearStale deletes queue files that are not referenced by the order
// list. Called when the queue overflows, ahead of a consumer restart.
func (q *Queue) ClearStale() int {
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		return 0
	}

	q.mu.Lock()
	known := make(map[string]struct{}, len(q.order))
	for _, id := range q.order {
		known[id] = struct{}{}
	}
	q.mu.Unlock()

	removed := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			continue
		}
		if _, ok := known[strings.TrimSuffix(name, ".tmp")]; ok && !strings.HasSuffix(name, ".tmp") {
			continue
		}
		if os.Remove(filepath.Join(q.dir, name)) == nil {
			removed++
		}
	}

	if removed > 0 {
		q.logger.Warn("Cleared stale queue files", zap.Int("count", removed))
	}
	return removed
}

// RequestRestart raises the restart flag for the supervising watchdog.
func (q *Queue) RequestRestart() {
	q.restartRequested.Store(true)
}

// RestartRequested reports whether a consumer restart is pending.
func (q *Queue) RestartRequested() bool {
	return q.restartRequested.Load()
}

// ClearRestart lowers the restart flag once the consumer is running again.
func (q *Queue) ClearRestart() {
	q.restartRequested.Store(false)
}

func (q *Queue) itemPath(id string) string {
	return filepath.Join(q.dir, id)
}
