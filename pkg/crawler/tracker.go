// Package crawler tracks the user agents hitting the node's public
// surfaces, pruning records unseen for 30 days.
package crawler

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RetentionPeriod is how long an inactive user agent is remembered.
const RetentionPeriod = 30 * 24 * time.Hour

// Record tracks one crawler user agent.
type Record struct {
	UserAgent  string    `json:"user_agent"`
	LastSeenAt time.Time `json:"last_seen_at"`
	HitCount   int64     `json:"hit_count"`
}

// Tracker owns the crawler records. Observations come from request
// handlers; the sweep runs on the supervisor's schedule.
type Tracker struct {
	path   string
	logger *zap.Logger

	mu      sync.Mutex
	records map[string]*Record
	dirty   bool // unsaved changes since the last persist
	now     func() time.Time
}

// NewTracker creates a tracker persisting to path, loading any previous
// state from disk.
func NewTracker(path string, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tracker{
		path:    path,
		logger:  logger,
		records: make(map[string]*Record),
		now:     time.Now,
	}
	t.load()
	return t
}

// Observe records a sighting of the user agent.
func (t *Tracker) Observe(userAgent string) {
	if userAgent == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[userAgent]
	if !ok {
		rec = &Record{UserAgent: userAgent}
		t.records[userAgent] = rec
	}
	rec.LastSeenAt = t.now()
	rec.HitCount++
	t.dirty = true
}

// Len returns the number of tracked user agents.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// HitCount returns the hit count for a user agent, zero when untracked.
func (t *Tracker) HitCount(userAgent string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok := t.records[userAgent]; ok {
		return rec.HitCount
	}
	return 0
}

// Sweep evicts records unseen for the retention period and persists the
// result when anything changed since the last persisted state. Returns the
// number of evicted records.
func (t *Tracker) Sweep() int {
	t.mu.Lock()

	cutoff := t.now().Add(-RetentionPeriod)
	evicted := 0
	for ua, rec := range t.records {
		if rec.LastSeenAt.Before(cutoff) {
			delete(t.records, ua)
			evicted++
		}
	}

	changed := t.dirty || evicted > 0
	if changed {
		t.dirty = false
	}
	snapshot := t.snapshotLocked()
	t.mu.Unlock()

	if changed {
		if err := t.persist(snapshot); err != nil {
			t.logger.Warn("Failed to persist crawler records", zap.Error(err))
			t.mu.Lock()
			t.dirty = true
			t.mu.Unlock()
		}
	}

	if evicted > 0 {
		t.logger.Info("Swept stale crawler records", zap.Int("evicted", evicted))
	}
	return evicted
}

func (t *Tracker) snapshotLocked() []*Record {
	out := make([]*Record, 0, len(t.records))
	for _, rec := range t.records {
		copied := *rec
		out = append(out, &copied)
	}
	return out
}

func (t *Tracker) persist(records []*Record) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode crawler records: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		return fmt.Errorf("failed to create crawler state directory: %w", err)
	}
	tmp := t.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write crawler records: %w", err)
	}
	if err := os.Rename(tmp, t.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to commit crawler records: %w", err)
	}
	return nil
}

func (t *Tracker) load() {
	data, err := os.ReadFile(t.path)
	if err != nil {
		return
	}

	var records []*Record
	if err := json.Unmarshal(data, &records); err != nil {
		t.logger.Warn("Crawler state file corrupt, starting fresh", zap.Error(err))
		return
	}
	for _, rec := range records {
		t.records[rec.UserAgent] = rec
	}
}
