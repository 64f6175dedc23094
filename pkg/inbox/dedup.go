package inbox

import (
	"sync"

	"warren/pkg/activity"
)

// dedupCapacity bounds the remembered id set. Oldest entries are
// forgotten first.
const dedupCapacity = 4096

// Deduper remembers recently processed activity ids so the consumer can
// discard resends. Admission accepts duplicates; discarding them is the
// consumer's job.
type Deduper struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	order []string
}

// NewDeduper creates an empty deduper.
func NewDeduper() *Deduper {
	return &Deduper{seen: make(map[string]struct{})}
}

// Seen records the activity's id and reports whether it was already
// known. Activities without an id are never treated as duplicates.
func (d *Deduper) Seen(doc activity.Document) bool {
	id, _ := doc["id"].(string)
	if id == "" {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[id]; ok {
		return true
	}

	d.seen[id] = struct{}{}
	d.order = append(d.order, id)
	if len(d.order) > dedupCapacity {
		delete(d.seen, d.order[0])
		d.order = d.order[1:]
	}
	return false
}
