// Package delivery sends locally authored activities to remote inboxes
// through a bounded, per-account worker pool with forced-replacement
// semantics.
package delivery

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"warren/pkg/activity"
	"warren/pkg/metrics"
)

// SlotsPerAccount is the fixed ring size: at most this many deliveries in
// flight per account.
const SlotsPerAccount = 8

// WildcardAccount keys system-authored activities that belong to no single
// account.
const WildcardAccount = "*"

// evictWait bounds how long an eviction waits for the cancelled occupant
// before declaring it unresponsive. The slot is reused either way.
const evictWait = 2 * time.Second

// Sender transmits one activity to one remote inbox. Implementations run
// the full send, signing through network transmission, before returning.
type Sender interface {
	Send(ctx context.Context, accountKey string, doc activity.Document, inboxURL string) error
}

// Task is one in-flight delivery occupying a slot.
type Task struct {
	Account   string
	Doc       activity.Document
	InboxURL  string
	StartedAt time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// Age returns how long the task has been running.
func (t *Task) Age() time.Duration {
	return time.Since(t.StartedAt)
}

// running reports whether the task's worker has not finished yet.
func (t *Task) running() bool {
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

// accountRing is one account's fixed slot array plus its rotating index.
// ringMu serializes slot acquisition for the account.
type accountRing struct {
	ringMu sync.Mutex
	slots  [SlotsPerAccount]*Task
	next   int
}

// Pool owns the per-account rings and a global task registry for the
// reaper. Rings are created lazily on first delivery and never destroyed.
type Pool struct {
	sender  Sender
	metrics *metrics.NodeMetrics
	logger  *zap.Logger

	mu    sync.Mutex
	rings map[string]*accountRing

	tasksMu sync.Mutex
	tasks   map[*Task]struct{}
}

// NewPool creates a delivery pool over the given sender.
func NewPool(sender Sender, m *metrics.NodeMetrics, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		sender:  sender,
		metrics: m,
		logger:  logger,
		rings:   make(map[string]*accountRing),
		tasks:   make(map[*Task]struct{}),
	}
}

// Enqueue installs a delivery for the account at the next rotating slot,
// forcibly replacing any live occupant, and returns the slot index. The
// send runs on a background worker; one worker performs exactly one full
// send from signing through transmission.
func (p *Pool) Enqueue(accountKey string, doc activity.Document, inboxURL string) int {
	ring := p.ring(accountKey)

	ring.ringMu.Lock()
	defer ring.ringMu.Unlock()

	idx := ring.next
	ring.next = (ring.next + 1) % SlotsPerAccount

	if occupant := ring.slots[idx]; occupant != nil && occupant.running() {
		p.evict(accountKey, idx, occupant)
	}

	ctx, cancel := context.WithCancel(context.Background())
	task := &Task{
		Account:   accountKey,
		Doc:       doc,
		InboxURL:  inboxURL,
		StartedAt: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	ring.slots[idx] = task
	p.register(task)

	go p.run(ctx, task, idx)
	return idx
}

// evict cancels a live occupant and waits briefly for it to drain. A
// worker that outlives the wait is logged and abandoned; the slot must
// never stay blocked for the account.
func (p *Pool) evict(accountKey string, idx int, occupant *Task) {
	occupant.cancel()

	select {
	case <-occupant.done:
	case <-time.After(evictWait):
		p.logger.Warn("Evicted delivery worker unresponsive, reusing slot anyway",
			zap.String("account", accountKey),
			zap.Int("slot", idx),
			zap.Duration("age", occupant.Age()))
	}

	if p.metrics != nil {
		p.metrics.SlotEvictions.Inc()
	}
	p.logger.Debug("Replaced busy delivery slot",
		zap.String("account", accountKey),
		zap.Int("slot", idx))
}

// run is the worker body: one full send, then slot cleanup. A panic in
// the sender is isolated to this worker and leaves the slot free.
func (p *Pool) run(ctx context.Context, task *Task, idx int) {
	defer close(task.done)
	defer p.unregister(task)
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Delivery worker panicked",
				zap.String("account", task.Account),
				zap.Int("slot", idx),
				zap.Any("panic", r))
		}
	}()

	if p.metrics != nil {
		p.metrics.ActiveWorkers.Inc()
		defer p.metrics.ActiveWorkers.Dec()
	}

	start := time.Now()
	err := p.sender.Send(ctx, task.Account, task.Doc, task.InboxURL)
	elapsed := time.Since(start)

	if p.metrics != nil {
		p.metrics.DeliveryLatency.Observe(elapsed.Seconds())
		if err != nil {
			p.metrics.DeliveriesTotal.WithLabelValues("failed").Inc()
		} else {
			p.metrics.DeliveriesTotal.WithLabelValues("ok").Inc()
		}
	}

	if err != nil {
		// Soft failure: logged, slot stays usable for the account.
		p.logger.Warn("Delivery failed",
			zap.String("account", task.Account),
			zap.String("inbox", task.InboxURL),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		return
	}

	p.logger.Debug("Delivery complete",
		zap.String("account", task.Account),
		zap.String("inbox", task.InboxURL),
		zap.Duration("elapsed", elapsed))
}

// ring returns the account's slot ring, creating it on first use.
func (p *Pool) ring(accountKey string) *accountRing {
	p.mu.Lock()
	defer p.mu.Unlock()

	ring, ok := p.rings[accountKey]
	if !ok {
		ring = &accountRing{}
		p.rings[accountKey] = ring
	}
	return ring
}

func (p *Pool) register(task *Task) {
	p.tasksMu.Lock()
	p.tasks[task] = struct{}{}
	p.tasksMu.Unlock()
}

func (p *Pool) unregister(task *Task) {
	p.tasksMu.Lock()
	delete(p.tasks, task)
	p.tasksMu.Unlock()
}

// ActiveWorkers returns the number of registered in-flight tasks.
func (p *Pool) ActiveWorkers() int {
	p.tasksMu.Lock()
	defer p.tasksMu.Unlock()
	return len(p.tasks)
}

// ReapOlderThan cancels every registered task older than maxAge,
// system-wide, and returns how many were cancelled. Used by the reaper to
// bound resource usage from peers that never respond.
func (p *Pool) ReapOlderThan(maxAge time.Duration) int {
	p.tasksMu.Lock()
	var stale []*Task
	for task := range p.tasks {
		if task.Age() > maxAge {
			stale = append(stale, task)
		}
	}
	p.tasksMu.Unlock()

	for _, task := range stale {
		task.cancel()
		p.logger.Warn("Reaped overdue delivery worker",
			zap.String("account", task.Account),
			zap.String("inbox", task.InboxURL),
			zap.Duration("age", task.Age()))
	}

	if p.metrics != nil && len(stale) > 0 {
		p.metrics.ReapedWorkers.Add(float64(len(stale)))
	}
	return len(stale)
}

// Shutdown cancels all in-flight deliveries.
func (p *Pool) Shutdown() {
	p.tasksMu.Lock()
	tasks := make([]*Task, 0, len(p.tasks))
	for task := range p.tasks {
		tasks = append(tasks, task)
	}
	p.tasksMu.Unlock()

	for _, task := range tasks {
		task.cancel()
	}
}
