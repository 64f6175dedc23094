package supervisor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"warren/pkg/blocklist"
	"warren/pkg/crawler"
	"warren/pkg/delivery"
	"warren/pkg/metrics"
)

// Reapers bundles the periodic maintenance loops: the delivery-thread
// reaper and the cache sweepers. Each loop runs independently for the
// process lifetime.
type Reapers struct {
	pool    *delivery.Pool
	blocked *blocklist.Cache
	crawl   *crawler.Tracker
	metrics *metrics.NodeMetrics
	logger  *zap.Logger

	reapInterval  time.Duration
	deliveryAge   time.Duration
	sweepInterval time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewReapers creates the maintenance loops. Any nil collaborator disables
// its loop.
func NewReapers(pool *delivery.Pool, blocked *blocklist.Cache, crawl *crawler.Tracker, reapInterval, deliveryAge, sweepInterval time.Duration, m *metrics.NodeMetrics, logger *zap.Logger) *Reapers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reapers{
		pool:          pool,
		blocked:       blocked,
		crawl:         crawl,
		metrics:       m,
		logger:        logger,
		reapInterval:  reapInterval,
		deliveryAge:   deliveryAge,
		sweepInterval: sweepInterval,
		stopCh:        make(chan struct{}),
	}
}

// Start launches the loops.
func (r *Reapers) Start() {
	if r.pool != nil {
		r.spawn("delivery-reaper", r.reapInterval, r.reapDeliveries)
	}
	if r.blocked != nil {
		r.spawn("blocklist-sweeper", r.sweepInterval, r.refreshBlocklist)
	}
	if r.crawl != nil {
		r.spawn("crawler-sweeper", r.sweepInterval, r.sweepCrawlers)
	}
}

// Stop halts all loops and waits for them.
func (r *Reapers) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

func (r *Reapers) spawn(name string, interval time.Duration, fn func()) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		r.logger.Debug("Maintenance loop started",
			zap.String("loop", name),
			zap.Duration("interval", interval))

		for {
			select {
			case <-ticker.C:
				fn()
			case <-r.stopCh:
				return
			}
		}
	}()
}

// reapDeliveries terminates delivery workers that have exceeded the age
// limit, system-wide.
func (r *Reapers) reapDeliveries() {
	if reaped := r.pool.ReapOlderThan(r.deliveryAge); reaped > 0 {
		r.logger.Info("Reaped overdue delivery workers", zap.Int("count", reaped))
	}
}

// refreshBlocklist replaces the blocklist snapshot when its interval has
// elapsed.
func (r *Reapers) refreshBlocklist() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := r.blocked.RefreshIfStale(ctx); err != nil {
		r.logger.Warn("Blocklist refresh failed", zap.Error(err))
		return
	}
	if r.metrics != nil {
		r.metrics.BlocklistRefreshes.Inc()
		r.metrics.BlocklistSize.Set(float64(r.blocked.Size()))
	}
}

// sweepCrawlers prunes crawler records unseen past the retention period.
func (r *Reapers) sweepCrawlers() {
	r.crawl.Sweep()
	if r.metrics != nil {
		r.metrics.CrawlerRecords.Set(float64(r.crawl.Len()))
	}
}
