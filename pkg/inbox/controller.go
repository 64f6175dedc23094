// Package inbox admits inbound federation activities: structural
// validation, blocklist checks, backpressure, and durable queuing ahead of
// asynchronous processing.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"warren/pkg/activity"
	"warren/pkg/blocklist"
	"warren/pkg/metrics"
)

// Controller validates and enqueues inbound activities. Authentication has
// already happened at the HTTP boundary by the time Admit runs.
type Controller struct {
	queue   *Queue
	blocked *blocklist.Cache
	metrics *metrics.NodeMetrics
	logger  *zap.Logger

	localDomain       string
	maxQueueLength    int
	allowLocalNetwork bool
}

// NewController creates an admission controller.
func NewController(queue *Queue, blocked *blocklist.Cache, localDomain string, maxQueueLength int, allowLocalNetwork bool, m *metrics.NodeMetrics, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		queue:             queue,
		blocked:           blocked,
		metrics:           m,
		logger:            logger,
		localDomain:       localDomain,
		maxQueueLength:    maxQueueLength,
		allowLocalNetwork: allowLocalNetwork,
	}
}

// Queue exposes the controller's queue to the supervisor and the status
// surface.
func (c *Controller) Queue() *Queue {
	return c.queue
}

// Admit runs the admission pipeline for one inbound activity, in order,
// short-circuiting on the first failure. On Accepted the item is durable
// on disk before Admit returns; the caller must acknowledge the peer
// before any further processing happens.
func (c *Controller) Admit(ctx context.Context, nickname string, raw []byte, headers http.Header, requestPath string) AdmissionResult {
	result := c.admit(ctx, nickname, raw, headers, requestPath)
	if c.metrics != nil {
		c.metrics.AdmissionsTotal.WithLabelValues(result.String()).Inc()
		c.metrics.QueueDepth.Set(float64(c.queue.Len()))
	}
	return result
}

func (c *Controller) admit(ctx context.Context, nickname string, raw []byte, headers http.Header, requestPath string) AdmissionResult {
	// A consumer restart in progress means the queue must not be touched.
	if c.queue.RestartRequested() {
		return RejectedBusy
	}

	doc, err := activity.Parse(raw)
	if err != nil {
		c.logger.Debug("Rejected unparseable activity", zap.Error(err))
		return RejectedInvalid
	}
	if !activity.ValidateShape(doc) {
		c.logger.Debug("Rejected structurally invalid activity",
			zap.String("type", doc.Type()))
		return RejectedInvalid
	}

	actorURL := doc.Actor()
	if !c.allowLocalNetwork && activity.ContainsLocalAddress(actorURL) {
		c.logger.Warn("Rejected actor with local network address",
			zap.String("actor", actorURL))
		return RejectedInvalid
	}

	domain, err := activity.Domain(actorURL)
	if err != nil {
		return RejectedInvalid
	}

	if blocked := c.checkBlocked(ctx, domain); blocked {
		return RejectedBlocked
	}

	// Backpressure: a full queue rejects, clears stale files, and raises
	// the restart flag so the supervisor can recover the consumer.
	if c.queue.Len() >= c.maxQueueLength {
		c.logger.Warn("Inbox queue full, requesting consumer restart",
			zap.Int("depth", c.queue.Len()),
			zap.Int("max", c.maxQueueLength))
		c.queue.ClearStale()
		c.queue.RequestRestart()
		return RejectedBusy
	}

	// The blocklist is re-validated immediately before commit: the earlier
	// check may be stale by the time of writing.
	if blocked := c.checkBlocked(ctx, domain); blocked {
		return RejectedBlocked
	}

	if !c.allowLocalNetwork && activity.ScanForLocalLinks(raw) {
		c.logger.Warn("Rejected activity embedding local links",
			zap.String("actor", actorURL))
		return RejectedMalicious
	}

	original := doc.Clone()
	activity.NormalizeAddressing(doc, c.recipientURL(nickname))

	item := &QueuedItem{
		Nickname:    nickname,
		RawBytes:    raw,
		Parsed:      doc,
		Original:    original,
		Headers:     SelectHeaders(headers),
		RequestPath: requestPath,
		ReceivedAt:  time.Now(),
	}

	id, err := c.queue.EnqueueBounded(item, c.maxQueueLength)
	if errors.Is(err, ErrQueueFull) {
		// A concurrent admission took the last slot after the depth
		// check above. Same overflow recovery as the depth check.
		c.logger.Warn("Inbox queue filled during admission, requesting consumer restart",
			zap.Int("max", c.maxQueueLength))
		c.queue.ClearStale()
		c.queue.RequestRestart()
		return RejectedBusy
	}
	if err != nil {
		// Persistence failed, so the sender is never acknowledged.
		c.logger.Error("Failed to persist inbox item", zap.Error(err))
		return RejectedBusy
	}

	c.logger.Debug("Activity admitted",
		zap.String("id", id),
		zap.String("type", doc.Type()),
		zap.String("actor", actorURL))
	return Accepted
}

// checkBlocked refreshes the blocklist when stale and tests the domain. A
// refresh failure is a soft failure: the current snapshot still answers.
func (c *Controller) checkBlocked(ctx context.Context, domain string) bool {
	if err := c.blocked.RefreshIfStale(ctx); err != nil {
		c.logger.Warn("Blocklist refresh failed, using current snapshot",
			zap.Error(err))
	}
	return c.blocked.Contains(domain)
}

// recipientURL builds the inbox owner's actor URL for addressing
// normalization; empty for the shared inbox.
func (c *Controller) recipientURL(nickname string) string {
	if nickname == "" {
		return ""
	}
	return fmt.Sprintf("https://%s/users/%s", c.localDomain, nickname)
}
