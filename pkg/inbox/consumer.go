package inbox

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Processor semantically processes dequeued items. Its behavior (what a
// Follow means to the social graph, dedup of resent activities) is outside
// the admission engine.
type Processor interface {
	Process(ctx context.Context, item *QueuedItem) error
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, item *QueuedItem) error

// Process calls f.
func (f ProcessorFunc) Process(ctx context.Context, item *QueuedItem) error {
	return f(ctx, item)
}

// consumerIdleWait is how long the consumer sleeps on an empty queue.
const consumerIdleWait = 250 * time.Millisecond

// Consumer drains the queue into a Processor. It runs under the
// supervising watchdog, which restarts it whenever it dies.
type Consumer struct {
	queue     *Queue
	processor Processor
	logger    *zap.Logger
}

// NewConsumer creates a queue consumer.
func NewConsumer(queue *Queue, processor Processor, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{queue: queue, processor: processor, logger: logger}
}

// Run drains the queue until ctx is cancelled. Processing failures are
// soft: the item is dropped with a log line and the loop continues.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		item, ok := c.queue.Dequeue()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(consumerIdleWait):
			}
			continue
		}

		if err := c.processor.Process(ctx, item); err != nil {
			c.logger.Warn("Inbox item processing failed",
				zap.String("id", item.ID),
				zap.String("type", item.Parsed.Type()),
				zap.Error(err))
		}
	}
}
