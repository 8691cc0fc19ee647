package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/platinummonkey/recur/pkg/async"
	"github.com/sirupsen/logrus"
)

// MemoryBus delivers events to handlers on an in-process worker pool
type MemoryBus struct {
	pool   *async.WorkerPool
	logger *logrus.Logger

	mu       sync.RWMutex
	handlers []Handler
}

// NewMemoryBus starts workers goroutines. Each handler call is bounded by timeout.
func NewMemoryBus(ctx context.Context, workers int, timeout time.Duration, logger *logrus.Logger) *MemoryBus {
	if logger == nil {
		logger = logrus.New()
	}
	return &MemoryBus{
		pool:   async.NewWorkerPool(ctx, workers, "event dispatch", timeout),
		logger: logger,
	}
}

// Subscribe registers h for every subsequent event
func (b *MemoryBus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Publish queues e for delivery and returns without waiting for handlers
func (b *MemoryBus) Publish(ctx context.Context, e Event) error {
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	for _, h := range handlers {
		h := h
		if err := b.pool.Submit(func(ctx context.Context) error {
			if err := h(ctx, e); err != nil {
				return fmt.Errorf("handler failed for %s event %s: %w", e.Kind, e.ID, err)
			}
			return nil
		}); err != nil {
			return fmt.Errorf("failed to publish %s event: %w", e.Kind, err)
		}
	}

	b.logger.WithFields(logrus.Fields{
		"event_id":        e.ID,
		"kind":            e.Kind,
		"subscription_id": e.SubscriptionID,
	}).Debug("Event published")
	return nil
}

// Close waits for queued deliveries to finish
func (b *MemoryBus) Close() error {
	return b.pool.Shutdown(10 * time.Second)
}
