package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// DefaultChannel is the pub/sub channel events are published on
const DefaultChannel = "recur:events"

// RedisBus fans events out to every process subscribed to the channel
type RedisBus struct {
	client  *redis.Client
	channel string
	logger  *logrus.Logger

	mu       sync.Mutex
	handlers []Handler
	pubsub   *redis.PubSub
	wg       sync.WaitGroup
}

// NewRedisBus creates a bus on channel; an empty channel uses DefaultChannel
func NewRedisBus(client *redis.Client, channel string, logger *logrus.Logger) *RedisBus {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &RedisBus{client: client, channel: channel, logger: logger}
}

// Publish encodes e as JSON and publishes it
func (b *RedisBus) Publish(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", e.Kind, err)
	}
	return nil
}

// Subscribe registers h. Handlers only receive events once Listen is running.
func (b *RedisBus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Listen subscribes to the channel and dispatches messages until ctx is done or Close is called
func (b *RedisBus) Listen(ctx context.Context) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	// Wait for the subscription to be confirmed so no publish is missed
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", b.channel, err)
	}

	b.mu.Lock()
	b.pubsub = pubsub
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for msg := range pubsub.Channel() {
			b.dispatch(ctx, msg.Payload)
		}
	}()
	return nil
}

func (b *RedisBus) dispatch(ctx context.Context, payload string) {
	var e Event
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		b.logger.WithError(err).Warn("Dropping malformed event")
		return
	}

	b.mu.Lock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.Unlock()

	for _, h := range handlers {
		if err := h(ctx, e); err != nil {
			b.logger.WithError(err).WithFields(logrus.Fields{
				"event_id": e.ID,
				"kind":     e.Kind,
			}).Error("Event handler failed")
		}
	}
}

// Close unsubscribes and waits for in-flight dispatches
func (b *RedisBus) Close() error {
	b.mu.Lock()
	pubsub := b.pubsub
	b.pubsub = nil
	b.mu.Unlock()

	if pubsub == nil {
		return nil
	}
	err := pubsub.Close()
	b.wg.Wait()
	return err
}
