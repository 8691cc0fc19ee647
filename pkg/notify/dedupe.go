package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jonboulle/clockwork"
)

// RedisDeduper claims keys with SET NX and lets Redis expire them
type RedisDeduper struct {
	client *redis.Client
}

// NewRedisDeduper creates a deduper over client
func NewRedisDeduper(client *redis.Client) *RedisDeduper {
	return &RedisDeduper{client: client}
}

// Claim implements Deduper
func (d *RedisDeduper) Claim(ctx context.Context, key Key, window time.Duration) (bool, error) {
	ok, err := d.client.SetNX(ctx, key.String(), time.Now().UTC().Format(time.RFC3339), window).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim notification %s: %w", key, err)
	}
	return ok, nil
}

// Release implements Deduper
func (d *RedisDeduper) Release(ctx context.Context, key Key, _ time.Duration) error {
	if err := d.client.Del(ctx, key.String()).Err(); err != nil {
		return fmt.Errorf("failed to release notification %s: %w", key, err)
	}
	return nil
}

// LogDeduper checks the notification log and appends to it on a successful claim
type LogDeduper struct {
	repo  Repository
	clock clockwork.Clock
	mu    sync.Mutex
}

// NewLogDeduper creates a deduper over the notification log
func NewLogDeduper(repo Repository, clock clockwork.Clock) *LogDeduper {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &LogDeduper{repo: repo, clock: clock}
}

// Claim implements Deduper
func (d *LogDeduper) Claim(ctx context.Context, key Key, window time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock.Now().UTC()
	sent, err := d.repo.NotificationSentSince(ctx, key.SubscriptionID, key.Kind, key.ThresholdDays, now.Add(-window))
	if err != nil {
		return false, fmt.Errorf("failed to check notification log: %w", err)
	}
	if sent {
		return false, nil
	}

	err = d.repo.RecordNotification(ctx, &Record{
		SubscriptionID: key.SubscriptionID,
		UserID:         key.UserID,
		Kind:           key.Kind,
		ThresholdDays:  key.ThresholdDays,
		SentAt:         now,
	})
	if err != nil {
		return false, fmt.Errorf("failed to record notification: %w", err)
	}
	return true, nil
}

// Release implements Deduper by removing the log entries of key inside window
func (d *LogDeduper) Release(ctx context.Context, key Key, window time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	since := d.clock.Now().UTC().Add(-window)
	if err := d.repo.DeleteNotificationsSince(ctx, key.SubscriptionID, key.Kind, key.ThresholdDays, since); err != nil {
		return fmt.Errorf("failed to release notification %s: %w", key, err)
	}
	return nil
}
