package notify

import (
	"context"
	"fmt"
	"time"
)

// Kind names a notification template
type Kind string

const (
	KindSubscriptionCreated     Kind = "subscription_created"
	KindSubscriptionCancelled   Kind = "subscription_cancelled"
	KindSubscriptionReactivated Kind = "subscription_reactivated"
	KindSubscriptionUpgraded    Kind = "subscription_upgraded"
	KindSubscriptionRenewed     Kind = "subscription_renewed"
	KindSubscriptionExpired     Kind = "subscription_expired"
	KindSubscriptionExpiring    Kind = "subscription_expiring"
	KindTrialEnding             Kind = "trial_ending"
	KindPaymentFailed           Kind = "payment_failed"
	KindPaymentFailedFinal      Kind = "payment_failed_final"
)

// Notification is a rendered message for a user
type Notification struct {
	EventID        string                 `json:"event_id"`
	Kind           Kind                   `json:"kind"`
	UserID         int64                  `json:"user_id"`
	SubscriptionID int64                  `json:"subscription_id"`
	Subject        string                 `json:"subject"`
	Body           string                 `json:"body"`
	Data           map[string]interface{} `json:"data,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
}

// Notifier delivers notifications
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Multi fans a notification out to several notifiers and returns the first error
type Multi []Notifier

// Notify implements Notifier
func (m Multi) Notify(ctx context.Context, n Notification) error {
	var firstErr error
	for _, notifier := range m {
		if err := notifier.Notify(ctx, n); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Record is one entry of the notification log
type Record struct {
	ID             int64     `json:"id" db:"id"`
	SubscriptionID int64     `json:"subscription_id" db:"subscription_id"`
	UserID         int64     `json:"user_id" db:"user_id"`
	Kind           Kind      `json:"kind" db:"kind"`
	ThresholdDays  int       `json:"threshold_days" db:"threshold_days"`
	SentAt         time.Time `json:"sent_at" db:"sent_at"`
}

// Repository persists the notification log
type Repository interface {
	RecordNotification(ctx context.Context, r *Record) error
	NotificationSentSince(ctx context.Context, subscriptionID int64, kind Kind, thresholdDays int, since time.Time) (bool, error)
	DeleteNotificationsSince(ctx context.Context, subscriptionID int64, kind Kind, thresholdDays int, since time.Time) error
}

// Key identifies a notice for de-duplication
type Key struct {
	Kind           Kind
	SubscriptionID int64
	UserID         int64
	ThresholdDays  int
}

func (k Key) String() string {
	return fmt.Sprintf("recur:notify:%s:%d:%d", k.Kind, k.SubscriptionID, k.ThresholdDays)
}

// Deduper claims a notice. Claim returns false when the same key was claimed within window.
// Release gives a claim back when the notice could not be sent.
type Deduper interface {
	Claim(ctx context.Context, key Key, window time.Duration) (bool, error)
	Release(ctx context.Context, key Key, window time.Duration) error
}
