// Package events carries lifecycle and billing events from the core to
// asynchronous consumers such as the notification dispatcher.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Kind identifies an event
type Kind string

const (
	SubscriptionCreated     Kind = "subscription.created"
	SubscriptionCancelled   Kind = "subscription.cancelled"
	SubscriptionReactivated Kind = "subscription.reactivated"
	SubscriptionUpgraded    Kind = "subscription.upgraded"
	SubscriptionExpired     Kind = "subscription.expired"
	SubscriptionRenewed     Kind = "subscription.renewed"
	SubscriptionExpiring    Kind = "subscription.expiring"
	TrialEnding             Kind = "subscription.trial_ending"
	PaymentFailed           Kind = "payment.failed"
)

// Event is a single occurrence. Fields that do not apply to a kind stay zero.
type Event struct {
	ID             string    `json:"id"`
	Kind           Kind      `json:"kind"`
	SubscriptionID int64     `json:"subscription_id"`
	UserID         int64     `json:"user_id"`
	TierID         int64     `json:"tier_id,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`

	// Upgrades
	OldTierID      int64            `json:"old_tier_id,omitempty"`
	NewTierID      int64            `json:"new_tier_id,omitempty"`
	ProratedAmount *decimal.Decimal `json:"prorated_amount,omitempty"`

	// Renewals and payment failures
	TransactionID int64            `json:"transaction_id,omitempty"`
	Amount        *decimal.Decimal `json:"amount,omitempty"`
	ExpiresAt     *time.Time       `json:"expires_at,omitempty"`
	Attempt       int              `json:"attempt,omitempty"`
	NextRetryAt   *time.Time       `json:"next_retry_at,omitempty"`
	Final         bool             `json:"final,omitempty"`

	// Expiring and trial-ending notices
	DaysLeft int `json:"days_left,omitempty"`
}

// New returns an event of kind with a fresh id
func New(kind Kind, subscriptionID, userID int64, at time.Time) Event {
	return Event{
		ID:             uuid.NewString(),
		Kind:           kind,
		SubscriptionID: subscriptionID,
		UserID:         userID,
		OccurredAt:     at.UTC(),
	}
}

// Publisher publishes events
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Handler consumes an event
type Handler func(ctx context.Context, e Event) error

// Bus is a Publisher that delivers to subscribed handlers
type Bus interface {
	Publisher
	Subscribe(h Handler)
	Close() error
}

// Discard drops every event
type Discard struct{}

// Publish implements Publisher
func (Discard) Publish(context.Context, Event) error { return nil }

// Recorder keeps published events in memory
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder returns an empty recorder
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Publish implements Publisher
func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Events returns everything recorded so far
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Kinds returns the kinds recorded so far, in publish order
func (r *Recorder) Kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Kind, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind
	}
	return out
}
