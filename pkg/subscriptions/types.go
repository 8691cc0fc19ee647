package subscriptions

import (
	"context"
	"time"

	"github.com/platinummonkey/recur/pkg/coupons"
	"github.com/platinummonkey/recur/pkg/ledger"
	"github.com/platinummonkey/recur/pkg/tiers"
	"github.com/shopspring/decimal"
)

// DefaultGracePeriodDays applies to new subscriptions unless configured otherwise
const DefaultGracePeriodDays = 7

// Status is the persisted lifecycle state
type Status string

const (
	StatusTrial                   Status = "trial"
	StatusActive                  Status = "active"
	StatusGracePeriod             Status = "grace_period"
	StatusExpired                 Status = "expired"
	StatusCancelled               Status = "cancelled"
	StatusPaymentFailed           Status = "payment_failed"
	StatusPaymentFailedMaxRetries Status = "payment_failed_max_retries"
)

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusTrial, StatusActive, StatusGracePeriod, StatusExpired, StatusCancelled,
		StatusPaymentFailed, StatusPaymentFailedMaxRetries:
		return true
	}
	return false
}

// Terminal reports whether no automatic transition leaves s
func (s Status) Terminal() bool {
	return s == StatusExpired || s == StatusCancelled || s == StatusPaymentFailedMaxRetries
}

// Subscription represents a user's subscription to a tier
type Subscription struct {
	ID                int64           `json:"id" db:"id"`
	UserID            int64           `json:"user_id" db:"user_id"`
	TierID            int64           `json:"tier_id" db:"tier_id"`
	CouponID          *int64          `json:"coupon_id,omitempty" db:"coupon_id"`
	SubscriptionPrice decimal.Decimal `json:"subscription_price" db:"subscription_price"`
	DiscountedPrice   decimal.Decimal `json:"discounted_price" db:"discounted_price"`
	AutoRenewal       bool            `json:"auto_renewal" db:"auto_renewal"`
	IsActive          bool            `json:"is_active" db:"is_active"`
	TrialEndDate      *time.Time      `json:"trial_end_date,omitempty" db:"trial_end_date"`
	ExpiresAt         *time.Time      `json:"expires_at,omitempty" db:"expires_at"`
	GracePeriodDays   int             `json:"grace_period_days" db:"grace_period_days"`
	RetryCount        int             `json:"retry_count" db:"retry_count"`
	Status            Status          `json:"status" db:"status"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at" db:"updated_at"`
	DeletedAt         *time.Time      `json:"deleted_at,omitempty" db:"deleted_at"`
}

// Clone returns a deep copy
func (s *Subscription) Clone() *Subscription {
	c := *s
	if s.CouponID != nil {
		id := *s.CouponID
		c.CouponID = &id
	}
	c.TrialEndDate = cloneTime(s.TrialEndDate)
	c.ExpiresAt = cloneTime(s.ExpiresAt)
	c.DeletedAt = cloneTime(s.DeletedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// View is a subscription plus the status derived from its dates
type View struct {
	*Subscription
	DerivedStatus Status `json:"derived_status"`
}

// Describe builds a View at now
func Describe(s *Subscription, now time.Time) View {
	return View{Subscription: s, DerivedStatus: DeriveStatus(s, now)}
}

// Filter selects subscriptions. Nil fields are ignored and set fields are ANDed.
type Filter struct {
	UserID          *int64
	Statuses        []Status
	IsActive        *bool
	AutoRenewal     *bool
	ExpiresBefore   *time.Time // expires_at <= t
	ExpiresAfter    *time.Time // expires_at >= t
	TrialEndsBefore *time.Time // trial_end_date <= t
	TrialEndsAfter  *time.Time // trial_end_date > t
	RetryCountBelow *int
	Limit           int
}

// Repository persists subscriptions. Soft-deleted rows are never returned.
type Repository interface {
	CreateSubscription(ctx context.Context, s *Subscription) error
	GetSubscription(ctx context.Context, id int64) (*Subscription, error)
	// LockSubscription reads a row for update inside a transaction
	LockSubscription(ctx context.Context, id int64) (*Subscription, error)
	UpdateSubscription(ctx context.Context, s *Subscription) error
	ListSubscriptions(ctx context.Context, f Filter) ([]*Subscription, error)
}

// Tx is everything a lifecycle or billing operation touches in one transaction
type Tx interface {
	tiers.Reader
	coupons.Repository
	ledger.Repository
	Repository
}

// Store runs fn in a transaction that commits when fn returns nil
type Store interface {
	Tx
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

func boolPtr(b bool) *bool { return &b }

func timePtr(t time.Time) *time.Time { return &t }
