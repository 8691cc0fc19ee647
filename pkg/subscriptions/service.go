package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/platinummonkey/recur/pkg/coupons"
	"github.com/platinummonkey/recur/pkg/events"
	"github.com/platinummonkey/recur/pkg/ledger"
	"github.com/platinummonkey/recur/pkg/tiers"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/platinummonkey/recur/pkg/subscriptions")

// CreateRequest is the input to Create
type CreateRequest struct {
	UserID      int64            `json:"user_id"`
	TierID      int64            `json:"tier_id"`
	Price       *decimal.Decimal `json:"price,omitempty"`
	CouponCode  string           `json:"coupon_code,omitempty"`
	AutoRenewal *bool            `json:"auto_renewal,omitempty"`
}

// Option configures a Service
type Option func(*Service)

// WithTierReader reads tiers through r, typically a tiers.CachedReader
func WithTierReader(r tiers.Reader) Option {
	return func(s *Service) { s.tiers = r }
}

// WithGracePeriodDays sets the grace period stamped on new subscriptions
func WithGracePeriodDays(days int) Option {
	return func(s *Service) { s.gracePeriodDays = days }
}

// Service implements the lifecycle operations
type Service struct {
	store           Store
	tiers           tiers.Reader
	publisher       events.Publisher
	clock           clockwork.Clock
	logger          *logrus.Logger
	gracePeriodDays int
}

// NewService creates a lifecycle service
func NewService(store Store, publisher events.Publisher, clock clockwork.Clock, logger *logrus.Logger, opts ...Option) *Service {
	if publisher == nil {
		publisher = events.Discard{}
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = logrus.New()
	}
	s := &Service{
		store:           store,
		tiers:           store,
		publisher:       publisher,
		clock:           clock,
		logger:          logger,
		gracePeriodDays: DefaultGracePeriodDays,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) now() time.Time {
	return s.clock.Now().UTC()
}

// Create signs a user up to a tier, redeeming the coupon if one is given
func (s *Service) Create(ctx context.Context, req CreateRequest) (sub *Subscription, err error) {
	ctx, span := tracer.Start(ctx, "subscriptions.Create", trace.WithAttributes(
		attribute.Int64("user_id", req.UserID),
		attribute.Int64("tier_id", req.TierID),
	))
	defer func() { endSpan(span, err) }()

	if req.UserID <= 0 {
		return nil, invalidRequest("user_id is required")
	}

	tier, err := s.tiers.GetTier(ctx, req.TierID)
	if err != nil {
		return nil, tierError(err)
	}
	if !tier.IsActive {
		return nil, ErrInactiveTier
	}

	price := tier.Price
	if req.Price != nil {
		if req.Price.IsNegative() {
			return nil, invalidRequest("price must be >= 0")
		}
		price = *req.Price
	}
	price = price.Round(2)

	now := s.now()
	sub = &Subscription{
		UserID:            req.UserID,
		TierID:            tier.ID,
		SubscriptionPrice: price,
		DiscountedPrice:   price,
		AutoRenewal:       true,
		IsActive:          true,
		GracePeriodDays:   s.gracePeriodDays,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if req.AutoRenewal != nil {
		sub.AutoRenewal = *req.AutoRenewal
	}

	var coupon *coupons.Coupon
	if code := strings.TrimSpace(req.CouponCode); code != "" {
		coupon, err = s.store.GetCouponByCode(ctx, code)
		if err != nil {
			if errors.Is(err, coupons.ErrCouponNotFound) {
				return nil, ErrInvalidCoupon
			}
			return nil, fmt.Errorf("failed to get coupon: %w", err)
		}
		if err := coupons.Check(coupon, tier.ID, price, now); err != nil {
			return nil, couponError(err)
		}
		sub.CouponID = &coupon.ID
		sub.DiscountedPrice = coupons.Apply(coupon, price)
	}

	if end := tiers.TrialEndDate(tier, now); end != nil {
		sub.TrialEndDate = end
		sub.Status = StatusTrial
	} else {
		// Sub-daily tiers get a zero-day first period here; see tiers.BillingIntervalDays
		expires := now.AddDate(0, 0, tiers.BillingIntervalDays(tier))
		sub.ExpiresAt = &expires
		sub.Status = StatusActive
	}

	err = s.store.WithTx(ctx, func(tx Tx) error {
		if coupon != nil {
			redeemed, err := tx.RedeemCoupon(ctx, coupon.ID)
			if err != nil {
				return fmt.Errorf("failed to redeem coupon: %w", err)
			}
			if !redeemed {
				return ErrCouponExhausted
			}
		}

		if err := tx.CreateSubscription(ctx, sub); err != nil {
			return fmt.Errorf("failed to create subscription: %w", err)
		}

		status := ledger.StatusCompleted
		if sub.Status == StatusTrial {
			status = ledger.StatusPending
		}
		_, err := ledger.New(tx, s.clock).Record(ctx, ledger.RecordRequest{
			SubscriptionID: sub.ID,
			UserID:         sub.UserID,
			Amount:         sub.DiscountedPrice,
			Type:           ledger.TypeInitial,
			Status:         status,
			Description:    fmt.Sprintf("Initial subscription to %s", tier.Name),
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"subscription_id": sub.ID,
		"user_id":         sub.UserID,
		"tier_id":         sub.TierID,
		"status":          sub.Status,
		"coupon":          coupon != nil,
	}).Info("Subscription created")

	e := events.New(events.SubscriptionCreated, sub.ID, sub.UserID, now)
	e.TierID = sub.TierID
	e.Amount = &sub.DiscountedPrice
	s.publish(ctx, e)
	return sub, nil
}

// ExtendTrial pushes the trial end out by days. It returns false without
// changing anything when the tier allows no trial extensions.
func (s *Service) ExtendTrial(ctx context.Context, id int64, days int) (extended bool, err error) {
	ctx, span := tracer.Start(ctx, "subscriptions.ExtendTrial", trace.WithAttributes(attribute.Int64("subscription_id", id)))
	defer func() { endSpan(span, err) }()

	if days <= 0 {
		return false, ErrInvalidDays
	}

	err = s.store.WithTx(ctx, func(tx Tx) error {
		sub, err := tx.LockSubscription(ctx, id)
		if err != nil {
			return err
		}
		tier, err := tx.GetTier(ctx, sub.TierID)
		if err != nil {
			return tierError(err)
		}
		if tier.MaxTrialExtensions <= 0 {
			return nil
		}

		now := s.now()
		base := now
		if sub.TrialEndDate != nil {
			base = *sub.TrialEndDate
		}
		end := base.AddDate(0, 0, days)
		sub.TrialEndDate = &end
		if sub.IsActive && now.Before(end) {
			sub.Status = StatusTrial
		}
		sub.UpdatedAt = now
		if err := tx.UpdateSubscription(ctx, sub); err != nil {
			return fmt.Errorf("failed to extend trial: %w", err)
		}
		extended = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if extended {
		s.logger.WithFields(logrus.Fields{"subscription_id": id, "days": days}).Info("Trial extended")
	}
	return extended, nil
}

// Cancel stops the subscription and its auto-renewal. Cancelling an inactive
// subscription is a no-op.
func (s *Service) Cancel(ctx context.Context, id int64) (sub *Subscription, err error) {
	ctx, span := tracer.Start(ctx, "subscriptions.Cancel", trace.WithAttributes(attribute.Int64("subscription_id", id)))
	defer func() { endSpan(span, err) }()

	changed := false
	err = s.store.WithTx(ctx, func(tx Tx) error {
		sub, err = tx.LockSubscription(ctx, id)
		if err != nil {
			return err
		}
		if !sub.IsActive {
			return nil
		}
		sub.IsActive = false
		sub.AutoRenewal = false
		sub.Status = StatusCancelled
		sub.UpdatedAt = s.now()
		if err := tx.UpdateSubscription(ctx, sub); err != nil {
			return fmt.Errorf("failed to cancel subscription: %w", err)
		}
		changed = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if changed {
		s.logger.WithField("subscription_id", id).Info("Subscription cancelled")
		s.publish(ctx, events.New(events.SubscriptionCancelled, sub.ID, sub.UserID, s.now()))
	}
	return sub, nil
}

// Reactivate turns a cancelled or expired subscription back on. It returns
// false when the subscription is already active.
func (s *Service) Reactivate(ctx context.Context, id int64) (sub *Subscription, reactivated bool, err error) {
	ctx, span := tracer.Start(ctx, "subscriptions.Reactivate", trace.WithAttributes(attribute.Int64("subscription_id", id)))
	defer func() { endSpan(span, err) }()

	err = s.store.WithTx(ctx, func(tx Tx) error {
		sub, err = tx.LockSubscription(ctx, id)
		if err != nil {
			return err
		}
		if sub.IsActive {
			return nil
		}

		now := s.now()
		sub.IsActive = true
		sub.AutoRenewal = true
		sub.Status = StatusActive
		if InTrial(sub, now) {
			sub.Status = StatusTrial
		}
		sub.UpdatedAt = now
		if err := tx.UpdateSubscription(ctx, sub); err != nil {
			return fmt.Errorf("failed to reactivate subscription: %w", err)
		}
		reactivated = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	if reactivated {
		s.logger.WithField("subscription_id", id).Info("Subscription reactivated")
		s.publish(ctx, events.New(events.SubscriptionReactivated, sub.ID, sub.UserID, s.now()))
	}
	return sub, reactivated, nil
}

// Upgrade moves the subscription to another tier. The price follows the new
// tier, with the original coupon reapplied when it covers that tier.
// Proration is not computed; the event carries a nil ProratedAmount.
func (s *Service) Upgrade(ctx context.Context, id, newTierID int64) (sub *Subscription, err error) {
	ctx, span := tracer.Start(ctx, "subscriptions.Upgrade", trace.WithAttributes(
		attribute.Int64("subscription_id", id),
		attribute.Int64("new_tier_id", newTierID),
	))
	defer func() { endSpan(span, err) }()

	tier, err := s.tiers.GetTier(ctx, newTierID)
	if err != nil {
		return nil, tierError(err)
	}
	if !tier.IsActive {
		return nil, ErrInactiveTier
	}

	var oldTierID int64
	err = s.store.WithTx(ctx, func(tx Tx) error {
		sub, err = tx.LockSubscription(ctx, id)
		if err != nil {
			return err
		}
		oldTierID = sub.TierID
		if oldTierID == newTierID {
			return nil
		}
		if !sub.IsActive {
			return ErrSubscriptionInactive
		}

		sub.TierID = tier.ID
		sub.SubscriptionPrice = tier.Price.Round(2)
		sub.DiscountedPrice = sub.SubscriptionPrice
		if sub.CouponID != nil {
			coupon, err := tx.GetCoupon(ctx, *sub.CouponID)
			if err != nil && !errors.Is(err, coupons.ErrCouponNotFound) {
				return fmt.Errorf("failed to get coupon: %w", err)
			}
			if coupon != nil && coupons.IsApplicableToTier(coupon, tier.ID) {
				sub.DiscountedPrice = coupons.Apply(coupon, sub.SubscriptionPrice)
			}
		}
		sub.UpdatedAt = s.now()
		if err := tx.UpdateSubscription(ctx, sub); err != nil {
			return fmt.Errorf("failed to upgrade subscription: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if oldTierID != newTierID {
		s.logger.WithFields(logrus.Fields{
			"subscription_id": id,
			"old_tier_id":     oldTierID,
			"new_tier_id":     newTierID,
		}).Info("Subscription upgraded")

		e := events.New(events.SubscriptionUpgraded, sub.ID, sub.UserID, s.now())
		e.TierID = newTierID
		e.OldTierID = oldTierID
		e.NewTierID = newTierID
		s.publish(ctx, e)
	}
	return sub, nil
}

// SetAutoRenewal toggles auto-renewal. Enabling it on a subscription whose
// retries were exhausted resets the retry counter so the retry pass resumes.
func (s *Service) SetAutoRenewal(ctx context.Context, id int64, enabled bool) (sub *Subscription, err error) {
	ctx, span := tracer.Start(ctx, "subscriptions.SetAutoRenewal", trace.WithAttributes(attribute.Int64("subscription_id", id)))
	defer func() { endSpan(span, err) }()

	err = s.store.WithTx(ctx, func(tx Tx) error {
		sub, err = tx.LockSubscription(ctx, id)
		if err != nil {
			return err
		}
		if enabled && !sub.IsActive {
			return ErrSubscriptionInactive
		}
		sub.AutoRenewal = enabled
		if enabled && sub.Status == StatusPaymentFailedMaxRetries {
			sub.Status = StatusPaymentFailed
			sub.RetryCount = 0
		}
		sub.UpdatedAt = s.now()
		if err := tx.UpdateSubscription(ctx, sub); err != nil {
			return fmt.Errorf("failed to update auto renewal: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// NextBillingDate is expires_at, or now when unset, advanced by the tier cadence
func (s *Service) NextBillingDate(ctx context.Context, id int64) (*time.Time, error) {
	sub, err := s.store.GetSubscription(ctx, id)
	if err != nil {
		return nil, err
	}
	tier, err := s.tiers.GetTier(ctx, sub.TierID)
	if err != nil {
		return nil, tierError(err)
	}
	from := s.now()
	if sub.ExpiresAt != nil {
		from = *sub.ExpiresAt
	}
	next := tiers.Advance(tier, from)
	return &next, nil
}

// Get returns a subscription by id
func (s *Service) Get(ctx context.Context, id int64) (*Subscription, error) {
	return s.store.GetSubscription(ctx, id)
}

// Describe returns a subscription with its derived status
func (s *Service) Describe(ctx context.Context, id int64) (View, error) {
	sub, err := s.store.GetSubscription(ctx, id)
	if err != nil {
		return View{}, err
	}
	return Describe(sub, s.now()), nil
}

// ListByUser returns every subscription a user holds
func (s *Service) ListByUser(ctx context.Context, userID int64) ([]*Subscription, error) {
	return s.list(ctx, Filter{UserID: &userID})
}

// ListActive returns active subscriptions that have not lapsed past grace
func (s *Service) ListActive(ctx context.Context) ([]*Subscription, error) {
	subs, err := s.list(ctx, Filter{IsActive: boolPtr(true)})
	if err != nil {
		return nil, err
	}
	now := s.now()
	return keep(subs, func(sub *Subscription) bool {
		return !PastGrace(sub, sub.GracePeriodDays, now)
	}), nil
}

// ExpiringSoon returns active subscriptions expiring within days that are not past grace
func (s *Service) ExpiringSoon(ctx context.Context, days int) ([]*Subscription, error) {
	if days <= 0 {
		return nil, ErrInvalidDays
	}
	now := s.now()
	subs, err := s.list(ctx, Filter{
		IsActive:      boolPtr(true),
		ExpiresBefore: timePtr(now.AddDate(0, 0, days)),
	})
	if err != nil {
		return nil, err
	}
	return keep(subs, func(sub *Subscription) bool {
		return !PastGrace(sub, sub.GracePeriodDays, now)
	}), nil
}

// TrialEndingSoon returns subscriptions whose trial ends within days
func (s *Service) TrialEndingSoon(ctx context.Context, days int) ([]*Subscription, error) {
	if days <= 0 {
		return nil, ErrInvalidDays
	}
	now := s.now()
	return s.list(ctx, Filter{
		TrialEndsAfter:  timePtr(now),
		TrialEndsBefore: timePtr(now.AddDate(0, 0, days)),
	})
}

// ListByStatus returns subscriptions with the given persisted status
func (s *Service) ListByStatus(ctx context.Context, status Status) ([]*Subscription, error) {
	if !status.Valid() {
		return nil, invalidRequest("unknown status %q", status)
	}
	return s.list(ctx, Filter{Statuses: []Status{status}})
}

// Transactions returns the ledger entries of a subscription
func (s *Service) Transactions(ctx context.Context, id int64) ([]*ledger.Transaction, error) {
	if _, err := s.store.GetSubscription(ctx, id); err != nil {
		return nil, err
	}
	return ledger.New(s.store, s.clock).ListForSubscription(ctx, id)
}

func (s *Service) list(ctx context.Context, f Filter) ([]*Subscription, error) {
	subs, err := s.store.ListSubscriptions(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	return subs, nil
}

func (s *Service) publish(ctx context.Context, e events.Event) {
	if err := s.publisher.Publish(ctx, e); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"kind":            e.Kind,
			"subscription_id": e.SubscriptionID,
		}).Error("Failed to publish event")
	}
}

func keep(subs []*Subscription, pred func(*Subscription) bool) []*Subscription {
	out := subs[:0]
	for _, sub := range subs {
		if pred(sub) {
			out = append(out, sub)
		}
	}
	return out
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
