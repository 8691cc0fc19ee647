package subscriptions

import (
	"errors"
	"fmt"

	"github.com/platinummonkey/recur/pkg/coupons"
	"github.com/platinummonkey/recur/pkg/tiers"
)

// ErrSubscriptionNotFound is returned when a subscription id does not exist
var ErrSubscriptionNotFound = errors.New("subscription not found")

// Reason is a machine readable validation failure code
type Reason string

const (
	ReasonInvalidRequest       Reason = "invalid_request"
	ReasonTierNotFound         Reason = "tier_not_found"
	ReasonInactiveTier         Reason = "inactive_tier"
	ReasonInvalidCoupon        Reason = "invalid_coupon"
	ReasonCouponNotApplicable  Reason = "coupon_not_applicable"
	ReasonMinimumAmountNotMet  Reason = "minimum_amount_not_met"
	ReasonCouponExhausted      Reason = "coupon_exhausted"
	ReasonInvalidDays          Reason = "invalid_days"
	ReasonSubscriptionInactive Reason = "subscription_inactive"
)

// ValidationError rejects bad input to a lifecycle operation
type ValidationError struct {
	Reason  Reason
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// Is matches any ValidationError with the same reason
func (e *ValidationError) Is(target error) bool {
	t, ok := target.(*ValidationError)
	return ok && t.Reason == e.Reason
}

var (
	ErrTierNotFound         = &ValidationError{ReasonTierNotFound, "tier not found"}
	ErrInactiveTier         = &ValidationError{ReasonInactiveTier, "tier is not active"}
	ErrInvalidCoupon        = &ValidationError{ReasonInvalidCoupon, "Invalid or inapplicable coupon"}
	ErrCouponNotApplicable  = &ValidationError{ReasonCouponNotApplicable, "coupon is not applicable to this tier"}
	ErrMinimumAmountNotMet  = &ValidationError{ReasonMinimumAmountNotMet, "Minimum purchase amount not met"}
	ErrCouponExhausted      = &ValidationError{ReasonCouponExhausted, "coupon usage limit reached"}
	ErrInvalidDays          = &ValidationError{ReasonInvalidDays, "days must be greater than zero"}
	ErrSubscriptionInactive = &ValidationError{ReasonSubscriptionInactive, "subscription is not active"}
)

func invalidRequest(format string, args ...interface{}) error {
	return &ValidationError{Reason: ReasonInvalidRequest, Message: fmt.Sprintf(format, args...)}
}

// couponError maps coupon engine failures onto validation errors
func couponError(err error) error {
	switch {
	case errors.Is(err, coupons.ErrCouponNotFound), errors.Is(err, coupons.ErrInvalidCoupon):
		return ErrInvalidCoupon
	case errors.Is(err, coupons.ErrCouponNotApplicable):
		return ErrCouponNotApplicable
	case errors.Is(err, coupons.ErrMinimumAmountNotMet):
		return ErrMinimumAmountNotMet
	case errors.Is(err, coupons.ErrCouponExhausted):
		return ErrCouponExhausted
	default:
		return err
	}
}

// tierError maps a tier lookup failure, leaving storage errors wrapped
func tierError(err error) error {
	if errors.Is(err, tiers.ErrTierNotFound) {
		return ErrTierNotFound
	}
	return fmt.Errorf("failed to get tier: %w", err)
}
