package coupons

import (
	"time"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// IsValid reports whether c can be redeemed at now
func IsValid(c *Coupon, now time.Time) bool {
	if !c.IsActive || c.DeletedAt != nil {
		return false
	}
	if c.StartsAt != nil && now.Before(*c.StartsAt) {
		return false
	}
	if c.ExpiresAt != nil && now.After(*c.ExpiresAt) {
		return false
	}
	return !Exhausted(c)
}

func withoutLimit(c *Coupon) *Coupon {
	cp := *c
	cp.UsageLimit = nil
	return &cp
}

// IsApplicableToTier reports whether c may be used for tierID. An empty list means any tier.
func IsApplicableToTier(c *Coupon, tierID int64) bool {
	if len(c.ApplicableTiers) == 0 {
		return true
	}
	for _, id := range c.ApplicableTiers {
		if id == tierID {
			return true
		}
	}
	return false
}

// MeetsMinimumAmount reports whether amount reaches the coupon minimum
func MeetsMinimumAmount(c *Coupon, amount decimal.Decimal) bool {
	if c.MinimumAmount == nil {
		return true
	}
	return amount.GreaterThanOrEqual(*c.MinimumAmount)
}

// CalculateDiscount returns the discount c grants on amount, rounded to cents.
// The result is always within [0, amount].
func CalculateDiscount(c *Coupon, amount decimal.Decimal) decimal.Decimal {
	if !amount.IsPositive() {
		return decimal.Zero
	}

	var discount decimal.Decimal
	switch c.DiscountType {
	case DiscountPercentage:
		discount = amount.Mul(c.DiscountValue).Div(hundred)
		if c.MaximumDiscount != nil && discount.GreaterThan(*c.MaximumDiscount) {
			discount = *c.MaximumDiscount
		}
	case DiscountFixed:
		discount = decimal.Min(c.DiscountValue, amount)
	default:
		return decimal.Zero
	}

	if discount.IsNegative() {
		discount = decimal.Zero
	}
	if discount.GreaterThan(amount) {
		discount = amount
	}
	return discount.Round(2)
}

// Apply returns the price after discount, never below zero
func Apply(c *Coupon, amount decimal.Decimal) decimal.Decimal {
	return decimal.Max(decimal.Zero, amount.Sub(CalculateDiscount(c, amount))).Round(2)
}

// Exhausted reports whether c has reached its usage limit
func Exhausted(c *Coupon) bool {
	return c.UsageLimit != nil && c.UsageCount >= *c.UsageLimit
}

// Check runs the eligibility rules in order and returns the first failure.
// A coupon that is otherwise valid but used up fails with ErrCouponExhausted.
func Check(c *Coupon, tierID int64, amount decimal.Decimal, now time.Time) error {
	if !IsValid(c, now) {
		if Exhausted(c) && IsValid(withoutLimit(c), now) {
			return ErrCouponExhausted
		}
		return ErrInvalidCoupon
	}
	if !IsApplicableToTier(c, tierID) {
		return ErrCouponNotApplicable
	}
	if !MeetsMinimumAmount(c, amount) {
		return ErrMinimumAmountNotMet
	}
	return nil
}
