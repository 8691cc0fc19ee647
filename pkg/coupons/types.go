// Package coupons implements coupon eligibility and discount computation.
package coupons

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// DiscountType determines how DiscountValue is interpreted
type DiscountType string

const (
	DiscountPercentage DiscountType = "percentage"
	DiscountFixed      DiscountType = "fixed"
)

// Valid reports whether t is a known discount type
func (t DiscountType) Valid() bool {
	return t == DiscountPercentage || t == DiscountFixed
}

var (
	ErrCouponNotFound      = errors.New("coupon not found")
	ErrInvalidCoupon       = errors.New("invalid or inapplicable coupon")
	ErrCouponNotApplicable = errors.New("coupon is not applicable to this tier")
	ErrMinimumAmountNotMet = errors.New("minimum purchase amount not met")
	ErrCouponExhausted     = errors.New("coupon usage limit reached")
	ErrDuplicateCode       = errors.New("coupon code already exists")
)

// Coupon is a redeemable discount
type Coupon struct {
	ID              int64            `json:"id" db:"id"`
	Code            string           `json:"code" db:"code"`
	DiscountType    DiscountType     `json:"discount_type" db:"discount_type"`
	DiscountValue   decimal.Decimal  `json:"discount_value" db:"discount_value"`
	MinimumAmount   *decimal.Decimal `json:"minimum_amount,omitempty" db:"minimum_amount"`
	MaximumDiscount *decimal.Decimal `json:"maximum_discount,omitempty" db:"maximum_discount"`
	UsageLimit      *int             `json:"usage_limit,omitempty" db:"usage_limit"`
	UsageCount      int              `json:"usage_count" db:"usage_count"`
	ApplicableTiers []int64          `json:"applicable_tiers" db:"-"`
	StartsAt        *time.Time       `json:"starts_at,omitempty" db:"starts_at"`
	ExpiresAt       *time.Time       `json:"expires_at,omitempty" db:"expires_at"`
	IsActive        bool             `json:"is_active" db:"is_active"`
	CreatedAt       time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at" db:"updated_at"`
	DeletedAt       *time.Time       `json:"deleted_at,omitempty" db:"deleted_at"`
}

// Validate checks the fields admin tooling may set
func (c *Coupon) Validate() error {
	if c.Code == "" {
		return errors.New("coupon code is required")
	}
	if !c.DiscountType.Valid() {
		return errors.New("discount_type must be percentage or fixed")
	}
	if c.DiscountValue.IsNegative() {
		return errors.New("discount_value must be >= 0")
	}
	if c.DiscountType == DiscountPercentage && c.DiscountValue.GreaterThan(decimal.NewFromInt(100)) {
		return errors.New("percentage discount_value must be <= 100")
	}
	if c.UsageLimit != nil && *c.UsageLimit < 0 {
		return errors.New("usage_limit must be >= 0")
	}
	if c.StartsAt != nil && c.ExpiresAt != nil && c.ExpiresAt.Before(*c.StartsAt) {
		return errors.New("expires_at must not precede starts_at")
	}
	return nil
}

// Repository persists coupons
type Repository interface {
	GetCoupon(ctx context.Context, id int64) (*Coupon, error)
	GetCouponByCode(ctx context.Context, code string) (*Coupon, error)
	CreateCoupon(ctx context.Context, c *Coupon) error
	// RedeemCoupon increments usage_count only while the coupon is under its
	// limit and not deleted. It returns false when nothing was incremented.
	RedeemCoupon(ctx context.Context, id int64) (bool, error)
	DeleteCoupon(ctx context.Context, id int64) error
}
