package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/platinummonkey/recur/pkg/subscriptions"
	"github.com/platinummonkey/recur/pkg/tiers"
)

type tierResponse struct {
	*tiers.Tier
	FormattedDuration string `json:"formatted_duration"`
}

func newTierResponse(t *tiers.Tier) tierResponse {
	return tierResponse{Tier: t, FormattedDuration: t.BillingDuration.Label()}
}

type couponPreviewResponse struct {
	Code            string          `json:"code"`
	TierID          int64           `json:"tier_id"`
	OriginalAmount  decimal.Decimal `json:"original_amount"`
	Discount        decimal.Decimal `json:"discount"`
	DiscountedPrice decimal.Decimal `json:"discounted_price"`
}

type extendTrialRequest struct {
	Days int `json:"days"`
}

type extendTrialResponse struct {
	Extended     bool               `json:"extended"`
	Subscription subscriptions.View `json:"subscription"`
}

type upgradeRequest struct {
	TierID int64 `json:"tier_id"`
}

type autoRenewalRequest struct {
	AutoRenewal *bool `json:"auto_renewal"`
}

// updateSubscriptionRequest applies each set field in turn: tier change,
// then auto-renewal, then activation
type updateSubscriptionRequest struct {
	TierID      *int64 `json:"tier_id,omitempty"`
	AutoRenewal *bool  `json:"auto_renewal,omitempty"`
	IsActive    *bool  `json:"is_active,omitempty"`
}

type reactivateResponse struct {
	Reactivated  bool               `json:"reactivated"`
	Subscription subscriptions.View `json:"subscription"`
}

type nextBillingDateResponse struct {
	SubscriptionID  int64      `json:"subscription_id"`
	NextBillingDate *time.Time `json:"next_billing_date"`
}

type listResponse struct {
	Subscriptions []subscriptions.View `json:"subscriptions"`
	Count         int                  `json:"count"`
}
