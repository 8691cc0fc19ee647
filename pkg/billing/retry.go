package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/platinummonkey/recur/pkg/events"
	"github.com/platinummonkey/recur/pkg/ledger"
	"github.com/platinummonkey/recur/pkg/payments"
	"github.com/platinummonkey/recur/pkg/subscriptions"
	"github.com/platinummonkey/recur/pkg/tiers"
)

// RunRetries re-attempts payment for payment_failed subscriptions. A row
// whose retry count reaches the maximum moves to payment_failed_max_retries
// and stops auto-renewing.
func (r *Runner) RunRetries(ctx context.Context, p Params) (*Report, error) {
	maxRetries := p.MaxRetries
	if maxRetries <= 0 {
		maxRetries = r.config.MaxRetries
	}
	selectRows := func(ctx context.Context, now time.Time) ([]*subscriptions.Subscription, error) {
		return r.store.ListSubscriptions(ctx, subscriptions.Filter{
			Statuses:        []subscriptions.Status{subscriptions.StatusPaymentFailed},
			AutoRenewal:     boolPtr(true),
			RetryCountBelow: &maxRetries,
		})
	}
	return r.execute(ctx, JobRetries, p.DryRun, selectRows, func(ctx context.Context, sub *subscriptions.Subscription, now time.Time) (Outcome, error) {
		if p.DryRun {
			return OutcomeWouldCharge, nil
		}
		return r.retry(ctx, sub.ID, maxRetries, now)
	})
}

func retryable(s *subscriptions.Subscription, maxRetries int) bool {
	return s.Status == subscriptions.StatusPaymentFailed && s.AutoRenewal && s.RetryCount < maxRetries
}

func (r *Runner) retry(ctx context.Context, id int64, maxRetries int, now time.Time) (Outcome, error) {
	var (
		outcome = OutcomeIneligible
		evt     *events.Event
	)
	err := r.store.WithTx(ctx, func(tx subscriptions.Tx) error {
		sub, err := tx.LockSubscription(ctx, id)
		if err != nil {
			return err
		}
		if !retryable(sub, maxRetries) {
			return nil
		}
		tier, err := tx.GetTier(ctx, sub.TierID)
		if err != nil {
			return fmt.Errorf("failed to load tier %d: %w", sub.TierID, err)
		}

		res, err := r.gateway.Charge(ctx, payments.ChargeRequest{
			SubscriptionID: sub.ID,
			UserID:         sub.UserID,
			Amount:         sub.DiscountedPrice,
			Currency:       ledger.CurrencyUSD,
			RetryCount:     sub.RetryCount,
			IsRetry:        true,
		})
		if err != nil {
			return fmt.Errorf("failed to charge subscription %d: %w", sub.ID, err)
		}

		txn, err := ledger.New(tx, r.clock).Record(ctx, ledger.RecordRequest{
			SubscriptionID: sub.ID,
			UserID:         sub.UserID,
			Amount:         sub.DiscountedPrice,
			Type:           ledger.TypeRetryRenewal,
			Status:         chargeStatus(res.Approved),
			Description:    fmt.Sprintf("Retry %d of %s renewal", sub.RetryCount+1, tier.Name),
		})
		if err != nil {
			return err
		}

		amount := sub.DiscountedPrice
		if res.Approved {
			next := tiers.Advance(tier, periodStart(sub, now))
			sub.ExpiresAt = &next
			sub.Status = subscriptions.StatusActive
			sub.RetryCount = 0
			outcome = OutcomeRenewed

			e := events.New(events.SubscriptionRenewed, sub.ID, sub.UserID, now)
			e.TierID = sub.TierID
			e.TransactionID = txn.ID
			e.Amount = &amount
			e.ExpiresAt = &next
			evt = &e
		} else {
			sub.RetryCount++
			e := events.New(events.PaymentFailed, sub.ID, sub.UserID, now)
			e.TierID = sub.TierID
			e.TransactionID = txn.ID
			e.Amount = &amount
			e.Attempt = sub.RetryCount
			if sub.RetryCount >= maxRetries {
				sub.Status = subscriptions.StatusPaymentFailedMaxRetries
				sub.AutoRenewal = false
				e.Final = true
				outcome = OutcomeMaxRetries
			} else {
				e.NextRetryAt = timePtr(now.Add(r.config.RetryInterval))
				outcome = OutcomePaymentFailed
			}
			evt = &e
		}
		sub.UpdatedAt = now
		return tx.UpdateSubscription(ctx, sub)
	})
	if err != nil {
		return OutcomeError, err
	}
	r.publish(ctx, evt)
	return outcome, nil
}
