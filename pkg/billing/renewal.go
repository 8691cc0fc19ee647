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

// RunRenewals charges every auto-renewing subscription whose period or trial
// has ended. Approved charges extend expires_at by one billing period,
// declines move the row to payment_failed for the retry pass.
func (r *Runner) RunRenewals(ctx context.Context, p Params) (*Report, error) {
	return r.execute(ctx, JobRenewals, p.DryRun, r.renewalCandidates, func(ctx context.Context, sub *subscriptions.Subscription, now time.Time) (Outcome, error) {
		if p.DryRun {
			return OutcomeWouldCharge, nil
		}
		return r.renew(ctx, sub.ID, now)
	})
}

func (r *Runner) renewalCandidates(ctx context.Context, now time.Time) ([]*subscriptions.Subscription, error) {
	due, err := r.store.ListSubscriptions(ctx, subscriptions.Filter{
		Statuses:      []subscriptions.Status{subscriptions.StatusActive},
		AutoRenewal:   boolPtr(true),
		ExpiresBefore: timePtr(now),
	})
	if err != nil {
		return nil, err
	}
	trials, err := r.store.ListSubscriptions(ctx, subscriptions.Filter{
		Statuses:        []subscriptions.Status{subscriptions.StatusTrial},
		AutoRenewal:     boolPtr(true),
		TrialEndsBefore: timePtr(now),
	})
	if err != nil {
		return nil, err
	}
	return merge(due, trials), nil
}

func renewable(s *subscriptions.Subscription, now time.Time) bool {
	if !s.AutoRenewal {
		return false
	}
	switch s.Status {
	case subscriptions.StatusActive:
		return s.ExpiresAt != nil && !s.ExpiresAt.After(now)
	case subscriptions.StatusTrial:
		return s.TrialEndDate != nil && !s.TrialEndDate.After(now)
	}
	return false
}

func (r *Runner) renew(ctx context.Context, id int64, now time.Time) (Outcome, error) {
	var (
		outcome = OutcomeIneligible
		evt     *events.Event
	)
	err := r.store.WithTx(ctx, func(tx subscriptions.Tx) error {
		sub, err := tx.LockSubscription(ctx, id)
		if err != nil {
			return err
		}
		if !renewable(sub, now) {
			return nil
		}
		tier, err := tx.GetTier(ctx, sub.TierID)
		if err != nil {
			return fmt.Errorf("failed to load tier %d: %w", sub.TierID, err)
		}

		conversion := sub.Status == subscriptions.StatusTrial
		res, err := r.gateway.Charge(ctx, payments.ChargeRequest{
			SubscriptionID: sub.ID,
			UserID:         sub.UserID,
			Amount:         sub.DiscountedPrice,
			Currency:       ledger.CurrencyUSD,
		})
		if err != nil {
			return fmt.Errorf("failed to charge subscription %d: %w", sub.ID, err)
		}

		l := ledger.New(tx, r.clock)
		var txn *ledger.Transaction
		if conversion {
			txn, err = settleTrial(ctx, tx, l, sub, res.Approved)
		} else {
			txn, err = l.Record(ctx, ledger.RecordRequest{
				SubscriptionID: sub.ID,
				UserID:         sub.UserID,
				Amount:         sub.DiscountedPrice,
				Type:           ledger.TypeRenewal,
				Status:         chargeStatus(res.Approved),
				Description:    fmt.Sprintf("Renewal of %s", tier.Name),
			})
		}
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
			if conversion && sub.ExpiresAt == nil {
				// the paid period never started, so the grace window runs from the trial end
				sub.ExpiresAt = timePtr(*sub.TrialEndDate)
			}
			sub.Status = subscriptions.StatusPaymentFailed
			outcome = OutcomePaymentFailed

			e := events.New(events.PaymentFailed, sub.ID, sub.UserID, now)
			e.TierID = sub.TierID
			e.TransactionID = txn.ID
			e.Amount = &amount
			e.NextRetryAt = timePtr(now.Add(r.config.RetryInterval))
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

// settleTrial resolves the pending initial entry written at signup, or
// records one if it is missing
func settleTrial(ctx context.Context, tx subscriptions.Tx, l *ledger.Ledger, sub *subscriptions.Subscription, approved bool) (*ledger.Transaction, error) {
	txns, err := l.ListForSubscription(ctx, sub.ID)
	if err != nil {
		return nil, err
	}
	for i := len(txns) - 1; i >= 0; i-- {
		t := txns[i]
		if t.Type != ledger.TypeInitial || t.Status != ledger.StatusPending {
			continue
		}
		if approved {
			return l.MarkCompleted(ctx, t.ID)
		}
		return l.MarkFailed(ctx, t.ID)
	}
	return l.Record(ctx, ledger.RecordRequest{
		SubscriptionID: sub.ID,
		UserID:         sub.UserID,
		Amount:         sub.DiscountedPrice,
		Type:           ledger.TypeInitial,
		Status:         chargeStatus(approved),
		Description:    "Trial conversion",
	})
}

// periodStart is the anchor the next period is counted from
func periodStart(s *subscriptions.Subscription, now time.Time) time.Time {
	switch {
	case s.ExpiresAt != nil:
		return *s.ExpiresAt
	case s.TrialEndDate != nil:
		return *s.TrialEndDate
	default:
		return now
	}
}

func chargeStatus(approved bool) ledger.Status {
	if approved {
		return ledger.StatusCompleted
	}
	return ledger.StatusFailed
}
