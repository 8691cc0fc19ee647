package billing

import (
	"context"
	"time"

	"github.com/platinummonkey/recur/pkg/events"
	"github.com/platinummonkey/recur/pkg/subscriptions"
)

// RunExpiryCleanup expires active subscriptions whose grace period has
// passed. A positive GracePeriodDays overrides the per-row grace length.
// Running it twice is a no-op the second time.
func (r *Runner) RunExpiryCleanup(ctx context.Context, p Params) (*Report, error) {
	grace := p.GracePeriodDays
	if grace <= 0 {
		grace = r.config.GracePeriodDays
	}
	graceFor := func(s *subscriptions.Subscription) int {
		if grace > 0 {
			return grace
		}
		return s.GracePeriodDays
	}

	selectRows := func(ctx context.Context, now time.Time) ([]*subscriptions.Subscription, error) {
		rows, err := r.store.ListSubscriptions(ctx, subscriptions.Filter{
			IsActive:      boolPtr(true),
			ExpiresBefore: timePtr(now),
		})
		if err != nil {
			return nil, err
		}
		out := rows[:0]
		for _, s := range rows {
			if subscriptions.PastGrace(s, graceFor(s), now) {
				out = append(out, s)
			}
		}
		return out, nil
	}

	return r.execute(ctx, JobCleanup, p.DryRun, selectRows, func(ctx context.Context, sub *subscriptions.Subscription, now time.Time) (Outcome, error) {
		if p.DryRun {
			return OutcomeWouldExpire, nil
		}
		return r.expire(ctx, sub.ID, graceFor, now)
	})
}

func (r *Runner) expire(ctx context.Context, id int64, graceFor func(*subscriptions.Subscription) int, now time.Time) (Outcome, error) {
	var (
		outcome = OutcomeIneligible
		evt     *events.Event
	)
	err := r.store.WithTx(ctx, func(tx subscriptions.Tx) error {
		sub, err := tx.LockSubscription(ctx, id)
		if err != nil {
			return err
		}
		if !sub.IsActive || !subscriptions.PastGrace(sub, graceFor(sub), now) {
			return nil
		}

		sub.Status = subscriptions.StatusExpired
		sub.IsActive = false
		sub.AutoRenewal = false
		sub.UpdatedAt = now
		if err := tx.UpdateSubscription(ctx, sub); err != nil {
			return err
		}
		outcome = OutcomeExpired

		e := events.New(events.SubscriptionExpired, sub.ID, sub.UserID, now)
		e.TierID = sub.TierID
		e.ExpiresAt = timePtr(*sub.ExpiresAt)
		evt = &e
		return nil
	})
	if err != nil {
		return OutcomeError, err
	}
	r.publish(ctx, evt)
	return outcome, nil
}
