package billing

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/platinummonkey/recur/pkg/events"
	"github.com/platinummonkey/recur/pkg/notify"
	"github.com/platinummonkey/recur/pkg/subscriptions"
)

// RunExpiringNotices announces subscriptions expiring within the threshold
func (r *Runner) RunExpiringNotices(ctx context.Context, p Params) (*Report, error) {
	days := p.ThresholdDays
	if days <= 0 {
		days = r.config.ExpiringThresholdDays
	}
	selectRows := func(ctx context.Context, now time.Time) ([]*subscriptions.Subscription, error) {
		return r.store.ListSubscriptions(ctx, subscriptions.Filter{
			IsActive:      boolPtr(true),
			ExpiresAfter:  timePtr(now),
			ExpiresBefore: timePtr(now.AddDate(0, 0, days)),
		})
	}
	return r.execute(ctx, JobExpiring, p.DryRun, selectRows, func(ctx context.Context, sub *subscriptions.Subscription, now time.Time) (Outcome, error) {
		e := events.New(events.SubscriptionExpiring, sub.ID, sub.UserID, now)
		e.TierID = sub.TierID
		e.ExpiresAt = sub.ExpiresAt
		e.DaysLeft = daysUntil(*sub.ExpiresAt, now)
		return r.notice(ctx, notify.KindSubscriptionExpiring, days, e, p.DryRun)
	})
}

// RunTrialEndingNotices announces trials ending within the threshold
func (r *Runner) RunTrialEndingNotices(ctx context.Context, p Params) (*Report, error) {
	days := p.ThresholdDays
	if days <= 0 {
		days = r.config.TrialEndingThresholdDays
	}
	selectRows := func(ctx context.Context, now time.Time) ([]*subscriptions.Subscription, error) {
		return r.store.ListSubscriptions(ctx, subscriptions.Filter{
			IsActive:        boolPtr(true),
			TrialEndsAfter:  timePtr(now),
			TrialEndsBefore: timePtr(now.AddDate(0, 0, days)),
		})
	}
	return r.execute(ctx, JobTrialEnding, p.DryRun, selectRows, func(ctx context.Context, sub *subscriptions.Subscription, now time.Time) (Outcome, error) {
		e := events.New(events.TrialEnding, sub.ID, sub.UserID, now)
		e.TierID = sub.TierID
		e.ExpiresAt = sub.TrialEndDate
		e.DaysLeft = daysUntil(*sub.TrialEndDate, now)
		return r.notice(ctx, notify.KindTrialEnding, days, e, p.DryRun)
	})
}

func (r *Runner) notice(ctx context.Context, kind notify.Kind, days int, e events.Event, dryRun bool) (Outcome, error) {
	if dryRun {
		return OutcomeWouldNotify, nil
	}
	if r.deduper == nil {
		if err := r.publisher.Publish(ctx, e); err != nil {
			return OutcomeError, fmt.Errorf("failed to publish %s: %w", e.Kind, err)
		}
		return OutcomeNotified, nil
	}

	key := notify.Key{Kind: kind, SubscriptionID: e.SubscriptionID, UserID: e.UserID, ThresholdDays: days}
	claimed, err := r.deduper.Claim(ctx, key, r.config.NoticeWindow)
	if err != nil {
		return OutcomeError, fmt.Errorf("failed to claim %s: %w", key, err)
	}
	if !claimed {
		return OutcomeDuplicate, nil
	}
	if err := r.publisher.Publish(ctx, e); err != nil {
		// the next run retries the notice
		if relErr := r.deduper.Release(context.WithoutCancel(ctx), key, r.config.NoticeWindow); relErr != nil {
			r.logger.WithError(relErr).WithField("key", key.String()).Error("Failed to release notice claim")
		}
		return OutcomeError, fmt.Errorf("failed to publish %s: %w", e.Kind, err)
	}
	return OutcomeNotified, nil
}

// daysUntil rounds the time left up to whole days
func daysUntil(t, now time.Time) int {
	d := t.Sub(now)
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Hours() / 24))
}
