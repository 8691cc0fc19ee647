package notify

import (
	"context"
	"fmt"

	"github.com/platinummonkey/recur/pkg/events"
	"github.com/sirupsen/logrus"
)

// Dispatcher renders events into notifications
type Dispatcher struct {
	notifier Notifier
	logger   *logrus.Logger
}

// NewDispatcher creates a dispatcher delivering through notifier
func NewDispatcher(notifier Notifier, logger *logrus.Logger) *Dispatcher {
	if logger == nil {
		logger = logrus.New()
	}
	return &Dispatcher{notifier: notifier, logger: logger}
}

// Attach subscribes the dispatcher to bus
func (d *Dispatcher) Attach(bus events.Bus) {
	bus.Subscribe(d.Handle)
}

// Handle is an events.Handler
func (d *Dispatcher) Handle(ctx context.Context, e events.Event) error {
	n, ok := Render(e)
	if !ok {
		d.logger.WithField("kind", e.Kind).Debug("No notification for event")
		return nil
	}
	if err := d.notifier.Notify(ctx, n); err != nil {
		return fmt.Errorf("failed to deliver %s notification: %w", n.Kind, err)
	}
	return nil
}

// Render builds the notification for e. It returns false for events users are not told about.
func Render(e events.Event) (Notification, bool) {
	n := Notification{
		EventID:        e.ID,
		UserID:         e.UserID,
		SubscriptionID: e.SubscriptionID,
		CreatedAt:      e.OccurredAt,
		Data:           map[string]interface{}{"subscription_id": e.SubscriptionID},
	}

	switch e.Kind {
	case events.SubscriptionCreated:
		n.Kind = KindSubscriptionCreated
		n.Subject = "Welcome to your new subscription"
		n.Body = "Your subscription is now set up."
	case events.SubscriptionCancelled:
		n.Kind = KindSubscriptionCancelled
		n.Subject = "Your subscription has been cancelled"
		n.Body = "Auto-renewal is off. You can reactivate at any time."
	case events.SubscriptionReactivated:
		n.Kind = KindSubscriptionReactivated
		n.Subject = "Your subscription is active again"
		n.Body = "Welcome back. Auto-renewal has been turned on."
	case events.SubscriptionUpgraded:
		n.Kind = KindSubscriptionUpgraded
		n.Subject = "Your plan has changed"
		n.Body = "Your subscription now uses the new plan."
		n.Data["old_tier_id"] = e.OldTierID
		n.Data["new_tier_id"] = e.NewTierID
		if e.ProratedAmount != nil {
			n.Data["prorated_amount"] = e.ProratedAmount.StringFixed(2)
		}
	case events.SubscriptionRenewed:
		n.Kind = KindSubscriptionRenewed
		n.Subject = "Your subscription has been renewed"
		n.Body = "Thanks for staying with us."
		if e.ExpiresAt != nil {
			n.Body = fmt.Sprintf("Your subscription now runs until %s.", e.ExpiresAt.Format("January 2, 2006"))
			n.Data["expires_at"] = e.ExpiresAt
		}
		if e.Amount != nil {
			n.Data["amount"] = e.Amount.StringFixed(2)
		}
	case events.PaymentFailed:
		n.Data["attempt"] = e.Attempt
		if e.Final {
			n.Kind = KindPaymentFailedFinal
			n.Subject = "We could not renew your subscription"
			n.Body = "All payment retries failed and auto-renewal has been turned off. Please update your payment method."
			break
		}
		n.Kind = KindPaymentFailed
		n.Subject = "Your payment failed"
		n.Body = "We could not process your renewal payment."
		if e.NextRetryAt != nil {
			n.Body = fmt.Sprintf("We could not process your renewal payment. We will try again on %s.", e.NextRetryAt.Format("January 2, 2006"))
			n.Data["next_retry_at"] = e.NextRetryAt
		}
	case events.SubscriptionExpired:
		n.Kind = KindSubscriptionExpired
		n.Subject = "Your subscription has expired"
		n.Body = "Your grace period has ended. Reactivate to regain access."
	case events.SubscriptionExpiring:
		n.Kind = KindSubscriptionExpiring
		n.Subject = "Your subscription is expiring soon"
		n.Body = fmt.Sprintf("Your subscription expires in %d day(s).", e.DaysLeft)
		n.Data["days_left"] = e.DaysLeft
	case events.TrialEnding:
		n.Kind = KindTrialEnding
		n.Subject = "Your trial is ending soon"
		n.Body = fmt.Sprintf("Your trial ends in %d day(s).", e.DaysLeft)
		n.Data["days_left"] = e.DaysLeft
	default:
		return Notification{}, false
	}
	return n, true
}
