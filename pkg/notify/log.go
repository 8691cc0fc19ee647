package notify

import (
	"context"

	"github.com/sirupsen/logrus"
)

// LogNotifier writes notifications to the log
type LogNotifier struct {
	logger *logrus.Logger
}

// NewLogNotifier creates a log notifier
func NewLogNotifier(logger *logrus.Logger) *LogNotifier {
	if logger == nil {
		logger = logrus.New()
	}
	return &LogNotifier{logger: logger}
}

// Notify implements Notifier
func (l *LogNotifier) Notify(_ context.Context, n Notification) error {
	l.logger.WithFields(logrus.Fields{
		"event_id":        n.EventID,
		"kind":            n.Kind,
		"user_id":         n.UserID,
		"subscription_id": n.SubscriptionID,
	}).Info(n.Subject)
	return nil
}
