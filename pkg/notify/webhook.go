package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// WebhookConfig configures a WebhookNotifier
type WebhookConfig struct {
	URL     string
	Secret  string
	Timeout time.Duration
	Retry   RetryConfig
}

// WebhookNotifier POSTs notifications to an external delivery service
type WebhookNotifier struct {
	url    string
	secret string
	client *http.Client
	retry  *RetryPolicy
	sleep  func(ctx context.Context, d time.Duration) error
	logger *logrus.Logger
}

// NewWebhookNotifier creates a webhook notifier
func NewWebhookNotifier(config WebhookConfig, logger *logrus.Logger) *WebhookNotifier {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &WebhookNotifier{
		url:    config.URL,
		secret: config.Secret,
		client: &http.Client{Timeout: config.Timeout},
		retry:  NewRetryPolicy(config.Retry),
		sleep:  sleepContext,
		logger: logger,
	}
}

// Notify implements Notifier, retrying failed deliveries with backoff
func (w *WebhookNotifier) Notify(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	attempts := 0
	for {
		attempts++
		err = w.send(ctx, n, payload)
		if err == nil {
			return nil
		}
		if !w.retry.ShouldRetry(attempts, err) {
			return fmt.Errorf("webhook delivery failed after %d attempts: %w", attempts, err)
		}

		delay := w.retry.NextRetryDelay(attempts)
		w.logger.WithError(err).WithFields(logrus.Fields{
			"event_id": n.EventID,
			"attempt":  attempts,
			"delay":    delay,
		}).Warn("Webhook delivery failed, retrying")
		if err := w.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func (w *WebhookNotifier) send(ctx context.Context, n Notification, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Recur-Notification", string(n.Kind))
	req.Header.Set("X-Recur-Event-ID", n.EventID)
	if w.secret != "" {
		req.Header.Set("X-Recur-Signature", Sign(payload, w.secret))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of payload
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature produced by Sign
func VerifySignature(payload []byte, signature, secret string) bool {
	return hmac.Equal([]byte(Sign(payload, secret)), []byte(signature))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
