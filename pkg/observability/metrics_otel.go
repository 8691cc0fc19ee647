package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/platinummonkey/recur/pkg/events"
)

const meterName = "github.com/platinummonkey/recur"

// OTelMetrics exports lifecycle event counts through the global meter
// provider. It is attached to the event bus as a handler.
type OTelMetrics struct {
	eventsTotal     metric.Int64Counter
	chargedAmount   metric.Float64Histogram
	paymentFailures metric.Int64Counter
}

// NewOTelMetrics creates instruments on the global meter provider
func NewOTelMetrics() (*OTelMetrics, error) {
	meter := otel.Meter(meterName)

	eventsTotal, err := meter.Int64Counter(
		"recur.events",
		metric.WithDescription("Lifecycle events published"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create events counter: %w", err)
	}

	chargedAmount, err := meter.Float64Histogram(
		"recur.renewal.amount",
		metric.WithDescription("Amount charged on successful renewals"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create renewal amount histogram: %w", err)
	}

	paymentFailures, err := meter.Int64Counter(
		"recur.payment.failures",
		metric.WithDescription("Failed renewal charges by attempt"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create payment failure counter: %w", err)
	}

	return &OTelMetrics{
		eventsTotal:     eventsTotal,
		chargedAmount:   chargedAmount,
		paymentFailures: paymentFailures,
	}, nil
}

// Attach subscribes the metrics to bus
func (m *OTelMetrics) Attach(bus events.Bus) {
	bus.Subscribe(m.Handle)
}

// Handle records e
func (m *OTelMetrics) Handle(ctx context.Context, e events.Event) error {
	kind := attribute.String("kind", string(e.Kind))
	m.eventsTotal.Add(ctx, 1, metric.WithAttributes(kind))

	switch e.Kind {
	case events.SubscriptionRenewed:
		if e.Amount != nil {
			amount, _ := e.Amount.Float64()
			m.chargedAmount.Record(ctx, amount, metric.WithAttributes(attribute.Int64("tier_id", e.TierID)))
		}
	case events.PaymentFailed:
		m.paymentFailures.Add(ctx, 1, metric.WithAttributes(
			attribute.Int("attempt", e.Attempt),
			attribute.Bool("final", e.Final),
		))
	}
	return nil
}
