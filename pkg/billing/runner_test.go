package billing_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/platinummonkey/recur/pkg/billing"
	"github.com/platinummonkey/recur/pkg/events"
	"github.com/platinummonkey/recur/pkg/ledger"
	"github.com/platinummonkey/recur/pkg/notify"
	"github.com/platinummonkey/recur/pkg/payments"
	"github.com/platinummonkey/recur/pkg/storage/memory"
	"github.com/platinummonkey/recur/pkg/subscriptions"
	"github.com/platinummonkey/recur/pkg/tiers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	tierMonthly int64 = 1
	tierTrial   int64 = 2
)

var start = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

// gateway approves everything unless told otherwise
type gateway struct {
	mu      sync.Mutex
	decline map[int64]bool
	fail    map[int64]error
	calls   []payments.ChargeRequest
}

func newGateway() *gateway {
	return &gateway{decline: map[int64]bool{}, fail: map[int64]error{}}
}

func (g *gateway) Charge(_ context.Context, req payments.ChargeRequest) (*payments.ChargeResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, req)
	if err := g.fail[req.SubscriptionID]; err != nil {
		return nil, err
	}
	if g.decline[req.SubscriptionID] {
		return &payments.ChargeResult{Approved: false, DeclineReason: "insufficient_funds"}, nil
	}
	return &payments.ChargeResult{Approved: true, Reference: "ch_test"}, nil
}

func (g *gateway) Calls() []payments.ChargeRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]payments.ChargeRequest(nil), g.calls...)
}

type fixture struct {
	store    *memory.Store
	clock    *clockwork.FakeClock
	recorder *events.Recorder
	gateway  *gateway
	locker   *billing.MemoryLocker
	runner   *billing.Runner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.UpsertTier(ctx, &tiers.Tier{ID: tierMonthly, Name: "Basic", Price: decimal.RequireFromString("19.99"), BillingDuration: tiers.DurationMonthly, IsActive: true}))
	require.NoError(t, store.UpsertTier(ctx, &tiers.Tier{ID: tierTrial, Name: "Starter", Price: decimal.RequireFromString("9.99"), BillingDuration: tiers.DurationMonthly, TrialPeriodDays: 14, IsActive: true}))

	clock := clockwork.NewFakeClockAt(start)
	f := &fixture{
		store:    store,
		clock:    clock,
		recorder: events.NewRecorder(),
		gateway:  newGateway(),
		locker:   billing.NewMemoryLocker(clock),
	}
	f.runner = billing.NewRunner(billing.Deps{
		Store:     store,
		Gateway:   f.gateway,
		Publisher: f.recorder,
		Deduper:   notify.NewLogDeduper(store, clock),
		Locker:    f.locker,
		Clock:     clock,
	}, billing.DefaultConfig())
	return f
}

// subscription inserts an active monthly subscription expiring at expires
func (f *fixture) subscription(t *testing.T, mutate func(s *subscriptions.Subscription)) *subscriptions.Subscription {
	t.Helper()
	expires := start.AddDate(0, 0, -1)
	s := &subscriptions.Subscription{
		UserID:            42,
		TierID:            tierMonthly,
		SubscriptionPrice: decimal.RequireFromString("19.99"),
		DiscountedPrice:   decimal.RequireFromString("17.99"),
		AutoRenewal:       true,
		IsActive:          true,
		ExpiresAt:         &expires,
		GracePeriodDays:   7,
		Status:            subscriptions.StatusActive,
		CreatedAt:         start.AddDate(0, -1, -1),
		UpdatedAt:         start.AddDate(0, -1, -1),
	}
	if mutate != nil {
		mutate(s)
	}
	require.NoError(t, f.store.CreateSubscription(context.Background(), s))
	return s
}

func (f *fixture) get(t *testing.T, id int64) *subscriptions.Subscription {
	t.Helper()
	s, err := f.store.GetSubscription(context.Background(), id)
	require.NoError(t, err)
	return s
}

func (f *fixture) txns(t *testing.T, id int64) []*ledger.Transaction {
	t.Helper()
	txns, err := f.store.ListTransactions(context.Background(), id)
	require.NoError(t, err)
	return txns
}

func TestRunRenewals(t *testing.T) {
	ctx := context.Background()

	t.Run("approved charge extends by one period", func(t *testing.T) {
		f := newFixture(t)
		sub := f.subscription(t, nil)

		report, err := f.runner.RunRenewals(ctx, billing.Params{})
		require.NoError(t, err)
		assert.Equal(t, 1, report.Candidates)
		assert.Equal(t, 1, report.Succeeded)

		got := f.get(t, sub.ID)
		assert.Equal(t, subscriptions.StatusActive, got.Status)
		require.NotNil(t, got.ExpiresAt)
		assert.Equal(t, start.AddDate(0, 0, -1).AddDate(0, 1, 0), *got.ExpiresAt)
		assert.Equal(t, 0, got.RetryCount)

		txns := f.txns(t, sub.ID)
		require.Len(t, txns, 1)
		assert.Equal(t, ledger.TypeRenewal, txns[0].Type)
		assert.Equal(t, ledger.StatusCompleted, txns[0].Status)
		assert.Equal(t, "17.99", txns[0].Amount.StringFixed(2))

		evts := f.recorder.Events()
		require.Len(t, evts, 1)
		assert.Equal(t, events.SubscriptionRenewed, evts[0].Kind)
		assert.Equal(t, txns[0].ID, evts[0].TransactionID)
		assert.Equal(t, *got.ExpiresAt, *evts[0].ExpiresAt)
	})

	t.Run("decline moves to payment_failed", func(t *testing.T) {
		f := newFixture(t)
		sub := f.subscription(t, nil)
		f.gateway.decline[sub.ID] = true

		report, err := f.runner.RunRenewals(ctx, billing.Params{})
		require.NoError(t, err)
		assert.Equal(t, 1, report.Failed)

		got := f.get(t, sub.ID)
		assert.Equal(t, subscriptions.StatusPaymentFailed, got.Status)
		assert.Equal(t, 0, got.RetryCount)
		assert.Equal(t, *sub.ExpiresAt, *got.ExpiresAt)

		txns := f.txns(t, sub.ID)
		require.Len(t, txns, 1)
		assert.Equal(t, ledger.StatusFailed, txns[0].Status)

		evts := f.recorder.Events()
		require.Len(t, evts, 1)
		assert.Equal(t, events.PaymentFailed, evts[0].Kind)
		require.NotNil(t, evts[0].NextRetryAt)
		assert.Equal(t, start.Add(72*time.Hour), *evts[0].NextRetryAt)
		assert.False(t, evts[0].Final)
	})

	t.Run("rows not due are not candidates", func(t *testing.T) {
		f := newFixture(t)
		f.subscription(t, func(s *subscriptions.Subscription) { s.AutoRenewal = false })
		f.subscription(t, func(s *subscriptions.Subscription) { s.ExpiresAt = timePtr(start.AddDate(0, 0, 5)) })
		f.subscription(t, func(s *subscriptions.Subscription) { s.Status = subscriptions.StatusCancelled })

		report, err := f.runner.RunRenewals(ctx, billing.Params{})
		require.NoError(t, err)
		assert.Equal(t, 0, report.Candidates)
		assert.Empty(t, f.gateway.Calls())
	})

	t.Run("gateway error isolates the row", func(t *testing.T) {
		f := newFixture(t)
		broken := f.subscription(t, nil)
		healthy := f.subscription(t, nil)
		f.gateway.fail[broken.ID] = errors.New("gateway timeout")

		report, err := f.runner.RunRenewals(ctx, billing.Params{})
		require.NoError(t, err)
		assert.Equal(t, 2, report.Candidates)
		assert.Equal(t, 1, report.Errors)
		assert.Equal(t, 1, report.Succeeded)
		require.Len(t, report.Actions, 2)
		assert.Equal(t, billing.OutcomeError, report.Actions[0].Outcome)
		assert.Contains(t, report.Actions[0].Error, "gateway timeout")

		assert.Equal(t, *broken.ExpiresAt, *f.get(t, broken.ID).ExpiresAt)
		assert.Empty(t, f.txns(t, broken.ID))
		assert.Equal(t, subscriptions.StatusActive, f.get(t, healthy.ID).Status)
		assert.True(t, f.get(t, healthy.ID).ExpiresAt.After(start))
	})

	t.Run("dry run changes nothing", func(t *testing.T) {
		f := newFixture(t)
		sub := f.subscription(t, nil)

		report, err := f.runner.RunRenewals(ctx, billing.Params{DryRun: true})
		require.NoError(t, err)
		assert.True(t, report.DryRun)
		require.Len(t, report.Actions, 1)
		assert.Equal(t, billing.OutcomeWouldCharge, report.Actions[0].Outcome)

		assert.Empty(t, f.gateway.Calls())
		assert.Empty(t, f.recorder.Events())
		assert.Empty(t, f.txns(t, sub.ID))
		assert.Equal(t, *sub.ExpiresAt, *f.get(t, sub.ID).ExpiresAt)
	})

	t.Run("job already running is skipped", func(t *testing.T) {
		f := newFixture(t)
		f.subscription(t, nil)
		release, ok, err := f.locker.TryLock(ctx, "billing:renewals", time.Hour)
		require.NoError(t, err)
		require.True(t, ok)
		defer release()

		report, err := f.runner.RunRenewals(ctx, billing.Params{})
		require.NoError(t, err)
		assert.True(t, report.Skipped)
		assert.Empty(t, f.gateway.Calls())
	})
}

func TestTrialConversion(t *testing.T) {
	ctx := context.Background()

	newTrial := func(t *testing.T, f *fixture) *subscriptions.Subscription {
		svc := subscriptions.NewService(f.store, events.Discard{}, f.clock, nil)
		sub, err := svc.Create(ctx, subscriptions.CreateRequest{UserID: 9, TierID: tierTrial})
		require.NoError(t, err)
		require.Equal(t, subscriptions.StatusTrial, sub.Status)
		return sub
	}

	t.Run("trial still running is left alone", func(t *testing.T) {
		f := newFixture(t)
		newTrial(t, f)
		f.clock.Advance(13 * 24 * time.Hour)

		report, err := f.runner.RunRenewals(ctx, billing.Params{})
		require.NoError(t, err)
		assert.Equal(t, 0, report.Candidates)
	})

	t.Run("approved conversion settles the initial entry", func(t *testing.T) {
		f := newFixture(t)
		sub := newTrial(t, f)
		f.clock.Advance(15 * 24 * time.Hour)

		report, err := f.runner.RunRenewals(ctx, billing.Params{})
		require.NoError(t, err)
		assert.Equal(t, 1, report.Succeeded)

		got := f.get(t, sub.ID)
		assert.Equal(t, subscriptions.StatusActive, got.Status)
		require.NotNil(t, got.ExpiresAt)
		assert.Equal(t, sub.TrialEndDate.AddDate(0, 1, 0), *got.ExpiresAt)

		txns := f.txns(t, sub.ID)
		require.Len(t, txns, 1)
		assert.Equal(t, ledger.TypeInitial, txns[0].Type)
		assert.Equal(t, ledger.StatusCompleted, txns[0].Status)
		assert.NotNil(t, txns[0].ProcessedAt)
	})

	t.Run("declined conversion starts the grace window at trial end", func(t *testing.T) {
		f := newFixture(t)
		sub := newTrial(t, f)
		f.gateway.decline[sub.ID] = true
		f.clock.Advance(15 * 24 * time.Hour)

		_, err := f.runner.RunRenewals(ctx, billing.Params{})
		require.NoError(t, err)

		got := f.get(t, sub.ID)
		assert.Equal(t, subscriptions.StatusPaymentFailed, got.Status)
		require.NotNil(t, got.ExpiresAt)
		assert.Equal(t, *sub.TrialEndDate, *got.ExpiresAt)

		txns := f.txns(t, sub.ID)
		require.Len(t, txns, 1)
		assert.Equal(t, ledger.StatusFailed, txns[0].Status)
	})
}

func TestRunRetries(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name        string
		retryCount  int
		decline     bool
		wantStatus  subscriptions.Status
		wantRetries int
		wantAuto    bool
		wantOutcome billing.Outcome
		wantFinal   bool
	}{
		{
			name:        "decline below the limit counts the attempt",
			retryCount:  1,
			decline:     true,
			wantStatus:  subscriptions.StatusPaymentFailed,
			wantRetries: 2,
			wantAuto:    true,
			wantOutcome: billing.OutcomePaymentFailed,
		},
		{
			name:        "decline at the limit stops renewing",
			retryCount:  2,
			decline:     true,
			wantStatus:  subscriptions.StatusPaymentFailedMaxRetries,
			wantRetries: 3,
			wantAuto:    false,
			wantOutcome: billing.OutcomeMaxRetries,
			wantFinal:   true,
		},
		{
			name:        "approval reactivates",
			retryCount:  2,
			wantStatus:  subscriptions.StatusActive,
			wantRetries: 0,
			wantAuto:    true,
			wantOutcome: billing.OutcomeRenewed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			sub := f.subscription(t, func(s *subscriptions.Subscription) {
				s.Status = subscriptions.StatusPaymentFailed
				s.RetryCount = tt.retryCount
			})
			f.gateway.decline[sub.ID] = tt.decline

			report, err := f.runner.RunRetries(ctx, billing.Params{})
			require.NoError(t, err)
			require.Len(t, report.Actions, 1)
			assert.Equal(t, tt.wantOutcome, report.Actions[0].Outcome)

			calls := f.gateway.Calls()
			require.Len(t, calls, 1)
			assert.True(t, calls[0].IsRetry)
			assert.Equal(t, tt.retryCount, calls[0].RetryCount)

			got := f.get(t, sub.ID)
			assert.Equal(t, tt.wantStatus, got.Status)
			assert.Equal(t, tt.wantRetries, got.RetryCount)
			assert.Equal(t, tt.wantAuto, got.AutoRenewal)

			txns := f.txns(t, sub.ID)
			require.Len(t, txns, 1)
			assert.Equal(t, ledger.TypeRetryRenewal, txns[0].Type)

			evts := f.recorder.Events()
			require.Len(t, evts, 1)
			assert.Equal(t, tt.wantFinal, evts[0].Final)
			if tt.decline {
				assert.Equal(t, tt.wantRetries, evts[0].Attempt)
			} else {
				assert.Equal(t, sub.ExpiresAt.AddDate(0, 1, 0), *got.ExpiresAt)
			}
		})
	}

	t.Run("exhausted rows are not retried", func(t *testing.T) {
		f := newFixture(t)
		f.subscription(t, func(s *subscriptions.Subscription) {
			s.Status = subscriptions.StatusPaymentFailed
			s.RetryCount = 3
		})
		f.subscription(t, func(s *subscriptions.Subscription) {
			s.Status = subscriptions.StatusPaymentFailed
			s.AutoRenewal = false
		})

		report, err := f.runner.RunRetries(ctx, billing.Params{})
		require.NoError(t, err)
		assert.Equal(t, 0, report.Candidates)
	})

	t.Run("max retries override", func(t *testing.T) {
		f := newFixture(t)
		sub := f.subscription(t, func(s *subscriptions.Subscription) {
			s.Status = subscriptions.StatusPaymentFailed
			s.RetryCount = 3
		})
		f.gateway.decline[sub.ID] = true

		report, err := f.runner.RunRetries(ctx, billing.Params{MaxRetries: 5})
		require.NoError(t, err)
		assert.Equal(t, 1, report.Candidates)
		assert.Equal(t, 4, f.get(t, sub.ID).RetryCount)
	})
}

func TestRunExpiryCleanup(t *testing.T) {
	ctx := context.Background()

	t.Run("expires past grace and is idempotent", func(t *testing.T) {
		f := newFixture(t)
		lapsed := f.subscription(t, func(s *subscriptions.Subscription) {
			s.ExpiresAt = timePtr(start.AddDate(0, 0, -8))
		})
		inGrace := f.subscription(t, func(s *subscriptions.Subscription) {
			s.ExpiresAt = timePtr(start.AddDate(0, 0, -5))
		})

		report, err := f.runner.RunExpiryCleanup(ctx, billing.Params{})
		require.NoError(t, err)
		assert.Equal(t, 1, report.Candidates)
		assert.Equal(t, 1, report.Succeeded)

		got := f.get(t, lapsed.ID)
		assert.Equal(t, subscriptions.StatusExpired, got.Status)
		assert.False(t, got.IsActive)
		assert.False(t, got.AutoRenewal)
		assert.True(t, f.get(t, inGrace.ID).IsActive)
		assert.Equal(t, []events.Kind{events.SubscriptionExpired}, f.recorder.Kinds())

		again, err := f.runner.RunExpiryCleanup(ctx, billing.Params{})
		require.NoError(t, err)
		assert.Equal(t, 0, again.Candidates)
		assert.Len(t, f.recorder.Events(), 1)
	})

	t.Run("grace boundary is inclusive", func(t *testing.T) {
		f := newFixture(t)
		sub := f.subscription(t, func(s *subscriptions.Subscription) {
			s.ExpiresAt = timePtr(start.AddDate(0, 0, -7))
		})

		report, err := f.runner.RunExpiryCleanup(ctx, billing.Params{})
		require.NoError(t, err)
		assert.Equal(t, 0, report.Candidates)
		assert.True(t, f.get(t, sub.ID).IsActive)
	})

	t.Run("grace override", func(t *testing.T) {
		f := newFixture(t)
		sub := f.subscription(t, func(s *subscriptions.Subscription) {
			s.ExpiresAt = timePtr(start.AddDate(0, 0, -8))
		})

		report, err := f.runner.RunExpiryCleanup(ctx, billing.Params{GracePeriodDays: 10})
		require.NoError(t, err)
		assert.Equal(t, 0, report.Candidates)
		assert.True(t, f.get(t, sub.ID).IsActive)
	})

	t.Run("dry run", func(t *testing.T) {
		f := newFixture(t)
		sub := f.subscription(t, func(s *subscriptions.Subscription) {
			s.ExpiresAt = timePtr(start.AddDate(0, 0, -30))
		})

		report, err := f.runner.RunExpiryCleanup(ctx, billing.Params{DryRun: true})
		require.NoError(t, err)
		require.Len(t, report.Actions, 1)
		assert.Equal(t, billing.OutcomeWouldExpire, report.Actions[0].Outcome)
		assert.True(t, f.get(t, sub.ID).IsActive)
		assert.Empty(t, f.recorder.Events())
	})
}

func TestNotices(t *testing.T) {
	ctx := context.Background()

	t.Run("expiring notice once per day", func(t *testing.T) {
		f := newFixture(t)
		sub := f.subscription(t, func(s *subscriptions.Subscription) {
			s.ExpiresAt = timePtr(start.Add(4*24*time.Hour + time.Hour))
		})
		f.subscription(t, func(s *subscriptions.Subscription) {
			s.ExpiresAt = timePtr(start.AddDate(0, 0, 20))
		})

		report, err := f.runner.RunExpiringNotices(ctx, billing.Params{})
		require.NoError(t, err)
		assert.Equal(t, 1, report.Candidates)
		assert.Equal(t, 1, report.Succeeded)

		evts := f.recorder.Events()
		require.Len(t, evts, 1)
		assert.Equal(t, events.SubscriptionExpiring, evts[0].Kind)
		assert.Equal(t, sub.ID, evts[0].SubscriptionID)
		assert.Equal(t, 5, evts[0].DaysLeft)

		again, err := f.runner.RunExpiringNotices(ctx, billing.Params{})
		require.NoError(t, err)
		require.Len(t, again.Actions, 1)
		assert.Equal(t, billing.OutcomeDuplicate, again.Actions[0].Outcome)
		assert.Len(t, f.recorder.Events(), 1)

		f.clock.Advance(25 * time.Hour)
		_, err = f.runner.RunExpiringNotices(ctx, billing.Params{})
		require.NoError(t, err)
		assert.Len(t, f.recorder.Events(), 2)
	})

	t.Run("threshold override is a separate notice", func(t *testing.T) {
		f := newFixture(t)
		f.subscription(t, func(s *subscriptions.Subscription) {
			s.ExpiresAt = timePtr(start.AddDate(0, 0, 2))
		})

		_, err := f.runner.RunExpiringNotices(ctx, billing.Params{})
		require.NoError(t, err)
		_, err = f.runner.RunExpiringNotices(ctx, billing.Params{ThresholdDays: 3})
		require.NoError(t, err)
		assert.Len(t, f.recorder.Events(), 2)
	})

	t.Run("trial ending", func(t *testing.T) {
		f := newFixture(t)
		sub := f.subscription(t, func(s *subscriptions.Subscription) {
			s.Status = subscriptions.StatusTrial
			s.ExpiresAt = nil
			s.TrialEndDate = timePtr(start.AddDate(0, 0, 2))
		})
		f.subscription(t, func(s *subscriptions.Subscription) {
			s.Status = subscriptions.StatusTrial
			s.ExpiresAt = nil
			s.TrialEndDate = timePtr(start.AddDate(0, 0, 10))
		})

		report, err := f.runner.RunTrialEndingNotices(ctx, billing.Params{})
		require.NoError(t, err)
		assert.Equal(t, 1, report.Candidates)

		evts := f.recorder.Events()
		require.Len(t, evts, 1)
		assert.Equal(t, events.TrialEnding, evts[0].Kind)
		assert.Equal(t, sub.ID, evts[0].SubscriptionID)
		assert.Equal(t, 2, evts[0].DaysLeft)
	})

	t.Run("dry run claims nothing", func(t *testing.T) {
		f := newFixture(t)
		f.subscription(t, func(s *subscriptions.Subscription) {
			s.ExpiresAt = timePtr(start.AddDate(0, 0, 3))
		})

		report, err := f.runner.RunExpiringNotices(ctx, billing.Params{DryRun: true})
		require.NoError(t, err)
		assert.Equal(t, billing.OutcomeWouldNotify, report.Actions[0].Outcome)
		assert.Empty(t, f.recorder.Events())

		_, err = f.runner.RunExpiringNotices(ctx, billing.Params{})
		require.NoError(t, err)
		assert.Len(t, f.recorder.Events(), 1)
	})
}

// flakyPublisher fails the first publish and records the rest
type flakyPublisher struct {
	mu     sync.Mutex
	failed bool
	next   *events.Recorder
}

func (p *flakyPublisher) Publish(ctx context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.failed {
		p.failed = true
		return errors.New("bus unavailable")
	}
	return p.next.Publish(ctx, e)
}

func TestNoticePublishFailureKeepsNoticePending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	publisher := &flakyPublisher{next: f.recorder}
	runner := billing.NewRunner(billing.Deps{
		Store:     f.store,
		Gateway:   f.gateway,
		Publisher: publisher,
		Deduper:   notify.NewLogDeduper(f.store, f.clock),
		Clock:     f.clock,
	}, billing.DefaultConfig())
	f.subscription(t, func(s *subscriptions.Subscription) {
		s.ExpiresAt = timePtr(start.AddDate(0, 0, 3))
	})

	report, err := runner.RunExpiringNotices(ctx, billing.Params{})
	require.NoError(t, err)
	require.Len(t, report.Actions, 1)
	assert.Equal(t, billing.OutcomeError, report.Actions[0].Outcome)
	assert.Empty(t, f.recorder.Events())

	report, err = runner.RunExpiringNotices(ctx, billing.Params{})
	require.NoError(t, err)
	require.Len(t, report.Actions, 1)
	assert.Equal(t, billing.OutcomeNotified, report.Actions[0].Outcome)
	assert.Len(t, f.recorder.Events(), 1)

	report, err = runner.RunExpiringNotices(ctx, billing.Params{})
	require.NoError(t, err)
	assert.Equal(t, billing.OutcomeDuplicate, report.Actions[0].Outcome)
}

func TestCancelledRunReportsEveryRow(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	config := billing.DefaultConfig()
	config.Concurrency = 1
	runner := billing.NewRunner(billing.Deps{
		Store: f.store,
		Gateway: payments.Func(func(context.Context, payments.ChargeRequest) (*payments.ChargeResult, error) {
			cancel()
			return &payments.ChargeResult{Approved: true, Reference: "ch_test"}, nil
		}),
		Publisher: f.recorder,
		Clock:     f.clock,
	}, config)

	for i := 0; i < 10; i++ {
		f.subscription(t, nil)
	}

	report, err := runner.RunRenewals(ctx, billing.Params{})
	require.NoError(t, err)
	assert.Equal(t, 10, report.Candidates)
	require.Len(t, report.Actions, 10)
	assert.Equal(t, report.Candidates, report.Succeeded+report.Failed+report.Errors+report.Ignored)
	assert.GreaterOrEqual(t, report.Errors, 1)

	seen := map[int64]bool{}
	for _, a := range report.Actions {
		assert.False(t, seen[a.SubscriptionID], "subscription %d reported twice", a.SubscriptionID)
		seen[a.SubscriptionID] = true
		if a.Outcome == billing.OutcomeError {
			assert.NotEmpty(t, a.Error)
		}
	}
}

func TestRunDispatch(t *testing.T) {
	f := newFixture(t)
	for _, job := range billing.Jobs {
		report, err := f.runner.Run(context.Background(), job, billing.Params{DryRun: true})
		require.NoError(t, err)
		assert.Equal(t, job, report.Job)
	}

	_, err := f.runner.Run(context.Background(), billing.Job("bogus"), billing.Params{})
	assert.Error(t, err)

	job, err := billing.ParseJob("trial-ending")
	require.NoError(t, err)
	assert.Equal(t, billing.JobTrialEnding, job)
	_, err = billing.ParseJob("nope")
	assert.Error(t, err)
}

func TestConcurrentRows(t *testing.T) {
	f := newFixture(t)
	config := billing.DefaultConfig()
	config.Concurrency = 4
	runner := billing.NewRunner(billing.Deps{
		Store:     f.store,
		Gateway:   f.gateway,
		Publisher: f.recorder,
		Clock:     f.clock,
	}, config)

	for i := 0; i < 20; i++ {
		f.subscription(t, nil)
	}

	report, err := runner.RunRenewals(context.Background(), billing.Params{})
	require.NoError(t, err)
	assert.Equal(t, 20, report.Succeeded)
	assert.Len(t, f.gateway.Calls(), 20)
	for i := 1; i < len(report.Actions); i++ {
		assert.Less(t, report.Actions[i-1].SubscriptionID, report.Actions[i].SubscriptionID)
	}
}

func TestMetrics(t *testing.T) {
	f := newFixture(t)
	registry := prometheus.NewRegistry()
	metrics := billing.NewMetrics(registry)
	runner := billing.NewRunner(billing.Deps{
		Store:   f.store,
		Gateway: f.gateway,
		Clock:   f.clock,
		Metrics: metrics,
	}, billing.DefaultConfig())

	declined := f.subscription(t, nil)
	f.subscription(t, nil)
	f.gateway.decline[declined.ID] = true

	_, err := runner.RunRenewals(context.Background(), billing.Params{})
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.JobRunsTotal.WithLabelValues("renewals", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RowsTotal.WithLabelValues("renewals", "renewed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RowsTotal.WithLabelValues("renewals", "payment_failed")))
}

func timePtr(t time.Time) *time.Time { return &t }
