package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/platinummonkey/recur/pkg/coupons"
	"github.com/platinummonkey/recur/pkg/ledger"
	"github.com/platinummonkey/recur/pkg/subscriptions"
	"github.com/platinummonkey/recur/pkg/tiers"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(NewConnectionManagerFromDB(sqlx.NewDb(db, "postgres")), nil), mock
}

var subscriptionCols = []string{
	"id", "user_id", "tier_id", "coupon_id", "subscription_price", "discounted_price",
	"auto_renewal", "is_active", "trial_end_date", "expires_at", "grace_period_days", "retry_count", "status",
	"created_at", "updated_at", "deleted_at",
}

func TestGetSubscription(t *testing.T) {
	ctx := context.Background()
	created := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	expires := created.AddDate(0, 1, 0)

	t.Run("found", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery(`SELECT .* FROM subscriptions WHERE id = \$1 AND deleted_at IS NULL$`).
			WithArgs(int64(7)).
			WillReturnRows(sqlmock.NewRows(subscriptionCols).AddRow(
				7, 42, 1, nil, "19.99", "17.99",
				true, true, nil, expires, 7, 0, "active",
				created, created, nil,
			))

		sub, err := s.GetSubscription(ctx, 7)
		require.NoError(t, err)
		assert.Equal(t, int64(42), sub.UserID)
		assert.Equal(t, "17.99", sub.DiscountedPrice.StringFixed(2))
		assert.Equal(t, subscriptions.StatusActive, sub.Status)
		assert.Nil(t, sub.CouponID)
		require.NotNil(t, sub.ExpiresAt)
		assert.True(t, expires.Equal(*sub.ExpiresAt))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("not found", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery(`SELECT .* FROM subscriptions`).
			WithArgs(int64(9)).
			WillReturnRows(sqlmock.NewRows(subscriptionCols))

		_, err := s.GetSubscription(ctx, 9)
		assert.ErrorIs(t, err, subscriptions.ErrSubscriptionNotFound)
	})
}

func TestWithTx(t *testing.T) {
	ctx := context.Background()

	t.Run("commits and locks rows", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectQuery(`FOR UPDATE$`).
			WithArgs(int64(3)).
			WillReturnRows(sqlmock.NewRows(subscriptionCols).AddRow(
				3, 42, 1, nil, "9.99", "9.99",
				true, true, nil, nil, 7, 0, "active",
				time.Now(), time.Now(), nil,
			))
		mock.ExpectExec(`UPDATE subscriptions SET`).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		err := s.WithTx(ctx, func(tx subscriptions.Tx) error {
			sub, err := tx.LockSubscription(ctx, 3)
			if err != nil {
				return err
			}
			sub.Status = subscriptions.StatusCancelled
			return tx.UpdateSubscription(ctx, sub)
		})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rolls back on error", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectRollback()

		boom := errors.New("boom")
		err := s.WithTx(ctx, func(tx subscriptions.Tx) error { return boom })
		assert.ErrorIs(t, err, boom)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("update of missing row", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectExec(`UPDATE subscriptions SET`).WillReturnResult(sqlmock.NewResult(0, 0))

		err := s.UpdateSubscription(ctx, &subscriptions.Subscription{ID: 99})
		assert.ErrorIs(t, err, subscriptions.ErrSubscriptionNotFound)
	})
}

func TestCoupons(t *testing.T) {
	ctx := context.Background()

	t.Run("redeem at limit", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectExec(`UPDATE coupons\s+SET usage_count = usage_count \+ 1`).
			WithArgs(int64(5)).
			WillReturnResult(sqlmock.NewResult(0, 0))

		ok, err := s.RedeemCoupon(ctx, 5)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("create with tier restrictions", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectQuery(`INSERT INTO coupons`).WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(11))
		mock.ExpectExec(`INSERT INTO coupon_tiers`).WithArgs(int64(11), int64(1)).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`INSERT INTO coupon_tiers`).WithArgs(int64(11), int64(4)).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		c := &coupons.Coupon{
			Code:            "SPRING",
			DiscountType:    coupons.DiscountPercentage,
			DiscountValue:   decimal.NewFromInt(20),
			ApplicableTiers: []int64{1, 4},
			IsActive:        true,
		}
		require.NoError(t, s.CreateCoupon(ctx, c))
		assert.Equal(t, int64(11), c.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate code", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectQuery(`INSERT INTO coupons`).WillReturnError(&pq.Error{Code: uniqueViolation})
		mock.ExpectRollback()

		err := s.CreateCoupon(ctx, &coupons.Coupon{Code: "DUP", DiscountType: coupons.DiscountFixed, DiscountValue: decimal.NewFromInt(1)})
		assert.ErrorIs(t, err, coupons.ErrDuplicateCode)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("get by code aggregates tiers", func(t *testing.T) {
		s, mock := newMockStore(t)
		cols := []string{"id", "code", "discount_type", "discount_value", "minimum_amount", "maximum_discount",
			"usage_limit", "usage_count", "starts_at", "expires_at", "is_active", "created_at", "updated_at", "deleted_at", "applicable_tiers"}
		mock.ExpectQuery(`lower\(c.code\) = lower\(\$1\)`).
			WithArgs("spring").
			WillReturnRows(sqlmock.NewRows(cols).AddRow(
				11, "SPRING", "percentage", "20.00", "10.00", nil,
				5, 2, nil, nil, true, time.Now(), time.Now(), nil, "{1,4}",
			))

		c, err := s.GetCouponByCode(ctx, "spring")
		require.NoError(t, err)
		assert.Equal(t, []int64{1, 4}, c.ApplicableTiers)
		require.NotNil(t, c.MinimumAmount)
		assert.Equal(t, "10.00", c.MinimumAmount.StringFixed(2))
		assert.Nil(t, c.MaximumDiscount)
		require.NotNil(t, c.UsageLimit)
		assert.Equal(t, 5, *c.UsageLimit)
	})

	t.Run("delete missing", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectExec(`UPDATE coupons SET deleted_at`).WithArgs(int64(3)).WillReturnResult(sqlmock.NewResult(0, 0))
		assert.ErrorIs(t, s.DeleteCoupon(ctx, 3), coupons.ErrCouponNotFound)
	})
}

func TestTiers(t *testing.T) {
	ctx := context.Background()
	s, mock := newMockStore(t)

	cols := []string{"id", "name", "price", "billing_duration", "trial_period_days", "max_trial_extensions", "is_active", "created_at", "updated_at"}
	mock.ExpectQuery(`FROM subscription_tiers WHERE is_active ORDER BY id`).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(1, "Basic", "19.99", "monthly", 0, 0, true, time.Now(), time.Now()).
			AddRow(2, "Legacy", "99.00", "year", 14, 1, true, time.Now(), time.Now()))

	list, err := s.ListTiers(ctx, true)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, tiers.DurationYearly, list[1].BillingDuration)

	mock.ExpectQuery(`FROM subscription_tiers WHERE id = \$1`).WithArgs(int64(8)).WillReturnRows(sqlmock.NewRows(cols))
	_, err = s.GetTier(ctx, 8)
	assert.ErrorIs(t, err, tiers.ErrTierNotFound)

	mock.ExpectExec(`ON CONFLICT \(id\) DO UPDATE`).WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.UpsertTier(ctx, &tiers.Tier{ID: 3, Name: "Pro", Price: decimal.NewFromInt(30), BillingDuration: tiers.DurationMonthly}))

	assert.Error(t, s.UpsertTier(ctx, &tiers.Tier{ID: 4, Name: "", BillingDuration: tiers.DurationMonthly}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerQueries(t *testing.T) {
	ctx := context.Background()
	s, mock := newMockStore(t)

	mock.ExpectQuery(`INSERT INTO subscription_transactions`).WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(21))
	txn := &ledger.Transaction{SubscriptionID: 1, Amount: decimal.RequireFromString("9.99"), Currency: ledger.CurrencyUSD,
		Status: ledger.StatusPending, Type: ledger.TypeInitial, Reference: "ref"}
	require.NoError(t, s.InsertTransaction(ctx, txn))
	assert.Equal(t, int64(21), txn.ID)

	mock.ExpectExec(`UPDATE subscription_transactions SET status`).WillReturnResult(sqlmock.NewResult(0, 0))
	now := time.Now()
	assert.ErrorIs(t, s.UpdateTransactionStatus(ctx, 99, ledger.StatusCompleted, &now), ledger.ErrTransactionNotFound)

	mock.ExpectQuery(`SELECT EXISTS`).WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	sent, err := s.NotificationSentSince(ctx, 1, "trial_ending", 3, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.True(t, sent)

	mock.ExpectExec(`DELETE FROM notification_log`).WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.DeleteNotificationsSince(ctx, 1, "trial_ending", 3, now.Add(-24*time.Hour)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFilterClause(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	yes := true
	three := 3

	where, args := filterClause(subscriptions.Filter{})
	assert.Equal(t, "deleted_at IS NULL", where)
	assert.Empty(t, args)

	where, args = filterClause(subscriptions.Filter{
		Statuses:        []subscriptions.Status{subscriptions.StatusPaymentFailed},
		AutoRenewal:     &yes,
		RetryCountBelow: &three,
		ExpiresBefore:   &now,
		TrialEndsAfter:  &now,
	})
	assert.Equal(t,
		"deleted_at IS NULL AND status = ANY($1) AND auto_renewal = $2 AND expires_at <= $3 AND trial_end_date > $4 AND retry_count < $5",
		where)
	assert.Len(t, args, 5)
}

func TestListSubscriptionsLimit(t *testing.T) {
	s, mock := newMockStore(t)
	user := int64(42)
	mock.ExpectQuery(`WHERE deleted_at IS NULL AND user_id = \$1 ORDER BY id LIMIT \$2`).
		WithArgs(user, 10).
		WillReturnRows(sqlmock.NewRows(subscriptionCols))

	out, err := s.ListSubscriptions(context.Background(), subscriptions.Filter{UserID: &user, Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.NoError(t, mock.ExpectationsWereMet())
}
