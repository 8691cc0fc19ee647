// Package postgres implements the subscription store on PostgreSQL with sqlx.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/platinummonkey/recur/pkg/coupons"
	"github.com/platinummonkey/recur/pkg/ledger"
	"github.com/platinummonkey/recur/pkg/notify"
	"github.com/platinummonkey/recur/pkg/subscriptions"
	"github.com/platinummonkey/recur/pkg/tiers"
	"github.com/sirupsen/logrus"
)

// uniqueViolation is the SQLSTATE for a unique constraint failure
const uniqueViolation = "23505"

// Store implements subscriptions.Store, tiers.Writer and notify.Repository.
// Writes and transactions go to the primary; subscription listings outside a
// transaction may be served by a replica.
type Store struct {
	*queries
	conn   *ConnectionManager
	logger *logrus.Logger
}

var (
	_ subscriptions.Store = (*Store)(nil)
	_ tiers.Writer        = (*Store)(nil)
	_ notify.Repository   = (*Store)(nil)
)

// New creates a store over conn
func New(conn *ConnectionManager, logger *logrus.Logger) *Store {
	if logger == nil {
		logger = logrus.New()
	}
	return &Store{
		queries: &queries{ext: conn.Primary()},
		conn:    conn,
		logger:  logger,
	}
}

// WithTx runs fn in a database transaction that commits when fn returns nil
func (s *Store) WithTx(ctx context.Context, fn func(tx subscriptions.Tx) error) (err error) {
	tx, err := s.conn.Primary().BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				s.logger.WithError(rbErr).Error("Failed to roll back transaction")
			}
		}
	}()

	if err = fn(&queries{ext: tx}); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ListSubscriptions reads from a replica when one is configured
func (s *Store) ListSubscriptions(ctx context.Context, f subscriptions.Filter) ([]*subscriptions.Subscription, error) {
	return (&queries{ext: s.conn.Replica()}).ListSubscriptions(ctx, f)
}

// CreateCoupon writes the coupon and its tier restrictions atomically
func (s *Store) CreateCoupon(ctx context.Context, c *coupons.Coupon) error {
	return s.WithTx(ctx, func(tx subscriptions.Tx) error {
		return tx.CreateCoupon(ctx, c)
	})
}

// HealthCheck pings the database
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.conn.HealthCheck(ctx)
}

// Stats reports pool usage of the primary and each replica
func (s *Store) Stats() ConnectionStats {
	return s.conn.Stats()
}

// DB returns the primary database handle
func (s *Store) DB() *sql.DB {
	return s.conn.Primary().DB
}

// Close closes every connection
func (s *Store) Close() error {
	return s.conn.Close()
}

// queries runs statements against a connection or a transaction
type queries struct {
	ext sqlx.ExtContext
}

// Tiers

const tierColumns = `id, name, price, billing_duration, trial_period_days, max_trial_extensions, is_active, created_at, updated_at`

func (q *queries) GetTier(ctx context.Context, id int64) (*tiers.Tier, error) {
	var t tiers.Tier
	err := sqlx.GetContext(ctx, q.ext, &t, `SELECT `+tierColumns+` FROM subscription_tiers WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tiers.ErrTierNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tier %d: %w", id, err)
	}
	return &t, nil
}

func (q *queries) ListTiers(ctx context.Context, activeOnly bool) ([]*tiers.Tier, error) {
	query := `SELECT ` + tierColumns + ` FROM subscription_tiers`
	if activeOnly {
		query += ` WHERE is_active`
	}
	query += ` ORDER BY id`

	var out []*tiers.Tier
	if err := sqlx.SelectContext(ctx, q.ext, &out, query); err != nil {
		return nil, fmt.Errorf("failed to list tiers: %w", err)
	}
	return out, nil
}

func (q *queries) UpsertTier(ctx context.Context, t *tiers.Tier) error {
	if err := t.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	_, err := q.ext.ExecContext(ctx, `
		INSERT INTO subscription_tiers (`+tierColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			price = EXCLUDED.price,
			billing_duration = EXCLUDED.billing_duration,
			trial_period_days = EXCLUDED.trial_period_days,
			max_trial_extensions = EXCLUDED.max_trial_extensions,
			is_active = EXCLUDED.is_active,
			updated_at = EXCLUDED.updated_at`,
		t.ID, t.Name, t.Price, string(t.BillingDuration), t.TrialPeriodDays, t.MaxTrialExtensions,
		t.IsActive, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert tier %d: %w", t.ID, err)
	}
	return nil
}

// Coupons

// couponRow carries the aggregated tier restrictions alongside the coupon
type couponRow struct {
	coupons.Coupon
	Tiers pq.Int64Array `db:"applicable_tiers"`
}

func (r *couponRow) coupon() *coupons.Coupon {
	c := r.Coupon
	c.ApplicableTiers = []int64(r.Tiers)
	if c.ApplicableTiers == nil {
		c.ApplicableTiers = []int64{}
	}
	return &c
}

const couponSelect = `
	SELECT c.id, c.code, c.discount_type, c.discount_value, c.minimum_amount, c.maximum_discount,
		c.usage_limit, c.usage_count, c.starts_at, c.expires_at, c.is_active,
		c.created_at, c.updated_at, c.deleted_at,
		COALESCE(array_agg(ct.tier_id ORDER BY ct.tier_id) FILTER (WHERE ct.tier_id IS NOT NULL), '{}') AS applicable_tiers
	FROM coupons c
	LEFT JOIN coupon_tiers ct ON ct.coupon_id = c.id`

func (q *queries) getCoupon(ctx context.Context, where string, arg interface{}) (*coupons.Coupon, error) {
	var row couponRow
	err := sqlx.GetContext(ctx, q.ext, &row, couponSelect+` WHERE `+where+` GROUP BY c.id`, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, coupons.ErrCouponNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get coupon: %w", err)
	}
	return row.coupon(), nil
}

func (q *queries) GetCoupon(ctx context.Context, id int64) (*coupons.Coupon, error) {
	return q.getCoupon(ctx, `c.id = $1`, id)
}

func (q *queries) GetCouponByCode(ctx context.Context, code string) (*coupons.Coupon, error) {
	return q.getCoupon(ctx, `lower(c.code) = lower($1) AND c.deleted_at IS NULL`, code)
}

func (q *queries) CreateCoupon(ctx context.Context, c *coupons.Coupon) error {
	if err := c.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	err := sqlx.GetContext(ctx, q.ext, &c.ID, `
		INSERT INTO coupons (code, discount_type, discount_value, minimum_amount, maximum_discount,
			usage_limit, usage_count, starts_at, expires_at, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id`,
		c.Code, string(c.DiscountType), c.DiscountValue, c.MinimumAmount, c.MaximumDiscount,
		c.UsageLimit, c.UsageCount, c.StartsAt, c.ExpiresAt, c.IsActive, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return coupons.ErrDuplicateCode
		}
		return fmt.Errorf("failed to create coupon: %w", err)
	}

	for _, tierID := range c.ApplicableTiers {
		if _, err := q.ext.ExecContext(ctx,
			`INSERT INTO coupon_tiers (coupon_id, tier_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			c.ID, tierID); err != nil {
			return fmt.Errorf("failed to restrict coupon %d to tier %d: %w", c.ID, tierID, err)
		}
	}
	return nil
}

// RedeemCoupon increments usage_count with a conditional update, so two
// concurrent redemptions of the last use cannot both succeed
func (q *queries) RedeemCoupon(ctx context.Context, id int64) (bool, error) {
	res, err := q.ext.ExecContext(ctx, `
		UPDATE coupons
		SET usage_count = usage_count + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
			AND deleted_at IS NULL
			AND (usage_limit IS NULL OR usage_count < usage_limit)`, id)
	if err != nil {
		return false, fmt.Errorf("failed to redeem coupon %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to redeem coupon %d: %w", id, err)
	}
	return n == 1, nil
}

func (q *queries) DeleteCoupon(ctx context.Context, id int64) error {
	res, err := q.ext.ExecContext(ctx,
		`UPDATE coupons SET deleted_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("failed to delete coupon %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("failed to delete coupon %d: %w", id, err)
	} else if n == 0 {
		return coupons.ErrCouponNotFound
	}
	return nil
}

// Subscriptions

const subscriptionColumns = `id, user_id, tier_id, coupon_id, subscription_price, discounted_price,
	auto_renewal, is_active, trial_end_date, expires_at, grace_period_days, retry_count, status,
	created_at, updated_at, deleted_at`

func (q *queries) CreateSubscription(ctx context.Context, s *subscriptions.Subscription) error {
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = s.CreatedAt
	}

	err := sqlx.GetContext(ctx, q.ext, &s.ID, `
		INSERT INTO subscriptions (user_id, tier_id, coupon_id, subscription_price, discounted_price,
			auto_renewal, is_active, trial_end_date, expires_at, grace_period_days, retry_count, status,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id`,
		s.UserID, s.TierID, s.CouponID, s.SubscriptionPrice, s.DiscountedPrice,
		s.AutoRenewal, s.IsActive, s.TrialEndDate, s.ExpiresAt, s.GracePeriodDays, s.RetryCount, string(s.Status),
		s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	return nil
}

func (q *queries) getSubscription(ctx context.Context, id int64, forUpdate bool) (*subscriptions.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = $1 AND deleted_at IS NULL`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var s subscriptions.Subscription
	err := sqlx.GetContext(ctx, q.ext, &s, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, subscriptions.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription %d: %w", id, err)
	}
	return &s, nil
}

func (q *queries) GetSubscription(ctx context.Context, id int64) (*subscriptions.Subscription, error) {
	return q.getSubscription(ctx, id, false)
}

// LockSubscription takes a row lock held until the transaction ends
func (q *queries) LockSubscription(ctx context.Context, id int64) (*subscriptions.Subscription, error) {
	return q.getSubscription(ctx, id, true)
}

func (q *queries) UpdateSubscription(ctx context.Context, s *subscriptions.Subscription) error {
	res, err := q.ext.ExecContext(ctx, `
		UPDATE subscriptions SET
			tier_id = $2, coupon_id = $3, subscription_price = $4, discounted_price = $5,
			auto_renewal = $6, is_active = $7, trial_end_date = $8, expires_at = $9,
			grace_period_days = $10, retry_count = $11, status = $12, updated_at = $13
		WHERE id = $1 AND deleted_at IS NULL`,
		s.ID, s.TierID, s.CouponID, s.SubscriptionPrice, s.DiscountedPrice,
		s.AutoRenewal, s.IsActive, s.TrialEndDate, s.ExpiresAt,
		s.GracePeriodDays, s.RetryCount, string(s.Status), s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update subscription %d: %w", s.ID, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("failed to update subscription %d: %w", s.ID, err)
	} else if n == 0 {
		return subscriptions.ErrSubscriptionNotFound
	}
	return nil
}

func (q *queries) ListSubscriptions(ctx context.Context, f subscriptions.Filter) ([]*subscriptions.Subscription, error) {
	where, args := filterClause(f)
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE ` + where + ` ORDER BY id`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	var out []*subscriptions.Subscription
	if err := sqlx.SelectContext(ctx, q.ext, &out, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	return out, nil
}

// filterClause renders f as a WHERE clause with positional arguments
func filterClause(f subscriptions.Filter) (string, []interface{}) {
	clauses := []string{"deleted_at IS NULL"}
	var args []interface{}
	add := func(format string, arg interface{}) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(format, len(args)))
	}

	if f.UserID != nil {
		add("user_id = $%d", *f.UserID)
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		add("status = ANY($%d)", pq.Array(statuses))
	}
	if f.IsActive != nil {
		add("is_active = $%d", *f.IsActive)
	}
	if f.AutoRenewal != nil {
		add("auto_renewal = $%d", *f.AutoRenewal)
	}
	if f.ExpiresBefore != nil {
		add("expires_at <= $%d", *f.ExpiresBefore)
	}
	if f.ExpiresAfter != nil {
		add("expires_at >= $%d", *f.ExpiresAfter)
	}
	if f.TrialEndsBefore != nil {
		add("trial_end_date <= $%d", *f.TrialEndsBefore)
	}
	if f.TrialEndsAfter != nil {
		add("trial_end_date > $%d", *f.TrialEndsAfter)
	}
	if f.RetryCountBelow != nil {
		add("retry_count < $%d", *f.RetryCountBelow)
	}
	return strings.Join(clauses, " AND "), args
}

// Ledger

const transactionColumns = `id, subscription_id, user_id, amount, currency, status, type, description, reference, processed_at, created_at`

func (q *queries) InsertTransaction(ctx context.Context, t *ledger.Transaction) error {
	err := sqlx.GetContext(ctx, q.ext, &t.ID, `
		INSERT INTO subscription_transactions (subscription_id, user_id, amount, currency, status, type,
			description, reference, processed_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		t.SubscriptionID, t.UserID, t.Amount, t.Currency, string(t.Status), string(t.Type),
		t.Description, t.Reference, t.ProcessedAt, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

func (q *queries) GetTransaction(ctx context.Context, id int64) (*ledger.Transaction, error) {
	var t ledger.Transaction
	err := sqlx.GetContext(ctx, q.ext, &t, `SELECT `+transactionColumns+` FROM subscription_transactions WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction %d: %w", id, err)
	}
	return &t, nil
}

func (q *queries) UpdateTransactionStatus(ctx context.Context, id int64, status ledger.Status, processedAt *time.Time) error {
	res, err := q.ext.ExecContext(ctx,
		`UPDATE subscription_transactions SET status = $2, processed_at = $3 WHERE id = $1`,
		id, string(status), processedAt)
	if err != nil {
		return fmt.Errorf("failed to update transaction %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("failed to update transaction %d: %w", id, err)
	} else if n == 0 {
		return ledger.ErrTransactionNotFound
	}
	return nil
}

func (q *queries) ListTransactions(ctx context.Context, subscriptionID int64) ([]*ledger.Transaction, error) {
	var out []*ledger.Transaction
	err := sqlx.SelectContext(ctx, q.ext, &out,
		`SELECT `+transactionColumns+` FROM subscription_transactions WHERE subscription_id = $1 ORDER BY id`,
		subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return out, nil
}

// Notification log

func (q *queries) RecordNotification(ctx context.Context, r *notify.Record) error {
	err := sqlx.GetContext(ctx, q.ext, &r.ID, `
		INSERT INTO notification_log (subscription_id, user_id, kind, threshold_days, sent_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		r.SubscriptionID, r.UserID, string(r.Kind), r.ThresholdDays, r.SentAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record notification: %w", err)
	}
	return nil
}

func (q *queries) NotificationSentSince(ctx context.Context, subscriptionID int64, kind notify.Kind, thresholdDays int, since time.Time) (bool, error) {
	var sent bool
	err := sqlx.GetContext(ctx, q.ext, &sent, `
		SELECT EXISTS (
			SELECT 1 FROM notification_log
			WHERE subscription_id = $1 AND kind = $2 AND threshold_days = $3 AND sent_at >= $4
		)`, subscriptionID, string(kind), thresholdDays, since)
	if err != nil {
		return false, fmt.Errorf("failed to check notification log: %w", err)
	}
	return sent, nil
}

func (q *queries) DeleteNotificationsSince(ctx context.Context, subscriptionID int64, kind notify.Kind, thresholdDays int, since time.Time) error {
	_, err := q.ext.ExecContext(ctx, `
		DELETE FROM notification_log
		WHERE subscription_id = $1 AND kind = $2 AND threshold_days = $3 AND sent_at >= $4`,
		subscriptionID, string(kind), thresholdDays, since)
	if err != nil {
		return fmt.Errorf("failed to delete notifications: %w", err)
	}
	return nil
}
