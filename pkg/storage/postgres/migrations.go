package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

type migration struct {
	version int
	name    string
	stmts   []string
}

var migrations = []migration{
	{
		version: 1,
		name:    "subscriptions",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS subscription_tiers (
				id                   BIGINT PRIMARY KEY,
				name                 TEXT NOT NULL,
				price                NUMERIC(12, 2) NOT NULL CHECK (price >= 0),
				billing_duration     TEXT NOT NULL,
				trial_period_days    INTEGER NOT NULL DEFAULT 0 CHECK (trial_period_days >= 0),
				max_trial_extensions INTEGER NOT NULL DEFAULT 0 CHECK (max_trial_extensions >= 0),
				is_active            BOOLEAN NOT NULL DEFAULT TRUE,
				created_at           TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at           TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`,
			`CREATE TABLE IF NOT EXISTS coupons (
				id               BIGSERIAL PRIMARY KEY,
				code             TEXT NOT NULL,
				discount_type    TEXT NOT NULL CHECK (discount_type IN ('percentage', 'fixed')),
				discount_value   NUMERIC(12, 2) NOT NULL CHECK (discount_value >= 0),
				minimum_amount   NUMERIC(12, 2),
				maximum_discount NUMERIC(12, 2),
				usage_limit      INTEGER CHECK (usage_limit >= 0),
				usage_count      INTEGER NOT NULL DEFAULT 0,
				starts_at        TIMESTAMPTZ,
				expires_at       TIMESTAMPTZ,
				is_active        BOOLEAN NOT NULL DEFAULT TRUE,
				created_at       TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at       TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
				deleted_at       TIMESTAMPTZ
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS coupons_code_live_idx ON coupons (lower(code)) WHERE deleted_at IS NULL`,
			`CREATE TABLE IF NOT EXISTS coupon_tiers (
				coupon_id BIGINT NOT NULL REFERENCES coupons (id) ON DELETE CASCADE,
				tier_id   BIGINT NOT NULL REFERENCES subscription_tiers (id),
				PRIMARY KEY (coupon_id, tier_id)
			)`,
			`CREATE TABLE IF NOT EXISTS subscriptions (
				id                 BIGSERIAL PRIMARY KEY,
				user_id            BIGINT NOT NULL,
				tier_id            BIGINT NOT NULL REFERENCES subscription_tiers (id),
				coupon_id          BIGINT REFERENCES coupons (id),
				subscription_price NUMERIC(12, 2) NOT NULL,
				discounted_price   NUMERIC(12, 2) NOT NULL,
				auto_renewal       BOOLEAN NOT NULL DEFAULT TRUE,
				is_active          BOOLEAN NOT NULL DEFAULT TRUE,
				trial_end_date     TIMESTAMPTZ,
				expires_at         TIMESTAMPTZ,
				grace_period_days  INTEGER NOT NULL DEFAULT 7,
				retry_count        INTEGER NOT NULL DEFAULT 0,
				status             TEXT NOT NULL,
				created_at         TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at         TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
				deleted_at         TIMESTAMPTZ
			)`,
			`CREATE INDEX IF NOT EXISTS subscriptions_user_idx ON subscriptions (user_id) WHERE deleted_at IS NULL`,
			`CREATE INDEX IF NOT EXISTS subscriptions_status_expires_idx ON subscriptions (status, expires_at) WHERE deleted_at IS NULL`,
			`CREATE INDEX IF NOT EXISTS subscriptions_trial_end_idx ON subscriptions (trial_end_date) WHERE deleted_at IS NULL AND trial_end_date IS NOT NULL`,
			`CREATE TABLE IF NOT EXISTS subscription_transactions (
				id              BIGSERIAL PRIMARY KEY,
				subscription_id BIGINT NOT NULL REFERENCES subscriptions (id),
				user_id         BIGINT NOT NULL,
				amount          NUMERIC(12, 2) NOT NULL CHECK (amount >= 0),
				currency        TEXT NOT NULL DEFAULT 'USD',
				status          TEXT NOT NULL,
				type            TEXT NOT NULL,
				description     TEXT NOT NULL DEFAULT '',
				reference       TEXT NOT NULL UNIQUE,
				processed_at    TIMESTAMPTZ,
				created_at      TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`,
			`CREATE INDEX IF NOT EXISTS subscription_transactions_subscription_idx ON subscription_transactions (subscription_id)`,
		},
	},
	{
		version: 2,
		name:    "notification_log",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS notification_log (
				id              BIGSERIAL PRIMARY KEY,
				subscription_id BIGINT NOT NULL REFERENCES subscriptions (id),
				user_id         BIGINT NOT NULL,
				kind            TEXT NOT NULL,
				threshold_days  INTEGER NOT NULL DEFAULT 0,
				sent_at         TIMESTAMPTZ NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS notification_log_lookup_idx ON notification_log (subscription_id, kind, threshold_days, sent_at)`,
		},
	},
}

// Migrate applies every migration newer than the recorded schema version.
// Each migration runs in its own transaction.
func Migrate(ctx context.Context, db *sqlx.DB, logger *logrus.Logger) error {
	if logger == nil {
		logger = logrus.New()
	}

	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		name       TEXT NOT NULL,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	var current int
	if err := db.GetContext(ctx, &current, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := apply(ctx, db, m); err != nil {
			return err
		}
		logger.WithFields(logrus.Fields{"version": m.version, "name": m.name}).Info("Applied migration")
	}
	return nil
}

func apply(ctx context.Context, db *sqlx.DB, m migration) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin migration %d: %w", m.version, err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, stmt := range m.stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", m.version, m.name, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`, m.version, m.name); err != nil {
		return fmt.Errorf("failed to record migration %d: %w", m.version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration %d: %w", m.version, err)
	}
	return nil
}
