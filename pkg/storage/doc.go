// Package storage selects and opens the persistence backend for subscriptions.
//
// # Backends
//
// The memory backend keeps every table in process and serialises
// transactions. It backs tests and single-node deployments that can afford
// to lose state on restart.
//
// The postgres backend stores tiers, coupons, subscriptions, the ledger and
// the notification log in PostgreSQL through sqlx. Row locks taken with
// SELECT ... FOR UPDATE keep billing passes and lifecycle calls from
// interleaving on the same subscription, and coupon redemption is a single
// conditional UPDATE so concurrent redemptions never exceed the usage limit.
// Listings outside a transaction may be served by a read replica.
//
//	backend, err := storage.Open(ctx, storage.Config{
//		Type:        "postgres",
//		PostgresURL: "postgres://localhost/recur?sslmode=disable",
//		AutoMigrate: true,
//	}, logger)
//
// # Redis
//
// Redis is optional. When configured, NewRedisClient builds the shared client
// used for billing job locks, notification de-duplication and the event bus.
//
// # Tier cache
//
// Tier lookups are read-heavy and rarely change, so Open wraps the backend's
// tier reader in an expiring LRU (tiers.CachedReader) when TierCacheTTL is set.
package storage
