// Package subscriptions implements the subscription lifecycle: signup with
// optional coupon redemption, trial extension, cancellation, reactivation,
// tier changes and the status state machine.
//
// # Status
//
// Status is persisted on every transition. DeriveStatus computes the
// time-based label (trial, grace_period, expired...) from the dates on the
// row, and View exposes both so callers can tell a lapsed-but-not-yet-swept
// subscription from one the expiry pass has already closed.
//
//	trial ──(trial ends, charged)──> active ──(renewal declined)──> payment_failed
//	  │                                 │                               │
//	  └────────────(cancel)─────────────┴──> cancelled                  ├──(retry ok)──> active
//	                                                                    └──(retries exhausted)──> payment_failed_max_retries
//
// Any active row whose expiry plus grace has passed is moved to expired by
// the expiry pass in pkg/billing.
//
// # Transactions
//
// Create redeems the coupon, inserts the subscription and records the
// initial ledger entry in one Store transaction. Coupon redemption is a
// conditional increment, so concurrent signups cannot exceed a usage limit.
// Events are published only after the transaction commits.
//
// # Related Packages
//
//   - pkg/tiers: plan catalog
//   - pkg/coupons: discount rules
//   - pkg/billing: renewal, retry and expiry passes over the same Store
package subscriptions
