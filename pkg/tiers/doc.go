// Package tiers defines the purchasable plans a subscription is billed against.
//
// A tier fixes the price, the billing cadence, the trial length and how many
// times a trial may be extended. Tiers are created by admin tooling (see
// LoadFile and Seed) and are only ever read by the subscription lifecycle.
//
// # Cadence arithmetic
//
// Two helpers turn a cadence into time:
//
//   - BillingIntervalDays returns a whole number of days and collapses the
//     hourly and 6-hourly cadences to 0. Subscription creation uses it.
//   - Advance moves a timestamp forward by one cadence unit and handles the
//     sub-daily cadences with hour arithmetic. Renewals use it.
//
// The two disagree for sub-daily tiers. That is deliberate until product
// settles how sub-daily plans should open their first period.
//
// # Related Packages
//
//   - pkg/subscriptions: lifecycle operations that read tiers
//   - pkg/billing: renewal passes that advance expiry by the tier cadence
package tiers
