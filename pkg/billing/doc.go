// Package billing runs the recurring billing passes over subscriptions.
//
// # Passes
//
//   - renewals: charges active auto-renewing subscriptions whose period has
//     ended, and converts finished trials into paid periods
//   - retries: re-attempts payment_failed subscriptions with a decaying
//     success rate until max retries, then parks them in
//     payment_failed_max_retries with auto-renewal off
//   - cleanup: expires active subscriptions past their grace period
//   - expiring, trial-ending: publishes at most one notice per subscription
//     and threshold per day
//
// Every pass takes a named lock so overlapping runs of the same job are
// skipped, selects its candidates, and then processes each row in its own
// store transaction with a per-row timeout. The row is re-read under lock and
// re-checked before it is touched, so a row another pass changed in the
// meantime is left alone. A failing row rolls back on its own and is counted
// in the report; the rest of the batch carries on. Events are published only
// after a row commits.
//
// Dry runs select and report but never charge, write or publish.
//
// # Scheduling
//
// Scheduler wires the passes into robfig/cron with the default daily times
// (renewals 02:00, retries 03:00, cleanup 04:00, trial-ending 10:00,
// expiring 11:00 UTC). cmd/recur-scheduler can also run a single pass once.
package billing
