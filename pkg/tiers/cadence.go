package tiers

import "time"

// BillingIntervalDays maps the cadence to whole days.
// Hourly and 6-hourly cadences map to 0.
func BillingIntervalDays(t *Tier) int {
	switch t.BillingDuration {
	case DurationHourly, DurationSixHourly:
		return 0
	case DurationDaily:
		return 1
	case DurationWeekly:
		return 7
	case DurationMonthly:
		return 30
	case DurationSixMonthly:
		return 180
	case DurationYearly:
		return 365
	default:
		return 30
	}
}

// HasTrial reports whether new subscriptions to t start in trial
func HasTrial(t *Tier) bool {
	return t.TrialPeriodDays > 0
}

// TrialEndDate returns when a trial started at from ends, or nil without a trial
func TrialEndDate(t *Tier, from time.Time) *time.Time {
	if !HasTrial(t) {
		return nil
	}
	end := from.AddDate(0, 0, t.TrialPeriodDays)
	return &end
}

// Advance moves from forward by one cadence unit
func Advance(t *Tier, from time.Time) time.Time {
	switch t.BillingDuration {
	case DurationHourly:
		return from.Add(time.Hour)
	case DurationSixHourly:
		return from.Add(6 * time.Hour)
	case DurationDaily:
		return from.AddDate(0, 0, 1)
	case DurationWeekly:
		return from.AddDate(0, 0, 7)
	case DurationMonthly:
		return from.AddDate(0, 1, 0)
	case DurationSixMonthly:
		return from.AddDate(0, 6, 0)
	case DurationYearly:
		return from.AddDate(1, 0, 0)
	default:
		return from.AddDate(0, 1, 0)
	}
}
