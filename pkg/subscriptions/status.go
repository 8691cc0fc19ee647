package subscriptions

import "time"

// GraceEnd returns the last instant of the grace window, or nil without an expiry
func GraceEnd(s *Subscription) *time.Time {
	return GraceEndWith(s, s.GracePeriodDays)
}

// GraceEndWith is GraceEnd with an explicit grace length
func GraceEndWith(s *Subscription, graceDays int) *time.Time {
	if s.ExpiresAt == nil {
		return nil
	}
	end := s.ExpiresAt.AddDate(0, 0, graceDays)
	return &end
}

// DeriveStatus computes the time-based status at now. The grace window is
// (expires_at, expires_at+grace] inclusive of its end.
func DeriveStatus(s *Subscription, now time.Time) Status {
	if s.TrialEndDate != nil && now.Before(*s.TrialEndDate) {
		return StatusTrial
	}
	if s.ExpiresAt != nil && now.After(*s.ExpiresAt) {
		if !now.After(*GraceEnd(s)) {
			return StatusGracePeriod
		}
		return StatusExpired
	}
	if !s.IsActive {
		return StatusCancelled
	}
	return StatusActive
}

// PastGrace reports whether now is beyond expires_at plus graceDays
func PastGrace(s *Subscription, graceDays int, now time.Time) bool {
	end := GraceEndWith(s, graceDays)
	return end != nil && now.After(*end)
}

// InTrial reports whether the trial is still running at now
func InTrial(s *Subscription, now time.Time) bool {
	return s.TrialEndDate != nil && now.Before(*s.TrialEndDate)
}
