package tiers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrTierNotFound is returned when a tier id does not exist
var ErrTierNotFound = errors.New("tier not found")

// BillingDuration is the cadence a tier is billed at
type BillingDuration string

const (
	DurationHourly     BillingDuration = "hourly"
	DurationSixHourly  BillingDuration = "6-hourly"
	DurationDaily      BillingDuration = "daily"
	DurationWeekly     BillingDuration = "weekly"
	DurationMonthly    BillingDuration = "monthly"
	DurationSixMonthly BillingDuration = "6-monthly"
	DurationYearly     BillingDuration = "yearly"
)

// legacyLabels maps the labels admin tooling historically stored
var legacyLabels = map[string]BillingDuration{
	"every 1 hr":  DurationHourly,
	"every 6 hrs": DurationSixHourly,
	"day":         DurationDaily,
	"week":        DurationWeekly,
	"month":       DurationMonthly,
	"6 months":    DurationSixMonthly,
	"year":        DurationYearly,
}

// ParseBillingDuration accepts a canonical duration or a legacy label
func ParseBillingDuration(s string) (BillingDuration, error) {
	d := BillingDuration(strings.TrimSpace(s))
	if d.Valid() {
		return d, nil
	}
	if legacy, ok := legacyLabels[strings.ToLower(strings.TrimSpace(s))]; ok {
		return legacy, nil
	}
	return "", fmt.Errorf("unknown billing duration %q", s)
}

// Valid reports whether d is one of the fixed cadences
func (d BillingDuration) Valid() bool {
	switch d {
	case DurationHourly, DurationSixHourly, DurationDaily, DurationWeekly,
		DurationMonthly, DurationSixMonthly, DurationYearly:
		return true
	}
	return false
}

// Label returns the human readable cadence shown on invoices and receipts
func (d BillingDuration) Label() string {
	switch d {
	case DurationHourly:
		return "Every 1 hr"
	case DurationSixHourly:
		return "Every 6 hrs"
	case DurationDaily:
		return "Daily"
	case DurationWeekly:
		return "Weekly"
	case DurationMonthly:
		return "Monthly"
	case DurationSixMonthly:
		return "Every 6 months"
	case DurationYearly:
		return "Yearly"
	default:
		return string(d)
	}
}

// UnmarshalText lets catalog files and JSON bodies use legacy labels
func (d *BillingDuration) UnmarshalText(text []byte) error {
	parsed, err := ParseBillingDuration(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Scan normalises legacy labels read from the database
func (d *BillingDuration) Scan(src interface{}) error {
	var s string
	switch v := src.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		return fmt.Errorf("cannot scan %T into BillingDuration", src)
	}
	return d.UnmarshalText([]byte(s))
}

// Tier represents a purchasable plan
type Tier struct {
	ID                 int64           `json:"id" db:"id" yaml:"id"`
	Name               string          `json:"name" db:"name" yaml:"name"`
	Price              decimal.Decimal `json:"price" db:"price" yaml:"price"`
	BillingDuration    BillingDuration `json:"billing_duration" db:"billing_duration" yaml:"billing_duration"`
	TrialPeriodDays    int             `json:"trial_period_days" db:"trial_period_days" yaml:"trial_period_days"`
	MaxTrialExtensions int             `json:"max_trial_extensions" db:"max_trial_extensions" yaml:"max_trial_extensions"`
	IsActive           bool            `json:"is_active" db:"is_active" yaml:"is_active"`
	CreatedAt          time.Time       `json:"created_at" db:"created_at" yaml:"-"`
	UpdatedAt          time.Time       `json:"updated_at" db:"updated_at" yaml:"-"`
}

// Validate checks the tier invariants
func (t *Tier) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return errors.New("tier name is required")
	}
	if t.Price.IsNegative() {
		return fmt.Errorf("tier %q: price must be >= 0", t.Name)
	}
	if !t.BillingDuration.Valid() {
		return fmt.Errorf("tier %q: invalid billing duration %q", t.Name, t.BillingDuration)
	}
	if t.TrialPeriodDays < 0 {
		return fmt.Errorf("tier %q: trial_period_days must be >= 0", t.Name)
	}
	if t.MaxTrialExtensions < 0 {
		return fmt.Errorf("tier %q: max_trial_extensions must be >= 0", t.Name)
	}
	return nil
}

// Reader provides read access to the catalog
type Reader interface {
	GetTier(ctx context.Context, id int64) (*Tier, error)
	ListTiers(ctx context.Context, activeOnly bool) ([]*Tier, error)
}

// Writer persists catalog entries
type Writer interface {
	UpsertTier(ctx context.Context, tier *Tier) error
}
