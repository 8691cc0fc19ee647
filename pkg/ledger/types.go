// Package ledger records payment attempts and their outcomes.
//
// The ledger is append-mostly: amount and type are fixed at creation, and
// only the status and processed_at of an entry change afterwards.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// CurrencyUSD is the only supported currency
const CurrencyUSD = "USD"

// Status is the outcome of a payment attempt
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusRefunded  Status = "refunded"
)

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusFailed, StatusRefunded:
		return true
	}
	return false
}

// Type classifies why money moved
type Type string

const (
	TypeInitial      Type = "initial"
	TypeRenewal      Type = "renewal"
	TypeRetryRenewal Type = "retry_renewal"
	TypeUpgrade      Type = "upgrade"
	TypeDowngrade    Type = "downgrade"
	TypeRefund       Type = "refund"
)

// Valid reports whether t is a known type
func (t Type) Valid() bool {
	switch t {
	case TypeInitial, TypeRenewal, TypeRetryRenewal, TypeUpgrade, TypeDowngrade, TypeRefund:
		return true
	}
	return false
}

var (
	ErrTransactionNotFound  = errors.New("transaction not found")
	ErrImmutableTransaction = errors.New("transaction can no longer change status")
)

// Transaction is a single ledger entry
type Transaction struct {
	ID             int64           `json:"id" db:"id"`
	SubscriptionID int64           `json:"subscription_id" db:"subscription_id"`
	UserID         int64           `json:"user_id" db:"user_id"`
	Amount         decimal.Decimal `json:"amount" db:"amount"`
	Currency       string          `json:"currency" db:"currency"`
	Status         Status          `json:"status" db:"status"`
	Type           Type            `json:"type" db:"type"`
	Description    string          `json:"description" db:"description"`
	Reference      string          `json:"reference" db:"reference"`
	ProcessedAt    *time.Time      `json:"processed_at,omitempty" db:"processed_at"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// Repository persists ledger entries
type Repository interface {
	InsertTransaction(ctx context.Context, t *Transaction) error
	GetTransaction(ctx context.Context, id int64) (*Transaction, error)
	UpdateTransactionStatus(ctx context.Context, id int64, status Status, processedAt *time.Time) error
	ListTransactions(ctx context.Context, subscriptionID int64) ([]*Transaction, error)
}
