package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
)

// RecordRequest describes a new ledger entry
type RecordRequest struct {
	SubscriptionID int64
	UserID         int64
	Amount         decimal.Decimal
	Type           Type
	Status         Status
	Description    string
}

// Ledger writes entries through a Repository. It is cheap to construct, so
// callers inside a database transaction build one over the transaction.
type Ledger struct {
	repo  Repository
	clock clockwork.Clock
}

// New creates a ledger over repo
func New(repo Repository, clock clockwork.Clock) *Ledger {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Ledger{repo: repo, clock: clock}
}

// Record appends an entry. Entries created in a final status get processed_at set.
func (l *Ledger) Record(ctx context.Context, req RecordRequest) (*Transaction, error) {
	if !req.Type.Valid() {
		return nil, fmt.Errorf("invalid transaction type %q", req.Type)
	}
	if req.Status == "" {
		req.Status = StatusPending
	}
	if !req.Status.Valid() {
		return nil, fmt.Errorf("invalid transaction status %q", req.Status)
	}
	if req.Amount.IsNegative() {
		return nil, fmt.Errorf("transaction amount must be >= 0, got %s", req.Amount)
	}

	now := l.clock.Now().UTC()
	txn := &Transaction{
		SubscriptionID: req.SubscriptionID,
		UserID:         req.UserID,
		Amount:         req.Amount.Round(2),
		Currency:       CurrencyUSD,
		Status:         req.Status,
		Type:           req.Type,
		Description:    req.Description,
		Reference:      uuid.NewString(),
		CreatedAt:      now,
	}
	if req.Status != StatusPending {
		txn.ProcessedAt = &now
	}

	if err := l.repo.InsertTransaction(ctx, txn); err != nil {
		return nil, fmt.Errorf("failed to record transaction: %w", err)
	}
	return txn, nil
}

// MarkCompleted settles a pending or failed entry
func (l *Ledger) MarkCompleted(ctx context.Context, id int64) (*Transaction, error) {
	return l.transition(ctx, id, StatusCompleted)
}

// MarkFailed records that the attempt did not go through
func (l *Ledger) MarkFailed(ctx context.Context, id int64) (*Transaction, error) {
	return l.transition(ctx, id, StatusFailed)
}

// ListForSubscription returns entries oldest first
func (l *Ledger) ListForSubscription(ctx context.Context, subscriptionID int64) ([]*Transaction, error) {
	txns, err := l.repo.ListTransactions(ctx, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return txns, nil
}

func (l *Ledger) transition(ctx context.Context, id int64, status Status) (*Transaction, error) {
	txn, err := l.repo.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if txn.Status == StatusRefunded {
		return nil, ErrImmutableTransaction
	}

	now := l.clock.Now().UTC()
	if err := l.repo.UpdateTransactionStatus(ctx, id, status, &now); err != nil {
		return nil, fmt.Errorf("failed to update transaction status: %w", err)
	}
	txn.Status = status
	txn.ProcessedAt = &now
	return txn, nil
}
