// Package memory is an in-process implementation of the subscription store,
// used by tests and by single-node deployments without a database.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/platinummonkey/recur/pkg/coupons"
	"github.com/platinummonkey/recur/pkg/ledger"
	"github.com/platinummonkey/recur/pkg/notify"
	"github.com/platinummonkey/recur/pkg/subscriptions"
	"github.com/platinummonkey/recur/pkg/tiers"
)

// data holds every table. Transactions work on a copy and swap it in on commit.
type data struct {
	tiers         map[int64]*tiers.Tier
	coupons       map[int64]*coupons.Coupon
	subscriptions map[int64]*subscriptions.Subscription
	transactions  map[int64]*ledger.Transaction
	notifications []notify.Record

	nextCouponID       int64
	nextSubscriptionID int64
	nextTransactionID  int64
	nextNotificationID int64
}

func newData() *data {
	return &data{
		tiers:         make(map[int64]*tiers.Tier),
		coupons:       make(map[int64]*coupons.Coupon),
		subscriptions: make(map[int64]*subscriptions.Subscription),
		transactions:  make(map[int64]*ledger.Transaction),
	}
}

func (d *data) clone() *data {
	c := &data{
		tiers:              make(map[int64]*tiers.Tier, len(d.tiers)),
		coupons:            make(map[int64]*coupons.Coupon, len(d.coupons)),
		subscriptions:      make(map[int64]*subscriptions.Subscription, len(d.subscriptions)),
		transactions:       make(map[int64]*ledger.Transaction, len(d.transactions)),
		notifications:      append([]notify.Record(nil), d.notifications...),
		nextCouponID:       d.nextCouponID,
		nextSubscriptionID: d.nextSubscriptionID,
		nextTransactionID:  d.nextTransactionID,
		nextNotificationID: d.nextNotificationID,
	}
	for id, t := range d.tiers {
		c.tiers[id] = copyTier(t)
	}
	for id, cp := range d.coupons {
		c.coupons[id] = copyCoupon(cp)
	}
	for id, s := range d.subscriptions {
		c.subscriptions[id] = s.Clone()
	}
	for id, t := range d.transactions {
		c.transactions[id] = copyTransaction(t)
	}
	return c
}

// Store implements subscriptions.Store, tiers.Writer and notify.Repository.
// WithTx serialises transactions, so every transaction sees a consistent
// snapshot and commits atomically.
type Store struct {
	txMu sync.Mutex // held for the duration of a transaction
	mu   sync.RWMutex
	data *data
}

// New creates an empty store
func New() *Store {
	return &Store{data: newData()}
}

var _ subscriptions.Store = (*Store)(nil)

// WithTx runs fn against a private copy and commits it when fn returns nil
func (s *Store) WithTx(ctx context.Context, fn func(tx subscriptions.Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	working := s.data.clone()
	s.mu.RUnlock()

	if err := fn(&view{d: working}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.data = working
	s.mu.Unlock()
	return nil
}

// autocommit runs a single write as its own transaction
func (s *Store) autocommit(ctx context.Context, fn func(v *view) error) error {
	return s.WithTx(ctx, func(tx subscriptions.Tx) error {
		return fn(tx.(*view))
	})
}

// read runs fn against the committed data
func (s *Store) read(fn func(v *view) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&view{d: s.data})
}

// Tiers

func (s *Store) GetTier(ctx context.Context, id int64) (t *tiers.Tier, err error) {
	err = s.read(func(v *view) error { t, err = v.GetTier(ctx, id); return err })
	return t, err
}

func (s *Store) ListTiers(ctx context.Context, activeOnly bool) (out []*tiers.Tier, err error) {
	err = s.read(func(v *view) error { out, err = v.ListTiers(ctx, activeOnly); return err })
	return out, err
}

func (s *Store) UpsertTier(ctx context.Context, t *tiers.Tier) error {
	return s.autocommit(ctx, func(v *view) error { return v.upsertTier(t) })
}

// Coupons

func (s *Store) GetCoupon(ctx context.Context, id int64) (c *coupons.Coupon, err error) {
	err = s.read(func(v *view) error { c, err = v.GetCoupon(ctx, id); return err })
	return c, err
}

func (s *Store) GetCouponByCode(ctx context.Context, code string) (c *coupons.Coupon, err error) {
	err = s.read(func(v *view) error { c, err = v.GetCouponByCode(ctx, code); return err })
	return c, err
}

func (s *Store) CreateCoupon(ctx context.Context, c *coupons.Coupon) error {
	return s.autocommit(ctx, func(v *view) error { return v.CreateCoupon(ctx, c) })
}

func (s *Store) RedeemCoupon(ctx context.Context, id int64) (ok bool, err error) {
	err = s.autocommit(ctx, func(v *view) error { ok, err = v.RedeemCoupon(ctx, id); return err })
	return ok, err
}

func (s *Store) DeleteCoupon(ctx context.Context, id int64) error {
	return s.autocommit(ctx, func(v *view) error { return v.DeleteCoupon(ctx, id) })
}

// Subscriptions

func (s *Store) CreateSubscription(ctx context.Context, sub *subscriptions.Subscription) error {
	return s.autocommit(ctx, func(v *view) error { return v.CreateSubscription(ctx, sub) })
}

func (s *Store) GetSubscription(ctx context.Context, id int64) (sub *subscriptions.Subscription, err error) {
	err = s.read(func(v *view) error { sub, err = v.GetSubscription(ctx, id); return err })
	return sub, err
}

func (s *Store) LockSubscription(ctx context.Context, id int64) (*subscriptions.Subscription, error) {
	return s.GetSubscription(ctx, id)
}

func (s *Store) UpdateSubscription(ctx context.Context, sub *subscriptions.Subscription) error {
	return s.autocommit(ctx, func(v *view) error { return v.UpdateSubscription(ctx, sub) })
}

func (s *Store) ListSubscriptions(ctx context.Context, f subscriptions.Filter) (out []*subscriptions.Subscription, err error) {
	err = s.read(func(v *view) error { out, err = v.ListSubscriptions(ctx, f); return err })
	return out, err
}

// Ledger

func (s *Store) InsertTransaction(ctx context.Context, t *ledger.Transaction) error {
	return s.autocommit(ctx, func(v *view) error { return v.InsertTransaction(ctx, t) })
}

func (s *Store) GetTransaction(ctx context.Context, id int64) (t *ledger.Transaction, err error) {
	err = s.read(func(v *view) error { t, err = v.GetTransaction(ctx, id); return err })
	return t, err
}

func (s *Store) UpdateTransactionStatus(ctx context.Context, id int64, status ledger.Status, processedAt *time.Time) error {
	return s.autocommit(ctx, func(v *view) error { return v.UpdateTransactionStatus(ctx, id, status, processedAt) })
}

func (s *Store) ListTransactions(ctx context.Context, subscriptionID int64) (out []*ledger.Transaction, err error) {
	err = s.read(func(v *view) error { out, err = v.ListTransactions(ctx, subscriptionID); return err })
	return out, err
}

// Notification log

func (s *Store) RecordNotification(ctx context.Context, r *notify.Record) error {
	return s.autocommit(ctx, func(v *view) error {
		v.d.nextNotificationID++
		r.ID = v.d.nextNotificationID
		v.d.notifications = append(v.d.notifications, *r)
		return nil
	})
}

func (s *Store) NotificationSentSince(_ context.Context, subscriptionID int64, kind notify.Kind, thresholdDays int, since time.Time) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.data.notifications {
		if r.SubscriptionID == subscriptionID && r.Kind == kind && r.ThresholdDays == thresholdDays && !r.SentAt.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) DeleteNotificationsSince(ctx context.Context, subscriptionID int64, kind notify.Kind, thresholdDays int, since time.Time) error {
	return s.autocommit(ctx, func(v *view) error {
		kept := v.d.notifications[:0]
		for _, r := range v.d.notifications {
			if r.SubscriptionID == subscriptionID && r.Kind == kind && r.ThresholdDays == thresholdDays && !r.SentAt.Before(since) {
				continue
			}
			kept = append(kept, r)
		}
		v.d.notifications = kept
		return nil
	})
}

// view implements subscriptions.Tx over one snapshot
type view struct {
	d *data
}

func (v *view) GetTier(_ context.Context, id int64) (*tiers.Tier, error) {
	t, ok := v.d.tiers[id]
	if !ok {
		return nil, tiers.ErrTierNotFound
	}
	return copyTier(t), nil
}

func (v *view) ListTiers(_ context.Context, activeOnly bool) ([]*tiers.Tier, error) {
	out := make([]*tiers.Tier, 0, len(v.d.tiers))
	for _, t := range v.d.tiers {
		if activeOnly && !t.IsActive {
			continue
		}
		out = append(out, copyTier(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (v *view) upsertTier(t *tiers.Tier) error {
	if err := t.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	stored := copyTier(t)
	if existing, ok := v.d.tiers[t.ID]; ok {
		stored.CreatedAt = existing.CreatedAt
	} else {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	v.d.tiers[t.ID] = stored
	return nil
}

func (v *view) GetCoupon(_ context.Context, id int64) (*coupons.Coupon, error) {
	c, ok := v.d.coupons[id]
	if !ok {
		return nil, coupons.ErrCouponNotFound
	}
	return copyCoupon(c), nil
}

func (v *view) GetCouponByCode(_ context.Context, code string) (*coupons.Coupon, error) {
	for _, c := range v.d.coupons {
		if c.DeletedAt == nil && strings.EqualFold(c.Code, code) {
			return copyCoupon(c), nil
		}
	}
	return nil, coupons.ErrCouponNotFound
}

func (v *view) CreateCoupon(_ context.Context, c *coupons.Coupon) error {
	if err := c.Validate(); err != nil {
		return err
	}
	for _, existing := range v.d.coupons {
		if existing.DeletedAt == nil && strings.EqualFold(existing.Code, c.Code) {
			return coupons.ErrDuplicateCode
		}
	}
	v.d.nextCouponID++
	c.ID = v.d.nextCouponID
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	v.d.coupons[c.ID] = copyCoupon(c)
	return nil
}

func (v *view) RedeemCoupon(_ context.Context, id int64) (bool, error) {
	c, ok := v.d.coupons[id]
	if !ok || c.DeletedAt != nil {
		return false, nil
	}
	if c.UsageLimit != nil && c.UsageCount >= *c.UsageLimit {
		return false, nil
	}
	c.UsageCount++
	return true, nil
}

func (v *view) DeleteCoupon(_ context.Context, id int64) error {
	c, ok := v.d.coupons[id]
	if !ok || c.DeletedAt != nil {
		return coupons.ErrCouponNotFound
	}
	now := time.Now().UTC()
	c.DeletedAt = &now
	return nil
}

func (v *view) CreateSubscription(_ context.Context, sub *subscriptions.Subscription) error {
	v.d.nextSubscriptionID++
	sub.ID = v.d.nextSubscriptionID
	v.d.subscriptions[sub.ID] = sub.Clone()
	return nil
}

func (v *view) GetSubscription(_ context.Context, id int64) (*subscriptions.Subscription, error) {
	sub, ok := v.d.subscriptions[id]
	if !ok || sub.DeletedAt != nil {
		return nil, subscriptions.ErrSubscriptionNotFound
	}
	return sub.Clone(), nil
}

// LockSubscription needs no row lock: the whole transaction is serialised
func (v *view) LockSubscription(ctx context.Context, id int64) (*subscriptions.Subscription, error) {
	return v.GetSubscription(ctx, id)
}

func (v *view) UpdateSubscription(_ context.Context, sub *subscriptions.Subscription) error {
	existing, ok := v.d.subscriptions[sub.ID]
	if !ok || existing.DeletedAt != nil {
		return subscriptions.ErrSubscriptionNotFound
	}
	v.d.subscriptions[sub.ID] = sub.Clone()
	return nil
}

func (v *view) ListSubscriptions(_ context.Context, f subscriptions.Filter) ([]*subscriptions.Subscription, error) {
	var out []*subscriptions.Subscription
	for _, sub := range v.d.subscriptions {
		if sub.DeletedAt == nil && matches(sub, f) {
			out = append(out, sub.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (v *view) InsertTransaction(_ context.Context, t *ledger.Transaction) error {
	v.d.nextTransactionID++
	t.ID = v.d.nextTransactionID
	v.d.transactions[t.ID] = copyTransaction(t)
	return nil
}

func (v *view) GetTransaction(_ context.Context, id int64) (*ledger.Transaction, error) {
	t, ok := v.d.transactions[id]
	if !ok {
		return nil, ledger.ErrTransactionNotFound
	}
	return copyTransaction(t), nil
}

func (v *view) UpdateTransactionStatus(_ context.Context, id int64, status ledger.Status, processedAt *time.Time) error {
	t, ok := v.d.transactions[id]
	if !ok {
		return ledger.ErrTransactionNotFound
	}
	t.Status = status
	t.ProcessedAt = processedAt
	return nil
}

func (v *view) ListTransactions(_ context.Context, subscriptionID int64) ([]*ledger.Transaction, error) {
	var out []*ledger.Transaction
	for _, t := range v.d.transactions {
		if t.SubscriptionID == subscriptionID {
			out = append(out, copyTransaction(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func matches(s *subscriptions.Subscription, f subscriptions.Filter) bool {
	if f.UserID != nil && s.UserID != *f.UserID {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, st := range f.Statuses {
			if s.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.IsActive != nil && s.IsActive != *f.IsActive {
		return false
	}
	if f.AutoRenewal != nil && s.AutoRenewal != *f.AutoRenewal {
		return false
	}
	if f.ExpiresBefore != nil && (s.ExpiresAt == nil || s.ExpiresAt.After(*f.ExpiresBefore)) {
		return false
	}
	if f.ExpiresAfter != nil && (s.ExpiresAt == nil || s.ExpiresAt.Before(*f.ExpiresAfter)) {
		return false
	}
	if f.TrialEndsBefore != nil && (s.TrialEndDate == nil || s.TrialEndDate.After(*f.TrialEndsBefore)) {
		return false
	}
	if f.TrialEndsAfter != nil && (s.TrialEndDate == nil || !s.TrialEndDate.After(*f.TrialEndsAfter)) {
		return false
	}
	if f.RetryCountBelow != nil && s.RetryCount >= *f.RetryCountBelow {
		return false
	}
	return true
}

func copyTier(t *tiers.Tier) *tiers.Tier {
	c := *t
	return &c
}

func copyCoupon(c *coupons.Coupon) *coupons.Coupon {
	cp := *c
	cp.ApplicableTiers = append([]int64(nil), c.ApplicableTiers...)
	return &cp
}

func copyTransaction(t *ledger.Transaction) *ledger.Transaction {
	c := *t
	return &c
}

// HealthCheck always succeeds
func (s *Store) HealthCheck(context.Context) error { return nil }

// Close is a no-op
func (s *Store) Close() error { return nil }
