// Package payments defines the payment gateway the billing passes charge through.
//
// Only a simulated gateway ships with the service. It approves a first
// renewal attempt with high probability and becomes less likely to succeed
// with every retry, which is enough to exercise the retry state machine end
// to end.
package payments

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// ChargeRequest describes a single charge attempt
type ChargeRequest struct {
	SubscriptionID int64
	UserID         int64
	Amount         decimal.Decimal
	Currency       string
	// RetryCount is the number of failed attempts already made for this period
	RetryCount int
	IsRetry    bool
}

// ChargeResult is the gateway's answer. A decline is a result, not an error.
type ChargeResult struct {
	Approved      bool
	Reference     string
	DeclineReason string
}

// Gateway charges subscriptions. Errors mean the outcome is unknown.
type Gateway interface {
	Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
}

// DefaultRenewalSuccessRate is the approval probability of a first renewal attempt
const DefaultRenewalSuccessRate = 0.95

// RetrySuccessRate is max(0.3, 1 - retryCount*0.2)
func RetrySuccessRate(retryCount int) float64 {
	return math.Max(0.3, 1-float64(retryCount)*0.2)
}

// Simulated approves charges at random
type Simulated struct {
	renewalRate float64

	mu   sync.Mutex
	rand func() float64
}

// NewSimulated creates a simulated gateway. A nil rand uses a time-seeded source.
func NewSimulated(renewalRate float64, random func() float64) *Simulated {
	if renewalRate <= 0 || renewalRate > 1 {
		renewalRate = DefaultRenewalSuccessRate
	}
	if random == nil {
		random = rand.New(rand.NewSource(time.Now().UnixNano())).Float64
	}
	return &Simulated{renewalRate: renewalRate, rand: random}
}

// SuccessRate returns the approval probability for req
func (s *Simulated) SuccessRate(req ChargeRequest) float64 {
	if req.IsRetry {
		return RetrySuccessRate(req.RetryCount)
	}
	return s.renewalRate
}

// Charge implements Gateway
func (s *Simulated) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Amount.IsNegative() {
		return nil, fmt.Errorf("charge amount must be >= 0, got %s", req.Amount)
	}

	s.mu.Lock()
	roll := s.rand()
	s.mu.Unlock()

	if roll < s.SuccessRate(req) {
		return &ChargeResult{Approved: true, Reference: "sim_" + uuid.NewString()}, nil
	}
	return &ChargeResult{Approved: false, DeclineReason: "card_declined"}, nil
}

// RateLimited bounds the charge throughput of an underlying gateway
type RateLimited struct {
	next    Gateway
	limiter *rate.Limiter
}

// NewRateLimited allows perSecond charges with the given burst
func NewRateLimited(next Gateway, perSecond float64, burst int) *RateLimited {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimited{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Charge waits for a token, then charges
func (r *RateLimited) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("failed to acquire charge slot: %w", err)
	}
	return r.next.Charge(ctx, req)
}

// Func adapts a function to Gateway
type Func func(ctx context.Context, req ChargeRequest) (*ChargeResult, error)

// Charge implements Gateway
func (f Func) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	return f(ctx, req)
}
