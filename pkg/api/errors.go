package api

import (
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/recur/pkg/coupons"
	"github.com/platinummonkey/recur/pkg/httputil"
	"github.com/platinummonkey/recur/pkg/ledger"
	"github.com/platinummonkey/recur/pkg/observability"
	"github.com/platinummonkey/recur/pkg/subscriptions"
	"github.com/platinummonkey/recur/pkg/tiers"
)

// couponReasons maps coupon engine failures onto lifecycle validation errors
var couponReasons = []struct {
	err    error
	mapped *subscriptions.ValidationError
}{
	{coupons.ErrCouponNotFound, subscriptions.ErrInvalidCoupon},
	{coupons.ErrInvalidCoupon, subscriptions.ErrInvalidCoupon},
	{coupons.ErrCouponNotApplicable, subscriptions.ErrCouponNotApplicable},
	{coupons.ErrMinimumAmountNotMet, subscriptions.ErrMinimumAmountNotMet},
	{coupons.ErrCouponExhausted, subscriptions.ErrCouponExhausted},
}

// writeError maps a domain error onto a status code and writes it
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *subscriptions.ValidationError
	if errors.As(err, &verr) {
		status := http.StatusBadRequest
		if verr.Reason == subscriptions.ReasonCouponExhausted {
			status = http.StatusConflict
		}
		httputil.WriteReasonError(w, status, string(verr.Reason), verr.Message)
		return
	}

	switch {
	case errors.Is(err, subscriptions.ErrSubscriptionNotFound),
		errors.Is(err, tiers.ErrTierNotFound),
		errors.Is(err, coupons.ErrCouponNotFound),
		errors.Is(err, ledger.ErrTransactionNotFound):
		httputil.WriteNotFound(w, err.Error())
	case errors.Is(err, coupons.ErrDuplicateCode):
		httputil.WriteConflict(w, err.Error())
	default:
		entry := s.logger.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"request_id": observability.GetRequestID(r.Context()),
		})
		observability.WithTraceContext(r.Context(), entry).WithError(err).Error("Request failed")
		httputil.WriteInternalError(w)
	}
}

// writeCouponError maps coupon engine errors for the preview endpoint
func (s *Server) writeCouponError(w http.ResponseWriter, r *http.Request, err error) {
	for _, m := range couponReasons {
		if errors.Is(err, m.err) {
			s.writeError(w, r, m.mapped)
			return
		}
	}
	s.writeError(w, r, err)
}

// badRequest writes a 400 with the invalid_request reason
func badRequest(w http.ResponseWriter, message string) {
	httputil.WriteReasonError(w, http.StatusBadRequest, string(subscriptions.ReasonInvalidRequest), message)
}
