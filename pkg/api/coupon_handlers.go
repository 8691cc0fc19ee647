package api

import (
	"net/http"

	"github.com/platinummonkey/recur/pkg/coupons"
	"github.com/platinummonkey/recur/pkg/httputil"
)

// createCoupon handles POST /coupons
func (s *Server) createCoupon(w http.ResponseWriter, r *http.Request) {
	var c coupons.Coupon
	if !httputil.ParseJSONOrError(w, r, &c) {
		return
	}
	c.ID = 0
	c.UsageCount = 0
	c.DeletedAt = nil
	if err := c.Validate(); err != nil {
		badRequest(w, err.Error())
		return
	}

	if err := s.coupons.CreateCoupon(r.Context(), &c); err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteCreated(w, c)
}

// getCoupon handles GET /coupons/{id}
func (s *Server) getCoupon(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	c, err := s.coupons.GetCoupon(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, c)
}

// deleteCoupon handles DELETE /coupons/{id}
func (s *Server) deleteCoupon(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	if err := s.coupons.DeleteCoupon(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// previewCoupon handles GET /coupons/{code}/preview?tier_id=&amount=
func (s *Server) previewCoupon(w http.ResponseWriter, r *http.Request) {
	code, ok := httputil.ParsePathStringOrError(w, r, "code")
	if !ok {
		return
	}
	tierID, err := httputil.ParseQueryInt64(r, "tier_id", 0)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	if !httputil.RequirePositive(w, tierID, "tier_id") {
		return
	}
	amount, err := httputil.ParseQueryDecimal(r, "amount")
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	if amount.IsNegative() {
		badRequest(w, "amount must be >= 0")
		return
	}

	c, err := s.coupons.GetCouponByCode(r.Context(), code)
	if err != nil {
		s.writeCouponError(w, r, err)
		return
	}
	if err := coupons.Check(c, tierID, amount, s.clock.Now()); err != nil {
		s.writeCouponError(w, r, err)
		return
	}

	httputil.WriteSuccess(w, couponPreviewResponse{
		Code:            c.Code,
		TierID:          tierID,
		OriginalAmount:  amount,
		Discount:        coupons.CalculateDiscount(c, amount),
		DiscountedPrice: coupons.Apply(c, amount),
	})
}
