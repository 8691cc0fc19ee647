package api

import (
	"net/http"

	"github.com/platinummonkey/recur/pkg/httputil"
	"github.com/platinummonkey/recur/pkg/subscriptions"
)

func (s *Server) views(subs []*subscriptions.Subscription) listResponse {
	now := s.clock.Now()
	out := make([]subscriptions.View, 0, len(subs))
	for _, sub := range subs {
		out = append(out, subscriptions.Describe(sub, now))
	}
	return listResponse{Subscriptions: out, Count: len(out)}
}

func (s *Server) view(sub *subscriptions.Subscription) subscriptions.View {
	return subscriptions.Describe(sub, s.clock.Now())
}

// createSubscription handles POST /subscriptions
func (s *Server) createSubscription(w http.ResponseWriter, r *http.Request) {
	var req subscriptions.CreateRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	sub, err := s.subs.Create(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteCreated(w, s.view(sub))
}

// getSubscription handles GET /subscriptions/{id}
func (s *Server) getSubscription(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	v, err := s.subs.Describe(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, v)
}

// listSubscriptions handles GET /subscriptions?status=. Without a status it
// lists active subscriptions that have not lapsed past grace.
func (s *Server) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	var (
		subs []*subscriptions.Subscription
		err  error
	)
	if status := r.URL.Query().Get("status"); status != "" {
		st := subscriptions.Status(status)
		if !st.Valid() {
			badRequest(w, "invalid status: "+status)
			return
		}
		subs, err = s.subs.ListByStatus(r.Context(), st)
	} else {
		subs, err = s.subs.ListActive(r.Context())
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, s.views(subs))
}

// userSubscriptions handles GET /users/{user_id}/subscriptions
func (s *Server) userSubscriptions(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathInt64OrError(w, r, "user_id")
	if !ok {
		return
	}

	subs, err := s.subs.ListByUser(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, s.views(subs))
}

// expiringSoon handles GET /subscriptions/expiring-soon?days=7
func (s *Server) expiringSoon(w http.ResponseWriter, r *http.Request) {
	days, err := httputil.ParseQueryInt(r, "days", 7)
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	subs, err := s.subs.ExpiringSoon(r.Context(), days)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, s.views(subs))
}

// trialEndingSoon handles GET /subscriptions/trial-ending-soon?days=3
func (s *Server) trialEndingSoon(w http.ResponseWriter, r *http.Request) {
	days, err := httputil.ParseQueryInt(r, "days", 3)
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	subs, err := s.subs.TrialEndingSoon(r.Context(), days)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, s.views(subs))
}

// updateSubscription handles PUT /subscriptions/{id}
func (s *Server) updateSubscription(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req updateSubscriptionRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.TierID == nil && req.AutoRenewal == nil && req.IsActive == nil {
		badRequest(w, "nothing to update")
		return
	}

	ctx := r.Context()
	if req.TierID != nil {
		if _, err := s.subs.Upgrade(ctx, id, *req.TierID); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	if req.AutoRenewal != nil {
		if _, err := s.subs.SetAutoRenewal(ctx, id, *req.AutoRenewal); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	if req.IsActive != nil {
		var err error
		if *req.IsActive {
			_, _, err = s.subs.Reactivate(ctx, id)
		} else {
			_, err = s.subs.Cancel(ctx, id)
		}
		if err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	v, err := s.subs.Describe(ctx, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, v)
}

// cancelSubscription handles POST /subscriptions/{id}/cancel and DELETE /subscriptions/{id}
func (s *Server) cancelSubscription(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	sub, err := s.subs.Cancel(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, s.view(sub))
}

// reactivateSubscription handles POST /subscriptions/{id}/reactivate
func (s *Server) reactivateSubscription(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	sub, reactivated, err := s.subs.Reactivate(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !reactivated {
		httputil.WriteReasonError(w, http.StatusBadRequest, "already_active", "Subscription is already active")
		return
	}
	httputil.WriteSuccess(w, reactivateResponse{Reactivated: true, Subscription: s.view(sub)})
}

// extendTrial handles POST /subscriptions/{id}/extend-trial
func (s *Server) extendTrial(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req extendTrialRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	extended, err := s.subs.ExtendTrial(r.Context(), id, req.Days)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !extended {
		httputil.WriteReasonError(w, http.StatusBadRequest, "trial_extension_not_allowed", "Failed to extend trial")
		return
	}

	v, err := s.subs.Describe(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, extendTrialResponse{Extended: true, Subscription: v})
}

// upgradeSubscription handles POST /subscriptions/{id}/upgrade
func (s *Server) upgradeSubscription(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req upgradeRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequirePositive(w, req.TierID, "tier_id") {
		return
	}

	sub, err := s.subs.Upgrade(r.Context(), id, req.TierID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, s.view(sub))
}

// setAutoRenewal handles PUT /subscriptions/{id}/auto-renewal
func (s *Server) setAutoRenewal(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req autoRenewalRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.AutoRenewal == nil {
		badRequest(w, "auto_renewal is required")
		return
	}

	sub, err := s.subs.SetAutoRenewal(r.Context(), id, *req.AutoRenewal)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, s.view(sub))
}

// nextBillingDate handles GET /subscriptions/{id}/next-billing-date
func (s *Server) nextBillingDate(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	next, err := s.subs.NextBillingDate(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, nextBillingDateResponse{SubscriptionID: id, NextBillingDate: next})
}

// listTransactions handles GET /subscriptions/{id}/transactions
func (s *Server) listTransactions(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	txs, err := s.subs.Transactions(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, txs)
}
