package api

import (
	"net/http"

	"github.com/platinummonkey/recur/pkg/httputil"
	"github.com/platinummonkey/recur/pkg/tiers"
)

// tierInvalidator is implemented by caching tier readers
type tierInvalidator interface {
	Invalidate(id int64)
}

// createTier handles POST /tiers. Tiers are keyed by their catalog id, so a
// repeated id replaces the existing entry.
func (s *Server) createTier(w http.ResponseWriter, r *http.Request) {
	if s.tierWriter == nil {
		httputil.WriteErrorMessage(w, http.StatusMethodNotAllowed, "tier catalog is read-only")
		return
	}

	var tier tiers.Tier
	if !httputil.ParseJSONOrError(w, r, &tier) {
		return
	}
	if !httputil.RequirePositive(w, tier.ID, "id") {
		return
	}
	if err := tier.Validate(); err != nil {
		badRequest(w, err.Error())
		return
	}

	if err := s.tierWriter.UpsertTier(r.Context(), &tier); err != nil {
		s.writeError(w, r, err)
		return
	}
	if inv, ok := s.tiers.(tierInvalidator); ok {
		inv.Invalidate(tier.ID)
	}

	stored, err := s.tiers.GetTier(r.Context(), tier.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteCreated(w, newTierResponse(stored))
}

// listTiers handles GET /tiers?active=true
func (s *Server) listTiers(w http.ResponseWriter, r *http.Request) {
	activeOnly, err := httputil.ParseQueryBool(r, "active", false)
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	list, err := s.tiers.ListTiers(r.Context(), activeOnly)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	out := make([]tierResponse, 0, len(list))
	for _, t := range list {
		out = append(out, newTierResponse(t))
	}
	httputil.WriteSuccess(w, out)
}

// getTier handles GET /tiers/{id}
func (s *Server) getTier(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	tier, err := s.tiers.GetTier(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, newTierResponse(tier))
}
