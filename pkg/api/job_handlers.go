package api

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/recur/pkg/billing"
	"github.com/platinummonkey/recur/pkg/httputil"
)

type jobsResponse struct {
	Jobs []billing.Job `json:"jobs"`
}

// listJobs handles GET /jobs
func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	httputil.WriteSuccess(w, jobsResponse{Jobs: billing.Jobs})
}

// runJob handles POST /jobs/{job}/run. Query params override runner
// defaults: dry_run, grace_period_days, max_retries, threshold_days.
func (s *Server) runJob(w http.ResponseWriter, r *http.Request) {
	job, err := billing.ParseJob(mux.Vars(r)["job"])
	if err != nil {
		httputil.WriteNotFound(w, err.Error())
		return
	}

	p, err := parseParams(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	report, err := s.runner.Run(r.Context(), job, p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, report)
}

func parseParams(r *http.Request) (billing.Params, error) {
	var (
		p   billing.Params
		err error
	)
	if p.DryRun, err = httputil.ParseQueryBool(r, "dry_run", false); err != nil {
		return p, err
	}
	if p.GracePeriodDays, err = nonNegative(r, "grace_period_days"); err != nil {
		return p, err
	}
	if p.MaxRetries, err = nonNegative(r, "max_retries"); err != nil {
		return p, err
	}
	if p.ThresholdDays, err = nonNegative(r, "threshold_days"); err != nil {
		return p, err
	}
	return p, nil
}

func nonNegative(r *http.Request, key string) (int, error) {
	v, err := httputil.ParseQueryInt(r, key, 0)
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, fmt.Errorf("%s must not be negative", key)
	}
	return v, nil
}
