package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/recur/pkg/billing"
	"github.com/platinummonkey/recur/pkg/coupons"
	"github.com/platinummonkey/recur/pkg/httputil"
	"github.com/platinummonkey/recur/pkg/observability"
	"github.com/platinummonkey/recur/pkg/subscriptions"
	"github.com/platinummonkey/recur/pkg/tiers"
)

// maxBodyBytes bounds JSON request bodies
const maxBodyBytes = 1 << 20

// Deps are the collaborators served by the API
type Deps struct {
	Subscriptions *subscriptions.Service
	Tiers         tiers.Reader
	TierWriter    tiers.Writer
	Coupons       coupons.Repository
	// Runner is optional. Without it /jobs routes are not registered.
	Runner *billing.Runner

	// Health, Gatherer and Metrics are optional
	Health   *observability.HealthChecker
	Gatherer prometheus.Gatherer
	Metrics  *observability.Metrics

	// Middleware wraps the API inside request logging, e.g. rate limiting
	Middleware []func(http.Handler) http.Handler

	Clock  clockwork.Clock
	Logger *logrus.Logger
}

// Server represents our API server
type Server struct {
	subs       *subscriptions.Service
	tiers      tiers.Reader
	tierWriter tiers.Writer
	coupons    coupons.Repository
	runner     *billing.Runner
	middleware []func(http.Handler) http.Handler
	clock      clockwork.Clock
	logger     *logrus.Logger
	router     *mux.Router
}

// NewServer creates a new API server
func NewServer(deps Deps) *Server {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Logger == nil {
		deps.Logger = logrus.New()
	}

	s := &Server{
		subs:       deps.Subscriptions,
		tiers:      deps.Tiers,
		tierWriter: deps.TierWriter,
		coupons:    deps.Coupons,
		runner:     deps.Runner,
		middleware: deps.Middleware,
		clock:      deps.Clock,
		logger:     deps.Logger,
		router:     mux.NewRouter(),
	}

	if deps.Metrics != nil {
		s.router.Use(observability.HTTPMetricsMiddleware(deps.Metrics))
	}
	s.setupRoutes()

	if deps.Health != nil {
		observability.RegisterHealthRoutes(s.router, deps.Health)
		s.router.HandleFunc("/ready", deps.Health.Readiness).Methods(http.MethodGet)
	}
	if deps.Gatherer != nil {
		observability.RegisterMetricsEndpoint(s.router, deps.Gatherer)
	}
	return s
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes() {
	// Tier catalog
	s.router.HandleFunc("/tiers", s.createTier).Methods(http.MethodPost)
	s.router.HandleFunc("/tiers", s.listTiers).Methods(http.MethodGet)
	s.router.HandleFunc("/tiers/{id:[0-9]+}", s.getTier).Methods(http.MethodGet)

	// Coupons
	s.router.HandleFunc("/coupons", s.createCoupon).Methods(http.MethodPost)
	s.router.HandleFunc("/coupons/{id:[0-9]+}", s.getCoupon).Methods(http.MethodGet)
	s.router.HandleFunc("/coupons/{id:[0-9]+}", s.deleteCoupon).Methods(http.MethodDelete)
	s.router.HandleFunc("/coupons/{code}/preview", s.previewCoupon).Methods(http.MethodGet)

	// Subscription queries
	s.router.HandleFunc("/subscriptions", s.createSubscription).Methods(http.MethodPost)
	s.router.HandleFunc("/subscriptions", s.listSubscriptions).Methods(http.MethodGet)
	s.router.HandleFunc("/subscriptions/expiring-soon", s.expiringSoon).Methods(http.MethodGet)
	s.router.HandleFunc("/subscriptions/trial-ending-soon", s.trialEndingSoon).Methods(http.MethodGet)
	s.router.HandleFunc("/users/{user_id:[0-9]+}/subscriptions", s.userSubscriptions).Methods(http.MethodGet)

	// Single subscription
	s.router.HandleFunc("/subscriptions/{id:[0-9]+}", s.getSubscription).Methods(http.MethodGet)
	s.router.HandleFunc("/subscriptions/{id:[0-9]+}", s.updateSubscription).Methods(http.MethodPut)
	s.router.HandleFunc("/subscriptions/{id:[0-9]+}", s.cancelSubscription).Methods(http.MethodDelete)
	s.router.HandleFunc("/subscriptions/{id:[0-9]+}/cancel", s.cancelSubscription).Methods(http.MethodPost)
	s.router.HandleFunc("/subscriptions/{id:[0-9]+}/reactivate", s.reactivateSubscription).Methods(http.MethodPost)
	s.router.HandleFunc("/subscriptions/{id:[0-9]+}/extend-trial", s.extendTrial).Methods(http.MethodPost)
	s.router.HandleFunc("/subscriptions/{id:[0-9]+}/upgrade", s.upgradeSubscription).Methods(http.MethodPost)
	s.router.HandleFunc("/subscriptions/{id:[0-9]+}/auto-renewal", s.setAutoRenewal).Methods(http.MethodPut)
	s.router.HandleFunc("/subscriptions/{id:[0-9]+}/next-billing-date", s.nextBillingDate).Methods(http.MethodGet)
	s.router.HandleFunc("/subscriptions/{id:[0-9]+}/transactions", s.listTransactions).Methods(http.MethodGet)

	// Billing passes
	if s.runner != nil {
		s.router.HandleFunc("/jobs", s.listJobs).Methods(http.MethodGet)
		s.router.HandleFunc("/jobs/{job}/run", s.runJob).Methods(http.MethodPost)
	}
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Router exposes the router so callers can mount extra routes
func (s *Server) Router() *mux.Router {
	return s.router
}

// Handler wraps the router with tracing, request IDs, panic recovery,
// request logging, any configured middleware and body limits
func (s *Server) Handler() http.Handler {
	mws := []func(http.Handler) http.Handler{
		httputil.RequestIDMiddleware,
		httputil.RecoveryMiddleware(s.logger),
		httputil.LoggingMiddleware(s.logger),
	}
	mws = append(mws, s.middleware...)
	mws = append(mws, httputil.ContentTypeMiddleware, httputil.MaxBytesMiddleware(maxBodyBytes))
	chain := httputil.Chain(mws...)
	return otelhttp.NewHandler(chain(s.router), "recur.api")
}
