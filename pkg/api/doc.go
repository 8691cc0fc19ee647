// Package api exposes the tier catalog, coupons, subscription lifecycle and
// billing passes over a JSON HTTP API built on gorilla/mux.
//
// Error responses are {"error": "...", "reason": "..."}. Validation failures
// answer 400 with their reason code, unknown ids 404, an exhausted coupon or
// duplicate code 409, and anything else 500.
//
//	server := api.NewServer(api.Deps{
//		Subscriptions: service,
//		Tiers:         tierReader,
//		TierWriter:    backend,
//		Coupons:       backend,
//		Runner:        runner,
//		Logger:        logger,
//	})
//	http.ListenAndServe(":8080", server.Handler())
package api
