// Package httputil holds the JSON response writers, request parsers and
// middleware shared by the API handlers.
//
// Errors are always written as {"error": "...", "reason": "..."}:
//
//	httputil.WriteReasonError(w, http.StatusBadRequest, "invalid_days", "days must be positive")
//	httputil.WriteNotFound(w, "subscription not found")
//
// Middleware is composed with Chain, outermost first:
//
//	handler := httputil.Chain(
//		httputil.RequestIDMiddleware,
//		httputil.RecoveryMiddleware(logger),
//		httputil.LoggingMiddleware(logger),
//	)(router)
package httputil
