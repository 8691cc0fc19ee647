// Package middleware provides HTTP rate limiting for the API.
//
// Two limiters share the Limiter interface:
//
//	limiter := middleware.NewRateLimiter(middleware.Config{RequestsPerWindow: 600, Window: time.Minute, Burst: 20})
//	limiter := middleware.NewDistributedRateLimiter(redisClient, config, "recur:ratelimit")
//
// RateLimit wraps a handler, keys requests by client IP and answers 429 with
// Retry-After once a client exhausts its window. Limiter errors fail open.
package middleware
