package middleware

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/platinummonkey/recur/pkg/httputil"
)

// maxTrackedClients bounds the in-memory bucket table
const maxTrackedClients = 10000

// Config defines a rate limit
type Config struct {
	// RequestsPerWindow is the sustained number of requests per window
	RequestsPerWindow int
	// Window is the time window the rate is expressed over
	Window time.Duration
	// Burst allows temporary bursts above the rate
	Burst int
}

// DefaultConfig returns 600 requests a minute with a burst of 20
func DefaultConfig() Config {
	return Config{RequestsPerWindow: 600, Window: time.Minute, Burst: 20}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.RequestsPerWindow <= 0 {
		c.RequestsPerWindow = def.RequestsPerWindow
	}
	if c.Window <= 0 {
		c.Window = def.Window
	}
	if c.Burst < 0 {
		c.Burst = 0
	}
	return c
}

// Limiter decides whether a keyed request may proceed
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Config() Config
}

// RateLimiter is an in-process token bucket per key. Idle buckets expire
// after two windows.
type RateLimiter struct {
	config  Config
	buckets *lru.LRU[string, *rate.Limiter]
}

// NewRateLimiter creates an in-memory limiter
func NewRateLimiter(config Config) *RateLimiter {
	config = config.withDefaults()
	return &RateLimiter{
		config:  config,
		buckets: lru.NewLRU[string, *rate.Limiter](maxTrackedClients, nil, 2*config.Window),
	}
}

// Allow takes a token from key's bucket
func (rl *RateLimiter) Allow(_ context.Context, key string) (bool, error) {
	b, ok := rl.buckets.Get(key)
	if !ok {
		every := rl.config.Window / time.Duration(rl.config.RequestsPerWindow)
		b = rate.NewLimiter(rate.Every(every), rl.config.RequestsPerWindow+rl.config.Burst)
		rl.buckets.Add(key, b)
	}
	return b.Allow(), nil
}

// Remaining returns the whole tokens left in key's bucket
func (rl *RateLimiter) Remaining(key string) int {
	b, ok := rl.buckets.Peek(key)
	if !ok {
		return rl.config.RequestsPerWindow + rl.config.Burst
	}
	return int(b.Tokens())
}

// Config returns the limit
func (rl *RateLimiter) Config() Config {
	return rl.config
}

// RateLimit rejects requests once their client exceeds limiter. Errors from
// the limiter are logged and the request is let through.
func RateLimit(limiter Limiter, logger *logrus.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = logrus.New()
	}
	config := limiter.Config()
	limit := strconv.Itoa(config.RequestsPerWindow)
	retryAfter := strconv.Itoa(int(config.Window.Seconds()))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := "ip:" + ClientIP(r)
			allowed, err := limiter.Allow(r.Context(), key)
			if err != nil {
				logger.WithError(err).WithField("key", key).Warn("Rate limiter unavailable, allowing request")
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", limit)
			if !allowed {
				w.Header().Set("Retry-After", retryAfter)
				w.Header().Set("X-RateLimit-Remaining", "0")
				httputil.WriteReasonError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP returns the first X-Forwarded-For hop, then X-Real-IP, then the
// remote address without its port
func ClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
