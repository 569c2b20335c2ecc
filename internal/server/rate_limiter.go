package server

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/atlet99/ego-cse/internal/errors"
)

const (
	// Default rate limiting values
	defaultRate  = 20.0 // 20 requests per second
	defaultBurst = 40   // burst of 40 requests

	// Seconds a blocked client is told to wait
	rateLimitRetryAfter = time.Second

	// Limiters idle for longer than this are dropped
	limiterIdleTimeout = 10 * time.Minute
)

// HTTPRateLimiter provides per-client rate limiting for HTTP requests
type HTTPRateLimiter struct {
	limiters  map[string]*clientLimiter
	mu        sync.Mutex
	config    *RateLimiterConfig
	lastPrune time.Time
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiterConfig holds configuration for rate limiting
type RateLimiterConfig struct {
	DefaultRate  float64 // requests per second
	DefaultBurst int     // burst limit
	PerIP        bool    // whether to limit per IP address

	// TrustProxyHeaders keys clients by X-Forwarded-For / X-Real-IP. Only
	// safe behind a proxy that overwrites them.
	TrustProxyHeaders bool
}

// NewHTTPRateLimiter creates a new HTTP rate limiter
func NewHTTPRateLimiter(config *RateLimiterConfig) *HTTPRateLimiter {
	if config == nil {
		config = &RateLimiterConfig{
			DefaultRate:  defaultRate,
			DefaultBurst: defaultBurst,
			PerIP:        true,
		}
	}

	return &HTTPRateLimiter{
		limiters:  make(map[string]*clientLimiter),
		config:    config,
		lastPrune: time.Now(),
	}
}

// getLimiterKey generates a key for the rate limiter based on configuration
func (rl *HTTPRateLimiter) getLimiterKey(r *http.Request) string {
	if rl.config.PerIP {
		return getClientIP(r, rl.config.TrustProxyHeaders)
	}
	return "global"
}

// getClientIP extracts the client IP address from the request. Forwarding
// headers are consulted only when trustProxy is set.
func getClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
			first, _, _ := strings.Cut(forwarded, ",")
			return strings.TrimSpace(first)
		}
		if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
			return realIP
		}
	}

	// Fall back to RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// getOrCreateLimiter gets or creates a rate limiter for the given key
func (rl *HTTPRateLimiter) getOrCreateLimiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	if now.Sub(rl.lastPrune) > limiterIdleTimeout {
		rl.prune(now)
	}

	if cl, exists := rl.limiters[key]; exists {
		cl.lastSeen = now
		return cl.limiter
	}

	limiter := rate.NewLimiter(rate.Limit(rl.config.DefaultRate), rl.config.DefaultBurst)
	rl.limiters[key] = &clientLimiter{limiter: limiter, lastSeen: now}
	return limiter
}

// prune drops idle limiters. Callers hold rl.mu.
func (rl *HTTPRateLimiter) prune(now time.Time) {
	for key, cl := range rl.limiters {
		if now.Sub(cl.lastSeen) > limiterIdleTimeout {
			delete(rl.limiters, key)
		}
	}
	rl.lastPrune = now
}

// Allow checks if the request is allowed based on rate limiting
func (rl *HTTPRateLimiter) Allow(r *http.Request) bool {
	return rl.getOrCreateLimiter(rl.getLimiterKey(r)).Allow()
}

// RateLimitMiddleware creates a middleware that applies rate limiting. Blocked
// requests are answered by handler with a 429 page.
func (s *Server) RateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isInternalPath(r.URL.Path) || s.rateLimiter.Allow(r) {
			next.ServeHTTP(w, r)
			return
		}

		s.metrics.RecordRateLimitBlock(routeLabel(r))
		s.errorHandler.HandleError(w, r, errors.NewError(errors.ErrCodeRateLimited).
			WithMessagef("Rate limit exceeded for %s", getClientIP(r, s.config.TrustProxyHeaders)).
			WithRetryAfter(rateLimitRetryAfter).
			Build())
	})
}

// isInternalPath reports whether path is an operational endpoint exempt from
// rate limiting
func isInternalPath(path string) bool {
	return path == healthPath || path == metricsPath
}
