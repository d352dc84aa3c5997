package governance

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterConfig defines per-route rate limit settings.
type RateLimiterConfig struct {
	RequestsPerSecond float64
	BurstSize         int
}

// RateLimiter implements token bucket rate limiting per route.
type RateLimiter struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
}

// NewRateLimiter creates a rate limiter with the provided configuration.
func NewRateLimiter(config map[string]RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{limiters: make(map[string]*rate.Limiter)}
	rl.Configure(config)
	return rl
}

// Configure replaces the per-route limits. Routes present before and after
// keep their limiter, and with it their current token count.
func (rl *RateLimiter) Configure(config map[string]RateLimiterConfig) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	next := make(map[string]*rate.Limiter, len(config))
	for route, cfg := range config {
		limit, burst := normalize(cfg)
		if existing, ok := rl.limiters[route]; ok {
			existing.SetLimit(limit)
			existing.SetBurst(burst)
			next[route] = existing
			continue
		}
		next[route] = rate.NewLimiter(limit, burst)
	}
	rl.limiters = next
}

func normalize(cfg RateLimiterConfig) (rate.Limit, int) {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 100
	}
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = int(math.Ceil(rps))
	}
	return rate.Limit(rps), burst
}

// Allow reports whether a request on route may proceed. Routes without a
// configured limit are always allowed.
func (rl *RateLimiter) Allow(route string) bool {
	rl.mu.RLock()
	limiter, ok := rl.limiters[route]
	rl.mu.RUnlock()

	if !ok {
		return true
	}
	return limiter.Allow()
}

// Stats returns current rate limit statistics for all routes.
func (rl *RateLimiter) Stats() map[string]RateLimitStats {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	stats := make(map[string]RateLimitStats, len(rl.limiters))
	for route, limiter := range rl.limiters {
		stats[route] = RateLimitStats{
			Limit:     float64(limiter.Limit()),
			BurstSize: limiter.Burst(),
			Available: limiter.Tokens(),
		}
	}
	return stats
}

// Status returns the limit and remaining whole tokens for route, and whether
// the route is limited at all.
func (rl *RateLimiter) Status(route string) (limit, remaining int, ok bool) {
	rl.mu.RLock()
	limiter, exists := rl.limiters[route]
	rl.mu.RUnlock()

	if !exists {
		return 0, 0, false
	}
	tokens := int(math.Floor(limiter.Tokens()))
	if tokens < 0 {
		tokens = 0
	}
	return limiter.Burst(), tokens, true
}

// RateLimitStats exposes current state of a route limiter.
type RateLimitStats struct {
	Limit     float64 `json:"limit"`
	BurstSize int     `json:"burstSize"`
	Available float64 `json:"available"`
}

// WriteRateLimitHeaders adds rate limit status headers to the response.
func WriteRateLimitHeaders(h http.Header, limit, remaining int, resetTime time.Time) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(resetTime.Unix(), 10))
}
