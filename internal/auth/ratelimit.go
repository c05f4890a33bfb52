package auth

import (
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimitConfig bounds per-client request throughput.
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// DefaultRateLimitConfig returns the default limits.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{RequestsPerSecond: 10, Burst: 20}
}

// RateLimitConfigFromEnv reads limits from RECALL_RATE_LIMIT, formatted
// "rate:burst" ("50:100" means 50 req/s with a burst of 100). Unset or
// malformed values fall back to the defaults.
func RateLimitConfigFromEnv() RateLimitConfig {
	cfg := DefaultRateLimitConfig()

	val := os.Getenv("RECALL_RATE_LIMIT")
	if val == "" {
		return cfg
	}
	rateStr, burstStr, _ := strings.Cut(val, ":")
	if rate, err := strconv.ParseFloat(rateStr, 64); err == nil && rate > 0 {
		cfg.RequestsPerSecond = rate
	}
	if burst, err := strconv.Atoi(burstStr); err == nil && burst > 0 {
		cfg.Burst = burst
	}
	return cfg
}

// failure-tracking thresholds: block an IP for authBlockDur after
// authMaxFailures failed attempts inside one authWindowDur.
const (
	authMaxFailures   = 10
	authWindowDur     = time.Minute
	authBlockDur      = 5 * time.Minute
	authEvictInterval = 10 * time.Minute
)

// RateLimiter combines a per-client token bucket with a failed-auth
// tracker that temporarily blocks brute-forcing IPs.
type RateLimiter struct {
	config RateLimitConfig
	now    func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket

	authMu       sync.Mutex
	authFailures map[string]*authBucket
}

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

type authBucket struct {
	failures     int
	windowStart  time.Time
	blockedUntil time.Time
}

// NewRateLimiter creates a rate limiter with the given limits.
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		config:       config,
		now:          time.Now,
		buckets:      make(map[string]*bucket),
		authFailures: make(map[string]*authBucket),
	}
}

// Allow reports whether one more request from key fits its bucket.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(rl.config.Burst), lastRefill: now}
		rl.buckets[key] = b
	}

	b.tokens += now.Sub(b.lastRefill).Seconds() * rl.config.RequestsPerSecond
	if b.tokens > float64(rl.config.Burst) {
		b.tokens = float64(rl.config.Burst)
	}
	b.lastRefill = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// IsAuthBlocked reports whether an IP is in its block cooldown.
func (rl *RateLimiter) IsAuthBlocked(ip string) bool {
	rl.authMu.Lock()
	defer rl.authMu.Unlock()

	b, ok := rl.authFailures[ip]
	if !ok {
		return false
	}
	if rl.now().Before(b.blockedUntil) {
		return true
	}
	if !b.blockedUntil.IsZero() {
		delete(rl.authFailures, ip)
	}
	return false
}

// AuthBlockRetryAfter returns whole seconds until the IP's block expires.
func (rl *RateLimiter) AuthBlockRetryAfter(ip string) int {
	rl.authMu.Lock()
	defer rl.authMu.Unlock()

	b, ok := rl.authFailures[ip]
	if !ok {
		return 0
	}
	remaining := b.blockedUntil.Sub(rl.now()).Seconds()
	if remaining <= 0 {
		return 0
	}
	return int(remaining) + 1
}

// AuthFailure records one failed attempt from an IP and reports whether
// the IP is now blocked.
func (rl *RateLimiter) AuthFailure(ip string) bool {
	rl.authMu.Lock()
	defer rl.authMu.Unlock()

	now := rl.now()
	b, ok := rl.authFailures[ip]
	if !ok {
		b = &authBucket{windowStart: now}
		rl.authFailures[ip] = b
	}
	if now.Sub(b.windowStart) > authWindowDur {
		b.failures = 0
		b.windowStart = now
	}

	b.failures++
	if b.failures >= authMaxFailures {
		b.blockedUntil = now.Add(authBlockDur)
		return true
	}

	if len(rl.authFailures) > 1000 {
		rl.evictStaleAuthEntries(now)
	}
	return false
}

// AuthSuccess clears failure tracking for an IP.
func (rl *RateLimiter) AuthSuccess(ip string) {
	rl.authMu.Lock()
	defer rl.authMu.Unlock()
	delete(rl.authFailures, ip)
}

func (rl *RateLimiter) evictStaleAuthEntries(now time.Time) {
	for ip, b := range rl.authFailures {
		if !b.blockedUntil.IsZero() && now.After(b.blockedUntil) {
			delete(rl.authFailures, ip)
		} else if now.Sub(b.windowStart) > authEvictInterval {
			delete(rl.authFailures, ip)
		}
	}
}

// Middleware applies the token bucket keyed by keyFunc. An empty key
// passes through unlimited.
func (rl *RateLimiter) Middleware(keyFunc func(r *http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			if !rl.Allow(key) {
				w.Header().Set("Retry-After", fmt.Sprintf("%.0f", 1.0/rl.config.RequestsPerSecond))
				writeAuthError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
