package middleware

import (
	"maps"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"loom/internal/gateway/handlers"
)

// RateLimiterConfig configures per-client request throttling.
type RateLimiterConfig struct {
	// RequestsPerMinute is the sustained refill rate.
	RequestsPerMinute int
	// Burst is the bucket capacity.
	Burst int
	// Enabled turns the limiter on; disabled limiters pass everything.
	Enabled bool
	// CleanupInterval is how often idle buckets are dropped.
	CleanupInterval time.Duration
}

// DefaultRateLimiterConfig returns the default limiter configuration.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		RequestsPerMinute: 60,
		Burst:             10,
		Enabled:           true,
		CleanupInterval:   5 * time.Minute,
	}
}

// bucket is one client's allowance. Guarded by the limiter mutex.
type bucket struct {
	tokens float64
	seen   time.Time
}

// RateLimiter applies a token bucket per client IP.
type RateLimiter struct {
	cfg  RateLimiterConfig
	rate float64 // tokens per second

	mu      sync.Mutex
	clients map[string]*bucket

	done chan struct{}
	now  func() time.Time
}

// NewRateLimiter creates a rate limiter and, when enabled, starts its
// idle-bucket janitor.
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		cfg:     cfg,
		rate:    float64(cfg.RequestsPerMinute) / 60.0,
		clients: make(map[string]*bucket),
		done:    make(chan struct{}),
		now:     time.Now,
	}
	if cfg.Enabled && cfg.CleanupInterval > 0 {
		go rl.janitor()
	}
	return rl
}

// Stop terminates the janitor. Call at most once.
func (rl *RateLimiter) Stop() {
	close(rl.done)
}

func (rl *RateLimiter) janitor() {
	ticker := time.NewTicker(rl.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rl.done:
			return
		case <-ticker.C:
			cutoff := rl.now().Add(-rl.cfg.CleanupInterval)
			rl.mu.Lock()
			maps.DeleteFunc(rl.clients, func(_ string, b *bucket) bool {
				return b.seen.Before(cutoff)
			})
			rl.mu.Unlock()
		}
	}
}

// Allow reports whether a request from ip may proceed, along with the
// remaining allowance and the moment the bucket refills: to one token
// when denied, to full when allowed.
func (rl *RateLimiter) Allow(ip string) (bool, int, time.Time) {
	now := rl.now()
	if !rl.cfg.Enabled {
		return true, rl.cfg.Burst, now
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.clients[ip]
	if !ok {
		b = &bucket{tokens: float64(rl.cfg.Burst)}
		rl.clients[ip] = b
	} else {
		refill := now.Sub(b.seen).Seconds() * rl.rate
		b.tokens = math.Min(float64(rl.cfg.Burst), b.tokens+refill)
	}
	b.seen = now

	if b.tokens < 1 {
		wait := (1 - b.tokens) / rl.rate
		return false, 0, now.Add(time.Duration(wait * float64(time.Second)))
	}
	b.tokens--
	toFull := (float64(rl.cfg.Burst) - b.tokens) / rl.rate
	return true, int(b.tokens), now.Add(time.Duration(toFull * float64(time.Second)))
}

// RateLimit returns a middleware enforcing the limiter and reporting
// state through X-RateLimit headers.
func (rl *RateLimiter) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.cfg.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		allowed, remaining, reset := rl.Allow(getClientIP(r))
		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(rl.cfg.RequestsPerMinute))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))

		if !allowed {
			retryAfter := int(math.Ceil(time.Until(reset).Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			h.Set("Retry-After", strconv.Itoa(retryAfter))
			handlers.SendError(
				w,
				http.StatusTooManyRequests,
				handlers.ErrCodeRateLimited,
				"rate limit exceeded",
			)
			return
		}

		next.ServeHTTP(w, r)
	})
}
