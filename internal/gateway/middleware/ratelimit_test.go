package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// limiterAt returns a limiter on a fake clock. Advance the clock through
// the returned pointer; the janitor is left off so nothing races it.
func limiterAt(cfg RateLimiterConfig) (*RateLimiter, *time.Time) {
	cfg.CleanupInterval = 0
	rl := NewRateLimiter(cfg)
	clock := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return clock }
	return rl, &clock
}

func TestAllowSpendsBurstThenDenies(t *testing.T) {
	rl, _ := limiterAt(RateLimiterConfig{RequestsPerMinute: 60, Burst: 3, Enabled: true})

	for i := 0; i < 3; i++ {
		allowed, remaining, _ := rl.Allow("10.0.0.1")
		if !allowed {
			t.Fatalf("request %d denied inside burst", i+1)
		}
		if want := 2 - i; remaining != want {
			t.Errorf("request %d: remaining = %d, want %d", i+1, remaining, want)
		}
	}

	allowed, remaining, reset := rl.Allow("10.0.0.1")
	if allowed {
		t.Error("request past burst was allowed")
	}
	if remaining != 0 {
		t.Errorf("remaining = %d, want 0", remaining)
	}
	// At 60/min the next token is one second out.
	if wait := reset.Sub(rl.now()); wait <= 0 || wait > time.Second {
		t.Errorf("reset %s away, want within (0, 1s]", wait)
	}
}

func TestAllowRefillsOverTime(t *testing.T) {
	rl, clock := limiterAt(RateLimiterConfig{RequestsPerMinute: 60, Burst: 2, Enabled: true})

	rl.Allow("10.0.0.1")
	rl.Allow("10.0.0.1")
	if allowed, _, _ := rl.Allow("10.0.0.1"); allowed {
		t.Fatal("burst not exhausted")
	}

	*clock = clock.Add(time.Second)
	if allowed, _, _ := rl.Allow("10.0.0.1"); !allowed {
		t.Error("one second at 60/min should refill a token")
	}
}

func TestAllowRefillCapsAtBurst(t *testing.T) {
	rl, clock := limiterAt(RateLimiterConfig{RequestsPerMinute: 60, Burst: 2, Enabled: true})

	rl.Allow("10.0.0.1")
	*clock = clock.Add(time.Hour)

	_, remaining, _ := rl.Allow("10.0.0.1")
	if remaining != 1 {
		t.Errorf("remaining = %d, want burst-1 after a long idle", remaining)
	}
}

func TestAllowDisabled(t *testing.T) {
	rl, _ := limiterAt(RateLimiterConfig{RequestsPerMinute: 1, Burst: 1, Enabled: false})

	for i := 0; i < 50; i++ {
		if allowed, _, _ := rl.Allow("10.0.0.1"); !allowed {
			t.Fatalf("request %d denied while disabled", i+1)
		}
	}
}

func TestAllowTracksClientsSeparately(t *testing.T) {
	rl, _ := limiterAt(RateLimiterConfig{RequestsPerMinute: 60, Burst: 1, Enabled: true})

	if allowed, _, _ := rl.Allow("10.0.0.1"); !allowed {
		t.Fatal("first client denied")
	}
	if allowed, _, _ := rl.Allow("10.0.0.1"); allowed {
		t.Fatal("first client not limited")
	}
	if allowed, _, _ := rl.Allow("10.0.0.2"); !allowed {
		t.Error("second client shares the first client's bucket")
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	rl, _ := limiterAt(RateLimiterConfig{RequestsPerMinute: 60, Burst: 2, Enabled: true})
	handler := rl.RateLimit(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	hit := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
		req.RemoteAddr = "10.0.0.1:40000"
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr
	}

	for i := 0; i < 2; i++ {
		rr := hit()
		if rr.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i+1, rr.Code)
		}
		if rr.Header().Get("X-RateLimit-Limit") != "60" {
			t.Errorf("X-RateLimit-Limit = %q, want 60", rr.Header().Get("X-RateLimit-Limit"))
		}
	}

	rr := hit()
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Error("429 without Retry-After")
	}
	if rr.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("X-RateLimit-Remaining = %q, want 0", rr.Header().Get("X-RateLimit-Remaining"))
	}
}

func TestRateLimitMiddlewareDisabled(t *testing.T) {
	rl, _ := limiterAt(RateLimiterConfig{RequestsPerMinute: 1, Burst: 1, Enabled: false})
	handler := rl.RateLimit(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
		req.RemoteAddr = "10.0.0.1:40000"
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i+1, rr.Code)
		}
		if rr.Header().Get("X-RateLimit-Limit") != "" {
			t.Error("disabled limiter should not set X-RateLimit headers")
		}
	}
}
