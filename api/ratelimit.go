package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/warp/coinshop/auth"
	"golang.org/x/time/rate"
)

// UserRateLimiter keeps one token bucket per session user (remote address
// for anonymous callers).
type UserRateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
}

// NewUserRateLimiter allows n requests per window with a burst of n.
func NewUserRateLimiter(n int, window time.Duration) *UserRateLimiter {
	return &UserRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Every(window / time.Duration(n)),
		burst:    n,
	}
}

func (rl *UserRateLimiter) getLimiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	limiter, exists := rl.limiters[key]
	if !exists {
		limiter = rate.NewLimiter(rl.rate, rl.burst)
		rl.limiters[key] = limiter
	}
	return limiter
}

// Allow reports whether key may proceed now.
func (rl *UserRateLimiter) Allow(key string) bool {
	return rl.getLimiter(key).Allow()
}

// Handler rejects requests over the limit with 429.
func (rl *UserRateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.RemoteAddr
		if s, ok := auth.FromContext(r.Context()); ok {
			key = s.UserID
		}
		if !rl.Allow(key) {
			w.Header().Set("Retry-After", "60")
			writeJSON(w, http.StatusTooManyRequests, ErrorResponse{Error: "too many checkout attempts", Reason: "rate_limited"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Cleanup drops all buckets once the map grows past max.
func (rl *UserRateLimiter) Cleanup(max int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if len(rl.limiters) > max {
		rl.limiters = make(map[string]*rate.Limiter)
	}
}
