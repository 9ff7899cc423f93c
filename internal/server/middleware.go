package server

import (
	"net"
	"net/http"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// RateLimiter enforces a global request budget plus a per-caller budget
// keyed by client address. Caller limiters are created lazily and live for
// the process lifetime; the caller population is bounded in practice.
type RateLimiter struct {
	global    *rate.Limiter
	callerRPM int

	mu      sync.Mutex
	callers map[string]*rate.Limiter
}

// NewRateLimiter builds a limiter from requests-per-minute budgets. A zero
// or negative budget disables that layer.
func NewRateLimiter(globalRPM, callerRPM int) *RateLimiter {
	rl := &RateLimiter{
		callerRPM: callerRPM,
		callers:   make(map[string]*rate.Limiter),
	}
	if globalRPM > 0 {
		rl.global = rate.NewLimiter(rate.Limit(float64(globalRPM)/60), globalRPM)
	}
	return rl
}

func (rl *RateLimiter) caller(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	lim, ok := rl.callers[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(rl.callerRPM)/60), rl.callerRPM)
		rl.callers[key] = lim
	}
	return lim
}

// Middleware rejects requests over budget with 429.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl.global != nil && !rl.global.Allow() {
			writeError(w, http.StatusTooManyRequests, "rate_limited", "global request budget exhausted", nil)
			return
		}
		if rl.callerRPM > 0 {
			key := callerKey(r)
			if !rl.caller(key).Allow() {
				log.Warn().Str("caller", key).Msg("caller_rate_limited")
				writeError(w, http.StatusTooManyRequests, "rate_limited", "caller request budget exhausted", nil)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func callerKey(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
