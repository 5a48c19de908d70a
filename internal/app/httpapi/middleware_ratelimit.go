package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/buildforge/controlplane/internal/app/apperror"
)

func rateLimitErr(limit int, window time.Duration) error {
	return apperror.Transient(
		fmt.Sprintf("rate limit exceeded: %d requests per %s", limit, window),
		fmt.Errorf("rate limited"),
	)
}

// rateLimiter grants each key its own token bucket so one noisy caller
// cannot starve the rest. The router installs it outside the auth
// middleware, so no principal is known yet and requests are keyed by
// client address.
type rateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
	window   time.Duration
}

// newRateLimiter configures a limiter allowing limit requests per window,
// with bursts capped at limit.
func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	if limit <= 0 {
		limit = 100
	}
	perSecond := float64(limit) / window.Seconds()
	return &rateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(perSecond),
		burst:    limit,
		window:   window,
	}
}

func (rl *rateLimiter) limiterFor(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	l, ok := rl.limiters[key]
	if !ok {
		l = rate.NewLimiter(rl.rate, rl.burst)
		rl.limiters[key] = l
	}
	return l
}

func (rl *rateLimiter) handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := tenantFromCtx(r.Context())
		if key == "" {
			key = clientIP(r)
		}
		if key == "" {
			key = "unknown"
		}
		if !rl.limiterFor(key).Allow() {
			w.Header().Set("Retry-After", strconv.Itoa(int(rl.window.Seconds())))
			writeError(w, r, rateLimitErr(rl.burst, rl.window))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}
