package rateLimit

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/robertarktes/ticket-issuance/internal/observability"
)

type Counter interface {
	IncrWindow(ctx context.Context, key string, period time.Duration) (int64, error)
}

// RateLimiter is a fixed-window limiter keyed by actor, or by client IP for
// anonymous calls.
type RateLimiter struct {
	counter Counter
	rate    int
	period  time.Duration
	logger  observability.Logger
}

func NewRateLimiter(counter Counter, rate int, period time.Duration, logger observability.Logger) *RateLimiter {
	if period < time.Second {
		period = time.Minute
	}
	return &RateLimiter{counter: counter, rate: rate, period: period, logger: logger}
}

func (rl *RateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	window := time.Now().Unix() / int64(rl.period/time.Second)
	n, err := rl.counter.IncrWindow(ctx, "rl:"+key+":"+strconv.FormatInt(window, 10), rl.period)
	if err != nil {
		return false, err
	}
	return n <= int64(rl.rate), nil
}

// Middleware answers 429 once the caller exceeds its window. A counter
// failure lets the request through.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-User-ID")
		if key == "" {
			key = clientIP(r)
		}
		ok, err := rl.Allow(r.Context(), key)
		if err != nil {
			rl.logger.WithField("key", key).Warn("rate limit check failed: ", err)
			next.ServeHTTP(w, r)
			return
		}
		if !ok {
			observability.RateLimitExceeded.Inc()
			w.Header().Set("Retry-After", strconv.Itoa(int(rl.period/time.Second)))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"rate limit exceeded"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
