package realtime

import (
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter is a per-connection token bucket allowing limit events per window with bursts
// up to limit.
type RateLimiter struct {
	lim *rate.Limiter
}

// NewRateLimiter constructs a RateLimiter with safe defaults when inputs are invalid.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &RateLimiter{lim: rate.NewLimiter(rate.Every(window/time.Duration(limit)), limit)}
}

// Allow reports whether an event at time "now" should be permitted.
func (r *RateLimiter) Allow(now time.Time) bool {
	return r.lim.AllowN(now, 1)
}
