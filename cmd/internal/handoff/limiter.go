package handoff

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultRedeemRate  = rate.Limit(0.5)
	defaultRedeemBurst = 5

	limiterIdle    = 10 * time.Minute
	limiterMaxKeys = 4096
)

// keyedLimiter is a token bucket per remote address.
type keyedLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	buckets map[string]*bucket
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

func newKeyedLimiter(limit rate.Limit, burst int) *keyedLimiter {
	if limit <= 0 {
		limit = defaultRedeemRate
	}
	if burst <= 0 {
		burst = defaultRedeemBurst
	}
	return &keyedLimiter{limit: limit, burst: burst, buckets: make(map[string]*bucket)}
}

// Allow reports whether an event for key at now should be permitted.
func (k *keyedLimiter) Allow(key string, now time.Time) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	b := k.buckets[key]
	if b == nil {
		if len(k.buckets) >= limiterMaxKeys {
			k.pruneLocked(now)
		}
		b = &bucket{lim: rate.NewLimiter(k.limit, k.burst)}
		k.buckets[key] = b
	}
	b.seen = now
	return b.lim.AllowN(now, 1)
}

func (k *keyedLimiter) prune(now time.Time) {
	k.mu.Lock()
	k.pruneLocked(now)
	k.mu.Unlock()
}

func (k *keyedLimiter) pruneLocked(now time.Time) {
	for key, b := range k.buckets {
		if now.Sub(b.seen) >= limiterIdle {
			delete(k.buckets, key)
		}
	}
}
