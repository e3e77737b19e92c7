// Package ratelimit provides a process-local, per-key token-bucket limiter.
//
// Buckets are created on first use and evicted opportunistically once they
// have been idle for the configured TTL. The chat dispatcher keys buckets by
// username; the admin HTTP middleware keys them by client IP.
//
// The limiter is not shared across processes. It is abuse control, not an
// authorization mechanism.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultTTL = 10 * time.Minute
	// gcEvery is the number of lookups between idle-bucket sweeps.
	gcEvery = 5000
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Keyed is a set of token buckets indexed by an arbitrary string key.
// It is safe for concurrent use.
type Keyed struct {
	rps   rate.Limit
	burst int
	ttl   time.Duration
	now   func() time.Time

	mu       sync.Mutex
	visitors map[string]*visitor
	lookups  uint64
}

// New returns a limiter refilling rps tokens per second with the given burst.
// A non-positive rps disables limiting; burst <= 0 is coerced to 1.
func New(rps float64, burst int) *Keyed {
	if burst <= 0 {
		burst = 1
	}
	lim := rate.Limit(rps)
	if rps <= 0 {
		lim = rate.Inf
	}
	return &Keyed{
		rps:      lim,
		burst:    burst,
		ttl:      defaultTTL,
		now:      time.Now,
		visitors: make(map[string]*visitor),
	}
}

// Allow consumes one token from key's bucket and reports whether one was
// available.
func (k *Keyed) Allow(key string) bool {
	now := k.now()
	return k.get(key, now).AllowN(now, 1)
}

// Len reports the number of live buckets.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.visitors)
}

// get returns key's bucket, creating it if needed. The idle sweep runs before
// the lookup so a stale bucket for key itself is recreated fresh.
func (k *Keyed) get(key string, now time.Time) *rate.Limiter {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.lookups++
	if k.lookups >= gcEvery {
		for id, v := range k.visitors {
			if now.Sub(v.lastSeen) >= k.ttl {
				delete(k.visitors, id)
			}
		}
		k.lookups = 0
	}

	if v, ok := k.visitors[key]; ok {
		v.lastSeen = now
		return v.limiter
	}
	lim := rate.NewLimiter(k.rps, k.burst)
	k.visitors[key] = &visitor{limiter: lim, lastSeen: now}
	return lim
}
