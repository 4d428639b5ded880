package http

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type clientLimiter struct {
	lim  *rate.Limiter
	seen time.Time
}

// ClientRateLimiter keeps one token bucket per client token. Buckets idle for longer than idle are
// forgotten.
type ClientRateLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*clientLimiter
	limit     rate.Limit
	burst     int
	idle      time.Duration
	lastPrune time.Time
	now       func() time.Time
}

func NewClientRateLimiter(perSecond float64, burst int) *ClientRateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &ClientRateLimiter{
		limiters: make(map[string]*clientLimiter),
		limit:    rate.Limit(perSecond),
		burst:    burst,
		idle:     10 * time.Minute,
		now:      time.Now,
	}
}

func (rl *ClientRateLimiter) Allow(client string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Sub(rl.lastPrune) > rl.idle {
		for k, l := range rl.limiters {
			if now.Sub(l.seen) > rl.idle {
				delete(rl.limiters, k)
			}
		}
		rl.lastPrune = now
	}

	l, ok := rl.limiters[client]
	if !ok {
		l = &clientLimiter{lim: rate.NewLimiter(rl.limit, rl.burst)}
		rl.limiters[client] = l
	}
	l.seen = now
	return l.lim.AllowN(now, 1)
}

// Len reports how many clients currently have a bucket.
func (rl *ClientRateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}
