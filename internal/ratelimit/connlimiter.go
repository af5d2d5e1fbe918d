package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ConnLimiter throttles WebSocket upgrade attempts per remote IP with an
// in-process token bucket. Entries idle for ten minutes are dropped by a
// background cleanup loop.
type ConnLimiter struct {
	mu       sync.Mutex
	limiters map[string]*connLimiterEntry
	rate     float64
}

type connLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewConnLimiter creates a ConnLimiter allowing rps upgrade attempts per
// second per IP, with bursts of twice that.
func NewConnLimiter(rps float64) *ConnLimiter {
	cl := &ConnLimiter{
		limiters: make(map[string]*connLimiterEntry),
		rate:     rps,
	}
	go cl.cleanup()
	return cl
}

// Allow reports whether the given IP may attempt another upgrade now.
func (cl *ConnLimiter) Allow(ip string) bool {
	cl.mu.Lock()
	entry, ok := cl.limiters[ip]
	if !ok {
		burst := int(cl.rate) * 2
		if burst < 1 {
			burst = 1
		}
		entry = &connLimiterEntry{
			limiter: rate.NewLimiter(rate.Limit(cl.rate), burst),
		}
		cl.limiters[ip] = entry
	}
	entry.lastSeen = time.Now()
	cl.mu.Unlock()

	return entry.limiter.Allow()
}

func (cl *ConnLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		cl.mu.Lock()
		cutoff := time.Now().Add(-10 * time.Minute)
		for ip, entry := range cl.limiters {
			if entry.lastSeen.Before(cutoff) {
				delete(cl.limiters, ip)
			}
		}
		cl.mu.Unlock()
	}
}
