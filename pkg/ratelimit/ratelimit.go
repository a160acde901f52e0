// Package ratelimit implements the per-IP sliding window limiter called
// for by §4.9: one golang.org/x/time/rate token bucket per client IP,
// refilled according to the configured window/max, with idle entries
// evicted so the map does not grow unbounded.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/stacklok/protoreg/pkg/config"
)

type entry struct {
	limiter    *rate.Limiter
	lastSeenAt time.Time
}

// Limiter tracks one token bucket per IP address.
type Limiter struct {
	mu       sync.Mutex
	entries  map[string]*entry
	rate     rate.Limit
	burst    int
	idleTTL  time.Duration
}

// New builds a Limiter from cfg: max requests per windowMs become a
// refill rate of max/window tokens per second, with a burst equal to max.
// idleTTL controls how long an IP's bucket survives without activity
// before it is evicted.
func New(cfg config.RateLimitConfig, idleTTL time.Duration) *Limiter {
	window := time.Duration(cfg.WindowMs) * time.Millisecond
	if window <= 0 {
		window = time.Minute
	}
	perSecond := rate.Limit(float64(cfg.Max) / window.Seconds())

	return &Limiter{
		entries: make(map[string]*entry),
		rate:    perSecond,
		burst:   cfg.Max,
		idleTTL: idleTTL,
	}
}

// Allow reports whether a request from ip may proceed, consuming one
// token from its bucket if so. A first-seen IP gets a fresh, full bucket.
func (l *Limiter) Allow(ip string) bool {
	l.mu.Lock()
	e, ok := l.entries[ip]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.entries[ip] = e
	}
	e.lastSeenAt = time.Now()
	l.mu.Unlock()

	return e.limiter.Allow()
}

// Evict removes every IP entry that has not been seen within idleTTL,
// returning how many were evicted. Intended to be called periodically by
// a background goroutine.
func (l *Limiter) Evict() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-l.idleTTL)
	evicted := 0
	for ip, e := range l.entries {
		if e.lastSeenAt.Before(cutoff) {
			delete(l.entries, ip)
			evicted++
		}
	}
	return evicted
}

// Size returns the number of tracked IPs, for tests and metrics.
func (l *Limiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
