package api

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// CallerLimiter throttles submissions per authenticated caller.
type CallerLimiter struct {
	mu       sync.Mutex
	limiters map[string]*callerEntry
	limit    rate.Limit
	burst    int
	idleTTL  time.Duration
}

type callerEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewCallerLimiter allows perMinute submissions per caller with the given burst.
func NewCallerLimiter(perMinute float64, burst int) *CallerLimiter {
	if burst < 1 {
		burst = 1
	}
	return &CallerLimiter{
		limiters: make(map[string]*callerEntry),
		limit:    rate.Limit(perMinute / 60),
		burst:    burst,
		idleTTL:  10 * time.Minute,
	}
}

// Allow reports whether caller may submit now.
func (l *CallerLimiter) Allow(caller string) bool {
	if l == nil || l.limit <= 0 {
		return true
	}
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.limiters[caller]
	if !ok {
		entry = &callerEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[caller] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

// Prune drops limiters idle for longer than the idle TTL.
func (l *CallerLimiter) Prune() {
	cutoff := time.Now().Add(-l.idleTTL)

	l.mu.Lock()
	defer l.mu.Unlock()
	for caller, entry := range l.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(l.limiters, caller)
		}
	}
}
