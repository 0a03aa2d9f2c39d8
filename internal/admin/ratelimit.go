package admin

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterSweepThreshold = 1024
	limiterIdleTTL        = 10 * time.Minute
)

// MutationLimiter rate limits mutating requests per caller. Callers are keyed
// by token id, or by remote host when the API runs without tokens.
type MutationLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	rate     rate.Limit
	burst    int
	now      func() time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewMutationLimiter returns nil when rps is not positive, which disables
// limiting.
func NewMutationLimiter(rps float64, burst int) *MutationLimiter {
	if rps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &MutationLimiter{
		limiters: make(map[string]*limiterEntry),
		rate:     rate.Limit(rps),
		burst:    burst,
		now:      time.Now,
	}
}

func (l *MutationLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := l.now()

	l.mu.Lock()
	entry, ok := l.limiters[key]
	if !ok {
		if len(l.limiters) >= limiterSweepThreshold {
			l.sweepLocked(now)
		}
		entry = &limiterEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[key] = entry
	}
	entry.lastSeen = now
	limiter := entry.limiter
	l.mu.Unlock()

	return limiter.AllowN(now, 1)
}

// SetLimit applies new settings to existing and future callers.
func (l *MutationLimiter) SetLimit(rps float64, burst int) {
	if l == nil || rps <= 0 {
		return
	}
	if burst <= 0 {
		burst = 1
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rate = rate.Limit(rps)
	l.burst = burst
	for _, e := range l.limiters {
		e.limiter.SetLimitAt(now, l.rate)
		e.limiter.SetBurstAt(now, burst)
	}
}

func (l *MutationLimiter) sweepLocked(now time.Time) {
	threshold := now.Add(-limiterIdleTTL)
	for key, e := range l.limiters {
		if e.lastSeen.Before(threshold) {
			delete(l.limiters, key)
		}
	}
}
