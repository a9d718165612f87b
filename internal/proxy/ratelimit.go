package proxy

import (
	"sync"
	"time"
)

const (
	// rateWindow is the trailing admission window applied per client key.
	rateWindow = 60 * time.Second

	// maxRateLimitBuckets bounds the key map; once crossed, dead buckets
	// are swept to prevent memory exhaustion from churning client keys.
	maxRateLimitBuckets = 10000
)

// RateLimiter is a per-key sliding-window admission check. Each key holds
// the ordered timestamps admitted within the trailing window; entries age
// out by pruning on each check rather than by any cap, and the whole
// read-prune-append sequence for a key happens under one lock so two
// concurrent callers can never both take the last slot.
type RateLimiter struct {
	perMinute int

	mu      sync.Mutex
	windows map[string][]time.Time

	// now is swapped out in tests to advance the window.
	now func() time.Time
}

// NewRateLimiter creates a limiter allowing perMinute admissions per key
// per trailing 60 seconds.
func NewRateLimiter(perMinute int) *RateLimiter {
	return &RateLimiter{
		perMinute: perMinute,
		windows:   make(map[string][]time.Time),
		now:       time.Now,
	}
}

// Admit reports whether another request for key fits in the window and, if
// so, records it. A denied request is not recorded. Requests arriving at
// the same instant are counted individually.
func (l *RateLimiter) Admit(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-rateWindow)

	window := l.windows[key]
	kept := window[:0]
	for _, ts := range window {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(l.windows) > maxRateLimitBuckets {
		l.sweepLocked(cutoff)
	}

	if len(kept) >= l.perMinute {
		l.windows[key] = kept
		return false
	}

	l.windows[key] = append(kept, now)
	return true
}

// sweepLocked drops key buckets whose every entry has aged out, so the map
// does not keep one entry per client ever seen. Caller holds the lock.
func (l *RateLimiter) sweepLocked(cutoff time.Time) {
	for key, window := range l.windows {
		live := false
		for _, ts := range window {
			if ts.After(cutoff) {
				live = true
				break
			}
		}
		if !live {
			delete(l.windows, key)
		}
	}
}
