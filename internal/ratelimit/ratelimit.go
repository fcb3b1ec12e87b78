// Package ratelimit provides keyed token-bucket limiters with a uniform rate.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// DefaultMaxKeys bounds the number of keys tracked individually.
const DefaultMaxKeys = 1024

// Limiter limits events per key, creating a bucket for each key on first use.
// Keys may come from untrusted input, so once maxKeys buckets exist further
// keys share a single overflow bucket.
type Limiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	maxKeys  int
	limiters map[string]*rate.Limiter
	overflow *rate.Limiter
}

// New creates a Limiter allowing rps events per second per key.
// A zero or negative rps disables limiting. A burst <= 0 defaults to
// int(rps), at least 1.
func New(rps float64, burst int) *Limiter {
	if rps <= 0 {
		return &Limiter{}
	}
	if burst <= 0 {
		burst = int(rps)
		if burst < 1 {
			burst = 1
		}
	}
	return &Limiter{
		limit:    rate.Limit(rps),
		burst:    burst,
		maxKeys:  DefaultMaxKeys,
		limiters: make(map[string]*rate.Limiter),
		overflow: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Enabled reports whether the limiter limits anything.
func (l *Limiter) Enabled() bool {
	return l != nil && l.limiters != nil
}

// Allow reports whether an event for key may happen now.
func (l *Limiter) Allow(key string) bool {
	if !l.Enabled() {
		return true
	}

	l.mu.Lock()
	lim, ok := l.limiters[key]
	if !ok {
		if len(l.limiters) >= l.maxKeys {
			lim = l.overflow
		} else {
			lim = rate.NewLimiter(l.limit, l.burst)
			l.limiters[key] = lim
		}
	}
	l.mu.Unlock()

	return lim.Allow()
}
