package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// Limiter is a keyed token bucket guarding dashboard write endpoints per client.
// Idle buckets are evicted once they would be full again.
type Limiter struct {
	burst int
	every rate.Limit
	idle  time.Duration
	now   func() time.Time

	mu        sync.Mutex
	m         map[string]*bucket
	lastSweep time.Time
}

func New(capacity, refillPerSec float64) *Limiter {
	burst := int(capacity)
	if burst < 1 {
		burst = 1
	}
	idle := time.Minute
	if refillPerSec > 0 {
		idle = time.Duration(float64(burst)/refillPerSec*float64(time.Second)) + time.Second
	}
	return &Limiter{
		burst: burst,
		every: rate.Limit(refillPerSec),
		idle:  idle,
		now:   time.Now,
		m:     make(map[string]*bucket),
	}
}

// Allow reports whether key may make one more request now.
func (l *Limiter) Allow(key string) bool {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	l.sweep(now)
	b, ok := l.m[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.every, l.burst)}
		l.m[key] = b
	}
	b.lastSeen = now
	return b.lim.AllowN(now, 1)
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}

func (l *Limiter) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < l.idle {
		return
	}
	l.lastSweep = now
	for k, b := range l.m {
		if now.Sub(b.lastSeen) >= l.idle {
			delete(l.m, k)
		}
	}
}
