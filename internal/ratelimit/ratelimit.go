package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a fixed-window token bucket keyed by an opaque string (typically
// identity+operation+target). Each bucket holds capacity tokens; once a full
// window has elapsed since the bucket's last refill it resets to capacity.
// There is no continuous refill and no waiting: Allow returns immediately.
//
// Construct one Limiter per process and pass it by reference to call sites.
type Limiter struct {
	capacity int
	window   time.Duration
	now      func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket

	stop chan struct{}
	once sync.Once
}

type bucket struct {
	tokens     int
	refilledAt time.Time
	touchedAt  time.Time
}

// New creates a limiter with the given per-key capacity and window, and starts
// the background eviction sweep. Close releases the sweep goroutine.
func New(capacity int, window time.Duration) *Limiter {
	l := &Limiter{
		capacity: capacity,
		window:   window,
		now:      time.Now,
		buckets:  make(map[string]*bucket),
		stop:     make(chan struct{}),
	}
	go l.sweep()
	return l
}

// WithClock overrides the time source. Only intended for tests.
func (l *Limiter) WithClock(fn func() time.Time) *Limiter {
	if fn != nil {
		l.now = fn
	}
	return l
}

// Allow atomically refills and consumes one token for key. It reports false
// when the bucket is exhausted for the remainder of the window.
func (l *Limiter) Allow(key string) bool {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.capacity, refilledAt: now}
		l.buckets[key] = b
	} else if now.Sub(b.refilledAt) >= l.window {
		b.tokens = l.capacity
		b.refilledAt = now
	}
	b.touchedAt = now

	if b.tokens <= 0 {
		return false
	}
	b.tokens--
	return true
}

// Close stops the eviction sweep. Allow remains safe to call afterwards.
func (l *Limiter) Close() {
	l.once.Do(func() { close(l.stop) })
}

func (l *Limiter) sweep() {
	ticker := time.NewTicker(l.window)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.evictIdle()
		case <-l.stop:
			return
		}
	}
}

// evictIdle drops buckets untouched for more than two windows. An evicted
// key's next Allow recreates a full bucket, which is indistinguishable from a
// window reset, so eviction never affects active keys.
func (l *Limiter) evictIdle() {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.buckets {
		if now.Sub(b.touchedAt) > 2*l.window {
			delete(l.buckets, key)
		}
	}
}

// Len reports the number of live buckets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
