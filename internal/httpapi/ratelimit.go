package httpapi

import (
	"sync"
	"time"
)

type bucket struct {
	mu      sync.Mutex
	count   int
	resetAt time.Time
}

// RateLimiter per-key fixed window limiter. Buckets live in a map and are
// dropped by the GC loop once their window has passed.
type RateLimiter struct {
	max     int
	window  time.Duration
	buckets sync.Map
	now     func() time.Time
}

func NewRateLimiter(max int, window time.Duration) *RateLimiter {
	if max <= 0 {
		max = 1
	}
	return &RateLimiter{max: max, window: window, now: time.Now}
}

// Allow counts one request for key
func (rl *RateLimiter) Allow(key string) bool {
	now := rl.now()
	val, loaded := rl.buckets.LoadOrStore(key, &bucket{count: 1, resetAt: now.Add(rl.window)})
	if !loaded {
		return true
	}

	b := val.(*bucket)
	b.mu.Lock()
	defer b.mu.Unlock()
	if now.After(b.resetAt) {
		b.count = 1
		b.resetAt = now.Add(rl.window)
		return true
	}
	b.count++
	return b.count <= rl.max
}

// StartGC sweeps expired buckets every interval until done is closed
func (rl *RateLimiter) StartGC(interval time.Duration, done <-chan struct{}) {
	tick := time.NewTicker(interval)
	go func() {
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-tick.C:
				rl.gc()
			}
		}
	}()
}

func (rl *RateLimiter) gc() int {
	now := rl.now()
	removed := 0
	rl.buckets.Range(func(key, value any) bool {
		b := value.(*bucket)
		b.mu.Lock()
		expired := now.After(b.resetAt)
		b.mu.Unlock()
		if expired {
			rl.buckets.Delete(key)
			removed++
		}
		return true
	})
	return removed
}

// Len number of live buckets
func (rl *RateLimiter) Len() int {
	n := 0
	rl.buckets.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
