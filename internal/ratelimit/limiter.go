package ratelimit

import (
	"sync"
	"time"
)

// Limiter tracks a token bucket per client address. It guards the admin
// namespace against brute-forcing of the admin token; buckets for idle
// clients are dropped by a background sweep.
type Limiter struct {
	capacity   float64
	refillRate float64

	mu      sync.RWMutex
	buckets map[string]*TokenBucket

	stopSweep chan struct{}
	stopOnce  sync.Once
}

// NewLimiter creates a limiter allowing maxRequests per window for each
// client address.
func NewLimiter(maxRequests int, window time.Duration) *Limiter {
	if maxRequests <= 0 {
		maxRequests = 30
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	l := &Limiter{
		capacity:   float64(maxRequests),
		refillRate: float64(maxRequests) / window.Seconds(),
		buckets:    make(map[string]*TokenBucket),
		stopSweep:  make(chan struct{}),
	}
	go l.sweepLoop(window)
	return l
}

// Allow consumes a token for the client address, reporting whether the
// request may proceed and, on denial, how long to wait.
func (l *Limiter) Allow(addr string) (bool, time.Duration) {
	b := l.bucketFor(addr)
	if b.Allow() {
		return true, 0
	}
	return false, b.RetryAfter()
}

// Remaining returns the tokens left for the client address.
func (l *Limiter) Remaining(addr string) float64 {
	return l.bucketFor(addr).Remaining()
}

// Limit returns the configured burst capacity.
func (l *Limiter) Limit() int {
	return int(l.capacity)
}

// Close stops the background sweep.
func (l *Limiter) Close() {
	l.stopOnce.Do(func() { close(l.stopSweep) })
}

func (l *Limiter) bucketFor(addr string) *TokenBucket {
	l.mu.RLock()
	b, ok := l.buckets[addr]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok = l.buckets[addr]; ok {
		return b
	}
	b = NewTokenBucket(l.capacity, l.refillRate)
	l.buckets[addr] = b
	return b
}

func (l *Limiter) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-l.stopSweep:
			return
		}
	}
}

// sweep drops buckets that have refilled close to capacity, i.e. clients
// that have been quiet for most of a window.
func (l *Limiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for addr, b := range l.buckets {
		if b.Remaining() >= l.capacity*0.95 {
			delete(l.buckets, addr)
		}
	}
}
