// Package ratelimit throttles write traffic per caller with token buckets.
package ratelimit

import (
	"math"
	"strings"
	"sync"
	"time"
)

// Config configures per-key limits.
type Config struct {
	// RequestsPerSecond is the sustained refill rate of each bucket.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	// BurstSize is the bucket capacity. Defaults to twice the rate.
	BurstSize int `yaml:"burst_size"`
	// Enabled turns limiting on. A disabled limiter allows everything.
	Enabled bool `yaml:"enabled"`
}

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// Limiter keeps one token bucket per key.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    float64
	burst   float64
	enabled bool
	maxKeys int
	now     func() time.Time
}

// NewLimiter creates a limiter. Non-positive rates fall back to 10/s.
func NewLimiter(config Config) *Limiter {
	rate := config.RequestsPerSecond
	if rate <= 0 {
		rate = 10
	}
	burst := float64(config.BurstSize)
	if burst <= 0 {
		burst = math.Max(1, math.Ceil(rate*2))
	}
	return &Limiter{
		buckets: make(map[string]*bucket),
		rate:    rate,
		burst:   burst,
		enabled: config.Enabled,
		maxKeys: 10000,
		now:     time.Now,
	}
}

// Enabled reports whether the limiter ever rejects.
func (l *Limiter) Enabled() bool {
	return l != nil && l.enabled
}

// Allow consumes a token for key. When the bucket is empty it returns false
// and the wait until the next token.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	if !l.Enabled() {
		return true, 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) >= l.maxKeys {
			l.pruneLocked(now)
		}
		b = &bucket{tokens: l.burst, lastRefill: now}
		l.buckets[key] = b
	}
	l.refillLocked(b, now)

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	wait := time.Duration((1 - b.tokens) / l.rate * float64(time.Second))
	return false, wait
}

// Reset forgets the bucket for key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}

func (l *Limiter) refillLocked(b *bucket, now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.lastRefill = now
	b.tokens = math.Min(l.burst, b.tokens+elapsed*l.rate)
}

// pruneLocked drops buckets that have refilled, since they hold no state a
// fresh bucket would not.
func (l *Limiter) pruneLocked(now time.Time) {
	for key, b := range l.buckets {
		l.refillLocked(b, now)
		if b.tokens >= l.burst {
			delete(l.buckets, key)
		}
	}
}

// Key joins non-empty parts into a bucket key.
func Key(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			kept = append(kept, part)
		}
	}
	return strings.Join(kept, ":")
}
