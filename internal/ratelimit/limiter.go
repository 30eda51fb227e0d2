package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrTimeout is returned by WaitIfNeeded when the per-call wait budget is
// exhausted before the limiter grants a slot.
var ErrTimeout = errors.New("rate limiter timeout")

// Adaptive multiplier bounds and step sizes. The multiplier scales the
// configured caps so observed server errors translate into a localized
// slowdown without parsing explicit 429 responses.
const (
	multiplierFloor   = 0.5
	multiplierCeiling = 1.2
	multiplierRaise   = 0.01
	multiplierDrop    = 0.10

	acquireRetryGap = 100 * time.Millisecond
)

// Bucket tracks request counts within a fixed window for one key.
type Bucket struct {
	Requests  int
	ResetTime time.Time
	Window    time.Duration
}

// Limiter is a named, per-key token-bucket rate limiter with optional
// per-second and per-minute caps and an adaptive multiplier driven by
// success/error feedback from callers.
//
// Two tiers: the minute bucket bounds the sustained envelope while the
// 1-second bucket absorbs bursts. A key over either cap is rejected without
// consuming from the other tier's budget for that attempt.
//
// All methods are safe for concurrent use.
type Limiter struct {
	name      string
	perSecond float64
	perMinute int

	mu      sync.Mutex
	buckets map[string]*Bucket

	successCount int
	errorCount   int
	multiplier   float64

	now func() time.Time // injectable clock for tests
}

// Stats is a point-in-time snapshot of limiter state.
type Stats struct {
	Name               string  `json:"name"`
	RequestsPerSecond  float64 `json:"requests_per_second,omitempty"`
	RequestsPerMinute  int     `json:"requests_per_minute,omitempty"`
	AdaptiveMultiplier float64 `json:"adaptive_multiplier"`
	ActiveBuckets      int     `json:"active_buckets"`
	SuccessCount       int     `json:"success_count"`
	ErrorCount         int     `json:"error_count"`
}

// Option configures a Limiter.
type Option func(*Limiter)

// PerSecond caps requests per key within each wall-clock second.
// Zero disables the per-second tier.
func PerSecond(n float64) Option {
	return func(l *Limiter) { l.perSecond = n }
}

// PerMinute caps requests per key within each 60-second window.
// Zero disables the per-minute tier.
func PerMinute(n int) Option {
	return func(l *Limiter) { l.perMinute = n }
}

// withClock replaces the time source. Test hook.
func withClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a named limiter. With no caps configured every Acquire
// succeeds (the adaptive feedback still accumulates).
func New(name string, opts ...Option) *Limiter {
	l := &Limiter{
		name:       name,
		buckets:    make(map[string]*Bucket),
		multiplier: 1.0,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Name returns the limiter's name.
func (l *Limiter) Name() string { return l.name }

// Acquire attempts to take one slot for key. Returns false when either tier's
// cap (scaled by the adaptive multiplier) is exhausted for the current window.
func (l *Limiter) Acquire(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	bucket, ok := l.buckets[key]
	if !ok {
		bucket = &Bucket{Window: time.Minute}
		l.buckets[key] = bucket
	}
	if !now.Before(bucket.ResetTime) {
		bucket.Requests = 0
		bucket.ResetTime = now.Add(bucket.Window)
	}

	if l.perMinute > 0 && float64(bucket.Requests) >= float64(l.perMinute)*l.multiplier {
		return false
	}

	if l.perSecond > 0 {
		secondKey := fmt.Sprintf("%s_1s_%d", key, now.Unix())
		secondBucket, ok := l.buckets[secondKey]
		if !ok {
			secondBucket = &Bucket{Window: time.Second, ResetTime: now.Add(time.Second)}
			l.buckets[secondKey] = secondBucket
		}
		if float64(secondBucket.Requests) >= l.perSecond*l.multiplier {
			return false
		}
		secondBucket.Requests++
	}

	bucket.Requests++
	return true
}

// WaitIfNeeded retries Acquire every 100ms until it succeeds, maxWait
// elapses, or ctx is cancelled. Returns ErrTimeout (wrapped with the key)
// when the budget runs out.
func (l *Limiter) WaitIfNeeded(ctx context.Context, key string, maxWait time.Duration) error {
	deadline := l.now().Add(maxWait)

	for !l.Acquire(key) {
		if l.now().After(deadline) {
			return fmt.Errorf("%w: %s/%s after %s", ErrTimeout, l.name, key, maxWait)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(acquireRetryGap):
		}
	}
	return nil
}

// WaitIfNeededSafe is WaitIfNeeded that reports timeout as false instead of
// an error. Context cancellation also reports false.
func (l *Limiter) WaitIfNeededSafe(ctx context.Context, key string, maxWait time.Duration) bool {
	return l.WaitIfNeeded(ctx, key, maxWait) == nil
}

// RecordSuccess feeds positive delivery feedback into the adaptive
// multiplier: after more than 100 successes with fewer than 5 errors the
// multiplier is raised by 0.01 (capped at 1.2) and the counters reset.
func (l *Limiter) RecordSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.successCount++
	if l.successCount > 100 && l.errorCount < 5 {
		l.multiplier = min(multiplierCeiling, l.multiplier+multiplierRaise)
		l.successCount = 0
		l.errorCount = 0
	}
}

// RecordError feeds failure feedback into the adaptive multiplier: after more
// than 3 errors the multiplier drops by 0.10 (floored at 0.5) and the
// counters reset.
func (l *Limiter) RecordError() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.errorCount++
	if l.errorCount > 3 {
		l.multiplier = max(multiplierFloor, l.multiplier-multiplierDrop)
		l.successCount = 0
		l.errorCount = 0
	}
}

// Multiplier returns the current adaptive multiplier.
func (l *Limiter) Multiplier() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.multiplier
}

// ClearOldBuckets evicts buckets whose reset time is older than now-maxAge
// and returns the number removed. Called from the cleanup loop to keep the
// bucket map bounded.
func (l *Limiter) ClearOldBuckets(maxAge time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-maxAge)
	removed := 0
	for key, bucket := range l.buckets {
		if bucket.ResetTime.Before(cutoff) {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

// ResetStats restores the limiter to its initial adaptive state.
func (l *Limiter) ResetStats() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.successCount = 0
	l.errorCount = 0
	l.multiplier = 1.0
}

// GetStats returns a snapshot for the status surface.
func (l *Limiter) GetStats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		Name:               l.name,
		RequestsPerSecond:  l.perSecond,
		RequestsPerMinute:  l.perMinute,
		AdaptiveMultiplier: l.multiplier,
		ActiveBuckets:      len(l.buckets),
		SuccessCount:       l.successCount,
		ErrorCount:         l.errorCount,
	}
}
