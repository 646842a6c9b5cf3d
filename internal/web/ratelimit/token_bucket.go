package ratelimit

import (
	"context"
	"sync"
	"time"
)

// TokenBucket is an in-process Limiter. Each key holds up to Capacity
// tokens and earns Capacity tokens per Window.
type TokenBucket struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	capacity int
	window   time.Duration
	now      func() time.Time

	cleanup *time.Ticker
	done    chan struct{}
	once    sync.Once
}

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// TokenBucketConfig configures a TokenBucket
type TokenBucketConfig struct {
	Capacity int
	Window   time.Duration
	// CleanupInterval drops idle buckets; zero disables the sweeper
	CleanupInterval time.Duration
}

// NewTokenBucket creates a token bucket limiter
func NewTokenBucket(config TokenBucketConfig) *TokenBucket {
	if config.Capacity <= 0 {
		config.Capacity = 1
	}
	if config.Window <= 0 {
		config.Window = time.Minute
	}
	tb := &TokenBucket{
		buckets:  make(map[string]*bucket),
		capacity: config.Capacity,
		window:   config.Window,
		now:      time.Now,
		done:     make(chan struct{}),
	}
	if config.CleanupInterval > 0 {
		tb.cleanup = time.NewTicker(config.CleanupInterval)
		go tb.cleanupLoop()
	}
	return tb
}

// Allow takes one token from the bucket of key
func (tb *TokenBucket) Allow(ctx context.Context, key string) (*Decision, error) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	b, ok := tb.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(tb.capacity), lastRefill: now}
		tb.buckets[key] = b
	}

	capacity, window := float64(tb.capacity), tb.window.Seconds()
	if elapsed := now.Sub(b.lastRefill); elapsed > 0 {
		b.tokens += elapsed.Seconds() * capacity / window
		if b.tokens > capacity {
			b.tokens = capacity
		}
		b.lastRefill = now
	}

	d := &Decision{Limit: tb.capacity}
	if b.tokens >= 1 {
		b.tokens--
		d.Allowed = true
	}
	d.Remaining = int(b.tokens)
	// time until one whole token is back
	missing := 1 - (b.tokens - float64(d.Remaining))
	d.ResetAt = now.Add(time.Duration(missing * window / capacity * float64(time.Second)))
	return d, nil
}

func (tb *TokenBucket) cleanupLoop() {
	for {
		select {
		case <-tb.cleanup.C:
			tb.sweep()
		case <-tb.done:
			return
		}
	}
}

// sweep drops buckets idle for two windows; they would be full again anyway
func (tb *TokenBucket) sweep() {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	for key, b := range tb.buckets {
		if now.Sub(b.lastRefill) > 2*tb.window {
			delete(tb.buckets, key)
		}
	}
}

// Len reports how many keys are tracked
func (tb *TokenBucket) Len() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return len(tb.buckets)
}

// Close stops the sweeper
func (tb *TokenBucket) Close() error {
	tb.once.Do(func() {
		close(tb.done)
		if tb.cleanup != nil {
			tb.cleanup.Stop()
		}
	})
	return nil
}
