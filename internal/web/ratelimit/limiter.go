// Package ratelimit caps how many usage events one principal may submit
package ratelimit

import (
	"context"
	"time"
)

// Limiter decides whether another event is accepted for key
type Limiter interface {
	Allow(ctx context.Context, key string) (*Decision, error)
}

// Decision is the state of a key after one Allow call
type Decision struct {
	// Limit is the number of events accepted per window
	Limit int
	// Remaining is how many more events fit in the current window
	Remaining int
	// ResetAt is when a rejected key may try again
	ResetAt time.Time
	Allowed bool
}

// RetryAfter is the wait before the next attempt, rounded up to a second
func (d *Decision) RetryAfter(now time.Time) time.Duration {
	wait := d.ResetAt.Sub(now)
	if wait <= 0 {
		return 0
	}
	return wait.Truncate(time.Second) + time.Second
}
