// Package ratelimit implements a leaky-bucket FIFO limiter: producers enqueue
// and are admitted in arrival order at the configured rate. Built on
// golang.org/x/time/rate rather than a hand-rolled ticker loop, since
// x/time/rate's Reserve/Wait already serializes admission FIFO — a bespoke
// channel-and-goroutine scheduler would just re-implement what the library
// provides.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter enforces a requests-per-minute ceiling with an optional minimum
// spacing between successive admissions.
type Limiter struct {
	bucket      *rate.Limiter
	minInterval time.Duration

	mu       sync.Mutex
	lastSent time.Time
}

// New builds a Limiter admitting at most perMinute requests per minute, with
// at least minInterval between any two admissions.
func New(perMinute int, minInterval time.Duration) *Limiter {
	perSecond := float64(perMinute) / 60.0
	l := &Limiter{
		bucket:      rate.NewLimiter(rate.Limit(perSecond), 1),
		minInterval: minInterval,
	}
	return l
}

// Wait blocks, in FIFO arrival order, until the caller is admitted or ctx is
// done. Returns apperrors-classifiable context errors to the caller
// unwrapped; callers translate ctx.Err() into KindRateLimited /
// KindDeadlineExceeded themselves since this package has no opinion on
// error taxonomy.
func (l *Limiter) Wait(ctx context.Context) error {
	if err := l.bucket.Wait(ctx); err != nil {
		return err
	}
	if l.minInterval <= 0 {
		return nil
	}
	// Serialize so concurrent callers queue FIFO on the shared spacing
	// clock instead of each independently sleeping minInterval.
	l.mu.Lock()
	defer l.mu.Unlock()
	if wait := l.minInterval - time.Since(l.lastSent); wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	l.lastSent = time.Now()
	return nil
}
