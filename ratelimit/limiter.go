// Package ratelimit spaces out upstream requests.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter blocks until the caller may issue its next request.
type Limiter interface {
	Wait(ctx context.Context) error
}

// Interval enforces a minimum delay between consecutive slots. Callers are
// served one at a time in the order they acquire the internal lock.
type Interval struct {
	mu       sync.Mutex
	interval time.Duration
	last     time.Time
	now      func() time.Time
}

// NewInterval returns a limiter allowing at most maxPerSecond slots per
// second. Values <= 0 are treated as 1.
func NewInterval(maxPerSecond int) *Interval {
	if maxPerSecond <= 0 {
		maxPerSecond = 1
	}
	return &Interval{
		interval: time.Second / time.Duration(maxPerSecond),
		now:      time.Now,
	}
}

// NewEvery returns a limiter with an explicit minimum interval.
func NewEvery(d time.Duration) *Interval {
	return &Interval{interval: d, now: time.Now}
}

func (l *Interval) MinInterval() time.Duration {
	return l.interval
}

// Wait blocks until at least the configured interval has passed since the
// previous slot was handed out. It only fails when ctx is done first.
func (l *Interval) Wait(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.last.IsZero() {
		if wait := l.interval - l.now().Sub(l.last); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}

	l.last = l.now()
	return nil
}

// NoOp never delays.
type NoOp struct{}

func (NoOp) Wait(ctx context.Context) error {
	return ctx.Err()
}
