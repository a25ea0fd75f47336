// Package ratelimit provides a fixed-window permit gate: at most N
// acquisitions per window. Permits are never released; they age out.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter grants up to N permits per window W. Acquire blocks until the
// oldest permit inside the window ages out.
type Limiter struct {
	n      int
	window time.Duration

	mu     sync.Mutex
	taken  []time.Time // acquisition times, oldest first, all within window
	now    func() time.Time
	sleepC func(time.Duration) <-chan time.Time
}

// New returns a limiter allowing n permits per window.
func New(n int, window time.Duration) *Limiter {
	return &Limiter{
		n:      n,
		window: window,
		now:    time.Now,
		sleepC: func(d time.Duration) <-chan time.Time { return time.After(d) },
	}
}

// Acquire takes one permit, blocking until a slot frees. It returns the
// context error if ctx is cancelled while waiting.
func (l *Limiter) Acquire(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := l.now()
		l.expire(now)
		if len(l.taken) < l.n {
			l.taken = append(l.taken, now)
			l.mu.Unlock()
			return nil
		}
		wait := l.taken[0].Add(l.window).Sub(now)
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.sleepC(wait):
		}
	}
}

// TryAcquire takes a permit without blocking. It reports whether one was
// available.
func (l *Limiter) TryAcquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.expire(now)
	if len(l.taken) >= l.n {
		return false
	}
	l.taken = append(l.taken, now)
	return true
}

// expire drops permits older than the window. Callers hold l.mu.
func (l *Limiter) expire(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.taken) && !l.taken[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.taken = append(l.taken[:0], l.taken[i:]...)
	}
}
