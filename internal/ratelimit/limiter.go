// Package ratelimit provides a strict, weighted rate limiter used to put an
// optional ceiling on how fast transactions are handed to peer sessions.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter provides strict rate limiting by tracking the next available
// permit time and ensuring units are released no faster than the target rate.
//
// A caller reserving n units pushes the next permit time forward by n
// intervals, so a batch of 200 transactions costs 200 permits. Idle time is
// not banked: after a pause the schedule restarts from now.
type Limiter struct {
	mu             sync.Mutex
	nextPermitTime time.Time
	interval       time.Duration
}

// New creates a new Limiter with the specified rate (units per second).
func New(ratePerSec float64) *Limiter {
	if ratePerSec <= 0 {
		ratePerSec = 1
	}

	return &Limiter{
		nextPermitTime: time.Now(),
		interval:       time.Duration(float64(time.Second) / ratePerSec),
	}
}

// Wait blocks until a single permit is available or the context is cancelled.
func (l *Limiter) Wait(ctx context.Context) error {
	return l.WaitN(ctx, 1)
}

// WaitN blocks until n units may proceed or the context is cancelled.
// The first reservation after an idle period proceeds immediately.
func (l *Limiter) WaitN(ctx context.Context, n uint64) error {
	if n == 0 {
		return nil
	}

	l.mu.Lock()
	now := time.Now()
	if l.nextPermitTime.Before(now) {
		l.nextPermitTime = now
	}
	permitTime := l.nextPermitTime
	l.nextPermitTime = permitTime.Add(time.Duration(n) * l.interval)
	l.mu.Unlock()

	waitDuration := time.Until(permitTime)
	if waitDuration <= 0 {
		return nil
	}

	timer := time.NewTimer(waitDuration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		l.release(permitTime, n)
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// release hands back a cancelled reservation if nothing was reserved after it.
func (l *Limiter) release(permitTime time.Time, n uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.nextPermitTime.Equal(permitTime.Add(time.Duration(n) * l.interval)) {
		l.nextPermitTime = permitTime
	}
}
