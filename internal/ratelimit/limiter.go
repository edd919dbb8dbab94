// Package ratelimit throttles outbound hub invocations.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// InvokeLimiter applies a shared budget to all invocations plus an identical budget per
// method, so one chatty method cannot starve the others.
type InvokeLimiter struct {
	mu      sync.Mutex
	shared  *rate.Limiter
	methods sync.Map
	limit   rate.Limit
	burst   int
	stats   stats
}

type stats struct {
	waits   atomic.Int64
	granted atomic.Int64
	refused atomic.Int64
	methods atomic.Int32
}

// New returns a limiter allowing requests invocations per period, with a burst of requests.
// It returns nil when requests is not positive; a nil limiter allows everything.
func New(requests int, period time.Duration) *InvokeLimiter {
	if requests <= 0 || period <= 0 {
		return nil
	}
	limit := rate.Limit(float64(requests) / period.Seconds())
	return &InvokeLimiter{
		shared: rate.NewLimiter(limit, requests),
		limit:  limit,
		burst:  requests,
	}
}

// Wait blocks until both the shared and the method budget admit one invocation.
// Tokens taken from either budget are returned when the wait fails.
func (l *InvokeLimiter) Wait(ctx context.Context, method string) error {
	if l == nil {
		return nil
	}
	l.stats.waits.Add(1)

	now := time.Now()
	l.mu.Lock()
	own, shared := l.reserve(method, now)
	delay := max(own.DelayFrom(now), shared.DelayFrom(now))
	if deadline, ok := ctx.Deadline(); ok && deadline.Sub(now) < delay {
		release(own, now, now)
		release(shared, now, now)
		l.mu.Unlock()
		l.stats.refused.Add(1)
		return fmt.Errorf("rate limit %s: wait of %s exceeds context deadline", method, delay)
	}
	l.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			cancelled := time.Now()
			l.mu.Lock()
			release(own, now, cancelled)
			release(shared, now, cancelled)
			l.mu.Unlock()
			l.stats.refused.Add(1)
			return fmt.Errorf("rate limit %s: %w", method, ctx.Err())
		}
	}
	l.stats.granted.Add(1)
	return nil
}

// Allow reports whether an invocation of method may proceed now without waiting.
// A refused call leaves both budgets untouched.
func (l *InvokeLimiter) Allow(method string) bool {
	if l == nil {
		return true
	}
	l.stats.waits.Add(1)

	now := time.Now()
	l.mu.Lock()
	own, shared := l.reserve(method, now)
	if own.DelayFrom(now) > 0 || shared.DelayFrom(now) > 0 {
		release(own, now, now)
		release(shared, now, now)
		l.mu.Unlock()
		l.stats.refused.Add(1)
		return false
	}
	l.mu.Unlock()
	l.stats.granted.Add(1)
	return true
}

// reserve takes one token from the method and the shared budget at now. Callers hold mu
// so the pair is reserved and cancelled as a unit.
func (l *InvokeLimiter) reserve(method string, now time.Time) (own, shared *rate.Reservation) {
	return l.method(method).ReserveN(now, 1), l.shared.ReserveN(now, 1)
}

// release returns the token held by r, reserved at reservedAt. A reservation that is
// already due is cancelled as of its due time so its token is still restored.
func release(r *rate.Reservation, reservedAt, now time.Time) {
	if due := reservedAt.Add(r.DelayFrom(reservedAt)); due.Before(now) {
		now = due
	}
	r.CancelAt(now)
}

func (l *InvokeLimiter) method(name string) *rate.Limiter {
	if v, ok := l.methods.Load(name); ok {
		return v.(*rate.Limiter)
	}
	actual, loaded := l.methods.LoadOrStore(name, rate.NewLimiter(l.limit, l.burst))
	if !loaded {
		l.stats.methods.Add(1)
	}
	return actual.(*rate.Limiter)
}

// Stats returns a snapshot of limiter usage. A nil limiter returns zeros.
func (l *InvokeLimiter) Stats() Stats {
	if l == nil {
		return Stats{}
	}
	return Stats{
		Waits:   l.stats.waits.Load(),
		Granted: l.stats.granted.Load(),
		Refused: l.stats.refused.Load(),
		Methods: l.stats.methods.Load(),
	}
}

// Stats is a point-in-time capture of limiter usage.
type Stats struct {
	// Waits is the number of admission checks.
	Waits int64
	// Granted is the number of admitted invocations.
	Granted int64
	// Refused is the number of checks that failed or were cancelled.
	Refused int64
	// Methods is the number of distinct methods seen.
	Methods int32
}
