// Package backoff computes reconnection delays.
package backoff

import (
	"math/rand"
	"time"
)

// Policy maps a retry attempt number to a wait duration: min(Base*2^attempt, Max).
// A zero Jitter makes the result deterministic.
type Policy struct {
	Base time.Duration
	Max  time.Duration
	// Jitter is a fraction in [0,1]. Up to Jitter*delay is subtracted from each delay,
	// so jittered values never exceed Max.
	Jitter float64

	random func() float64
}

// New returns a Policy without jitter.
func New(base, max time.Duration) Policy {
	if max < base {
		max = base
	}
	return Policy{Base: base, Max: max}
}

// WithJitter returns a copy of the policy using the given jitter fraction, clamped to [0,1].
func (p Policy) WithJitter(jitter float64) Policy {
	switch {
	case jitter < 0:
		jitter = 0
	case jitter > 1:
		jitter = 1
	}
	p.Jitter = jitter
	return p
}

// Delay returns the wait before retry attempt n. Negative n behaves as 0 and large n
// saturates at Max without overflowing.
func (p Policy) Delay(attempt int) time.Duration {
	if p.Base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}

	delay := p.Base
	for i := 0; i < attempt && delay < p.Max; i++ {
		// doubling past Max/2 would overflow for large caps
		if delay > p.Max/2 {
			delay = p.Max
			break
		}
		delay *= 2
	}
	if delay > p.Max {
		delay = p.Max
	}

	if p.Jitter > 0 {
		rnd := p.random
		if rnd == nil {
			rnd = rand.Float64
		}
		delay -= time.Duration(float64(delay) * p.Jitter * rnd())
	}
	return delay
}
