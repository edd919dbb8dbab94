// Package retry tracks consecutive connection failures against a ceiling.
package retry

import (
	"sync/atomic"
	"time"
)

type State struct {
	attempts      atomic.Int32
	lastAttemptAt atomic.Int64
	maxAttempts   int
	resets        atomic.Int64
}

// New returns a State that is exhausted after maxAttempts consecutive failures.
// A non-positive maxAttempts is treated as 1.
func New(maxAttempts int) *State {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &State{maxAttempts: maxAttempts}
}

// Fail records a failed attempt and returns the new attempt count and whether the
// ceiling has been reached.
func (s *State) Fail() (attempts int, exhausted bool) {
	s.lastAttemptAt.Store(time.Now().UnixNano())
	attempts = int(s.attempts.Add(1))
	return attempts, attempts >= s.maxAttempts
}

func (s *State) Reset() {
	s.attempts.Store(0)
	s.resets.Add(1)
}

func (s *State) Attempts() int {
	return int(s.attempts.Load())
}

func (s *State) MaxAttempts() int {
	return s.maxAttempts
}

func (s *State) Exhausted() bool {
	return s.Attempts() >= s.maxAttempts
}

// LastAttemptAt returns when the last failure was recorded, or the zero time.
func (s *State) LastAttemptAt() time.Time {
	ns := s.lastAttemptAt.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (s *State) Snapshot() Snapshot {
	return Snapshot{
		Attempts:      s.Attempts(),
		MaxAttempts:   s.maxAttempts,
		LastAttemptAt: s.LastAttemptAt(),
		Exhausted:     s.Exhausted(),
		Resets:        s.resets.Load(),
	}
}

type Snapshot struct {
	Attempts      int
	MaxAttempts   int
	LastAttemptAt time.Time
	Exhausted     bool
	Resets        int64
}
