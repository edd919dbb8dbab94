// Package credential provides bearer token sources for the connection manager.
package credential

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Static always returns the same token. An empty token reports absence.
type Static string

func (s Static) Token() (string, bool) {
	return string(s), s != ""
}

// Func adapts a function into a token source.
type Func func() (string, bool)

func (f Func) Token() (string, bool) {
	if f == nil {
		return "", false
	}
	return f()
}

// Holder keeps the token of the signed-in session. The auth layer calls Set on sign-in and
// token refresh and Clear on sign-out; the connection manager reads it on every attempt.
type Holder struct {
	mu        sync.RWMutex
	token     string
	updatedAt time.Time
	reads     int64
	logger    zerolog.Logger
}

func NewHolder(token string) *Holder {
	h := &Holder{logger: zerolog.Nop()}
	if token != "" {
		h.token = token
		h.updatedAt = time.Now()
	}
	return h
}

func (h *Holder) SetLogger(logger zerolog.Logger) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.logger = logger
}

func (h *Holder) Token() (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.reads++
	return h.token, h.token != ""
}

func (h *Holder) Set(token string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.token = token
	h.updatedAt = time.Now()
	h.logger.Debug().Str("token", Mask(token)).Msg("credential updated")
}

func (h *Holder) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.token = ""
	h.updatedAt = time.Now()
	h.logger.Debug().Msg("credential cleared")
}

// UpdatedAt returns when the token was last set or cleared.
func (h *Holder) UpdatedAt() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.updatedAt
}

// Reads returns how many times Token has been called.
func (h *Holder) Reads() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.reads
}

// Mask hides all but the edges of a token for logging.
func Mask(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return token[:4] + "****" + token[len(token)-4:]
}
