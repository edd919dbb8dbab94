package bindings

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"churnlink/pkg/core"
	"churnlink/pkg/events"
)

// SessionStatus is the lifecycle state of a support chat session.
type SessionStatus string

const (
	StatusWaiting   SessionStatus = "waiting"
	StatusActive    SessionStatus = "active"
	StatusEscalated SessionStatus = "escalated"
	StatusClosed    SessionStatus = "closed"
)

// SupportSession is the client-side view of one support chat.
type SupportSession struct {
	ID           string
	CustomerID   string
	CustomerName string
	Subject      string
	AgentID      string
	AgentName    string
	Status       SessionStatus
	Messages     []events.ChatMessage
	Unread       int
	UpdatedAt    time.Time
}

func (s *SupportSession) clone() SupportSession {
	c := *s
	c.Messages = append([]events.ChatMessage(nil), s.Messages...)
	return c
}

// RefreshFunc reloads every open session from the REST API.
type RefreshFunc func(ctx context.Context) ([]SupportSession, error)

// SupportChat is an in-memory store of support sessions driven by support_* events.
// Messages sent by the viewer do not count as unread. Events missed while disconnected
// are not replayed, so a reconnection marks the store stale and triggers the refresh
// hook when one is set.
type SupportChat struct {
	viewerID string
	refresh  RefreshFunc
	timeout  time.Duration
	logger   zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*SupportSession
	queue    []string
	stale    bool
	seen     map[string]struct{}
	onChange func(sessionID string)
}

func NewSupportChat(viewerID string) *SupportChat {
	return &SupportChat{
		viewerID: viewerID,
		timeout:  10 * time.Second,
		logger:   zerolog.Nop(),
		sessions: make(map[string]*SupportSession),
		seen:     make(map[string]struct{}),
	}
}

// WithRefresh sets the hook run after a reconnection and returns the store for chaining.
func (c *SupportChat) WithRefresh(fn RefreshFunc, timeout time.Duration) *SupportChat {
	c.refresh = fn
	if timeout > 0 {
		c.timeout = timeout
	}
	return c
}

// OnChange sets a callback run, outside the store lock, after a session changes.
func (c *SupportChat) OnChange(fn func(sessionID string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = fn
}

func (c *SupportChat) SetLogger(logger zerolog.Logger) {
	c.logger = logger
}

func (c *SupportChat) Mount(sub Subscriber) func() {
	onError := func(msg core.Message, err error) {
		c.logger.Warn().Err(err).Str("event", msg.Event).Msg("support event dropped")
	}
	regs := []registration{
		{events.SupportSessionCreated, events.Typed(c.sessionCreated, onError)},
		{events.SupportSessionClaimed, events.Typed(c.sessionClaimed, onError)},
		{events.SupportSessionEscalated, events.Typed(c.sessionEscalated, onError)},
		{events.SupportSessionClosed, events.Typed(c.sessionClosed, onError)},
		{events.SupportMessageReceived, events.Typed(c.messageReceived, onError)},
		{events.SupportNewRequestForStaff, events.Typed(c.staffRequested, onError)},
	}
	return attach(sub, regs, c.reconnected)
}

// Session returns a copy of the session with the given ID.
func (c *SupportChat) Session(id string) (SupportSession, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sessions[id]
	if !ok {
		return SupportSession{}, false
	}
	return s.clone(), true
}

// Sessions returns every session, most recently updated first.
func (c *SupportChat) Sessions() []SupportSession {
	c.mu.RLock()
	out := make([]SupportSession, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s.clone())
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Queue returns the IDs of sessions waiting for staff, oldest request first.
func (c *SupportChat) Queue() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.queue...)
}

func (c *SupportChat) TotalUnread() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, s := range c.sessions {
		n += s.Unread
	}
	return n
}

// MarkRead clears the unread count of a session.
func (c *SupportChat) MarkRead(id string) {
	c.update(id, func(s *SupportSession) bool {
		if s.Unread == 0 {
			return false
		}
		s.Unread = 0
		return true
	})
}

// Stale reports whether events may have been missed since the last refresh.
func (c *SupportChat) Stale() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stale
}

// Refresh replaces the store content with the result of the refresh hook.
func (c *SupportChat) Refresh(ctx context.Context) error {
	if c.refresh == nil {
		return nil
	}
	sessions, err := c.refresh(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.sessions = make(map[string]*SupportSession, len(sessions))
	c.queue = c.queue[:0]
	c.seen = make(map[string]struct{})
	for i := range sessions {
		s := sessions[i].clone()
		c.sessions[s.ID] = &s
		for _, m := range s.Messages {
			c.seen[m.MessageID] = struct{}{}
		}
		if s.Status == StatusWaiting {
			c.queue = append(c.queue, s.ID)
		}
	}
	sort.SliceStable(c.queue, func(i, j int) bool {
		return c.sessions[c.queue[i]].UpdatedAt.Before(c.sessions[c.queue[j]].UpdatedAt)
	})
	c.stale = false
	c.mu.Unlock()

	c.logger.Debug().Int("sessions", len(sessions)).Msg("support chat refreshed")
	return nil
}

func (c *SupportChat) reconnected() {
	c.mu.Lock()
	c.stale = true
	c.mu.Unlock()

	if c.refresh == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		if err := c.Refresh(ctx); err != nil {
			c.logger.Warn().Err(err).Msg("support chat refresh failed")
		}
	}()
}

func (c *SupportChat) sessionCreated(ev *events.SessionCreated) {
	c.upsert(ev.SessionID, func(s *SupportSession) bool {
		s.CustomerID = ev.CustomerID
		s.CustomerName = ev.CustomerName
		s.Subject = ev.Subject
		if s.Status == "" {
			s.Status = StatusWaiting
		}
		s.UpdatedAt = timestamp(ev.CreatedAt)
		return true
	})
}

func (c *SupportChat) sessionClaimed(ev *events.SessionClaimed) {
	c.upsert(ev.SessionID, func(s *SupportSession) bool {
		s.AgentID = ev.AgentID
		s.AgentName = ev.AgentName
		s.Status = StatusActive
		s.UpdatedAt = timestamp(ev.ClaimedAt)
		return true
	})
	c.dequeue(ev.SessionID)
}

func (c *SupportChat) sessionEscalated(ev *events.SessionEscalated) {
	c.upsert(ev.SessionID, func(s *SupportSession) bool {
		s.Status = StatusEscalated
		s.UpdatedAt = timestamp(ev.EscalatedAt)
		return true
	})
}

func (c *SupportChat) sessionClosed(ev *events.SessionClosed) {
	c.upsert(ev.SessionID, func(s *SupportSession) bool {
		s.Status = StatusClosed
		s.UpdatedAt = timestamp(ev.ClosedAt)
		return true
	})
	c.dequeue(ev.SessionID)
}

func (c *SupportChat) messageReceived(ev *events.ChatMessage) {
	c.upsert(ev.SessionID, func(s *SupportSession) bool {
		if ev.MessageID != "" {
			if _, dup := c.seen[ev.MessageID]; dup {
				return false
			}
			c.seen[ev.MessageID] = struct{}{}
		}
		s.Messages = append(s.Messages, *ev)
		if ev.SenderID != c.viewerID {
			s.Unread++
		}
		s.UpdatedAt = timestamp(ev.SentAt)
		return true
	})
}

func (c *SupportChat) staffRequested(ev *events.StaffRequest) {
	c.upsert(ev.SessionID, func(s *SupportSession) bool {
		if s.CustomerID == "" {
			s.CustomerID = ev.CustomerID
			s.CustomerName = ev.CustomerName
			s.Subject = ev.Subject
		}
		s.Status = StatusWaiting
		s.UpdatedAt = timestamp(ev.QueuedAt)
		for _, id := range c.queue {
			if id == s.ID {
				return true
			}
		}
		c.queue = append(c.queue, s.ID)
		return true
	})
}

// upsert applies fn to the session, creating it first when unknown.
func (c *SupportChat) upsert(id string, fn func(s *SupportSession) bool) {
	if id == "" {
		c.logger.Warn().Msg("support event without session id")
		return
	}
	c.mu.Lock()
	s, ok := c.sessions[id]
	if !ok {
		s = &SupportSession{ID: id}
		c.sessions[id] = s
	}
	changed := fn(s)
	onChange := c.onChange
	c.mu.Unlock()

	if changed && onChange != nil {
		onChange(id)
	}
}

// update applies fn to an existing session.
func (c *SupportChat) update(id string, fn func(s *SupportSession) bool) {
	c.mu.Lock()
	s, ok := c.sessions[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	changed := fn(s)
	onChange := c.onChange
	c.mu.Unlock()

	if changed && onChange != nil {
		onChange(id)
	}
}

func (c *SupportChat) dequeue(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, queued := range c.queue {
		if queued == id {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			return
		}
	}
}

func timestamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}
