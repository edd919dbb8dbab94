package core

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
)

// Message is a server-pushed event as delivered by a transport.
type Message struct {
	// Event is the wire event name the server invoked.
	Event string
	// Arguments holds the raw JSON arguments in the order the server sent them.
	Arguments []json.RawMessage
	// ReceivedAt is when the transport read the message.
	ReceivedAt time.Time
}

// Payload returns the first argument, or nil when the event carried none.
func (m Message) Payload() json.RawMessage {
	if len(m.Arguments) == 0 {
		return nil
	}
	return m.Arguments[0]
}

// Decode unmarshals the first argument into v.
func (m Message) Decode(v any) error {
	payload := m.Payload()
	if payload == nil {
		return fmt.Errorf("event %q has no payload", m.Event)
	}
	if err := sonic.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decode %q payload: %w", m.Event, err)
	}
	return nil
}

// HandlerFunc receives messages for one event name.
type HandlerFunc func(Message)

// Handler is a registered callback. Its identity is the pointer: registering the same
// *Handler twice for one event name delivers each message to it once.
type Handler struct {
	fn HandlerFunc
}

// NewHandler wraps fn in a Handler.
func NewHandler(fn HandlerFunc) *Handler {
	return &Handler{fn: fn}
}

// Handle delivers msg to the wrapped callback.
func (h *Handler) Handle(msg Message) {
	if h == nil || h.fn == nil {
		return
	}
	h.fn(msg)
}
