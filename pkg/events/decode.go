package events

import (
	"fmt"
	"sort"
	"strings"

	"churnlink/pkg/core"
)

var kinds = map[string]func() Event{
	AnalysisCompleted:         func() Event { return &Analysis{} },
	WorkQueueItemAdded:        func() Event { return &WorkQueueAdded{} },
	WorkQueueItemUpdated:      func() Event { return &WorkQueueUpdated{} },
	WorkQueueItemRemoved:      func() Event { return &WorkQueueRemoved{} },
	NotificationReceived:      func() Event { return &Notification{} },
	SupportSessionCreated:     func() Event { return &SessionCreated{} },
	SupportSessionClaimed:     func() Event { return &SessionClaimed{} },
	SupportSessionEscalated:   func() Event { return &SessionEscalated{} },
	SupportSessionClosed:      func() Event { return &SessionClosed{} },
	SupportMessageReceived:    func() Event { return &ChatMessage{} },
	SupportNewRequestForStaff: func() Event { return &StaffRequest{} },
}

// Names returns every known event name in sorted order.
func Names() []string {
	names := make([]string, 0, len(kinds))
	for name := range kinds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Known reports whether name is a known event name. Matching ignores case.
func Known(name string) bool {
	_, ok := kinds[strings.ToLower(name)]
	return ok
}

// Decode converts a wire message into its typed event. Unknown names decode to *Unknown
// without error. A known event that carries no payload decodes to its zero value.
func Decode(msg core.Message) (Event, error) {
	newEvent, ok := kinds[strings.ToLower(msg.Event)]
	if !ok {
		return &Unknown{Event: msg.Event, Arguments: msg.Arguments}, nil
	}

	ev := newEvent()
	if msg.Payload() == nil {
		return ev, nil
	}
	if err := msg.Decode(ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// NewHandler adapts fn into a handler that receives decoded events. Decoding failures go
// to onError, which may be nil.
func NewHandler(fn func(Event), onError func(core.Message, error)) *core.Handler {
	return core.NewHandler(func(msg core.Message) {
		ev, err := Decode(msg)
		if err != nil {
			if onError != nil {
				onError(msg, err)
			}
			return
		}
		fn(ev)
	})
}

// Typed adapts fn into a handler for a single event kind. Messages that decode to a
// different kind are reported to onError.
func Typed[T Event](fn func(T), onError func(core.Message, error)) *core.Handler {
	return core.NewHandler(func(msg core.Message) {
		ev, err := Decode(msg)
		if err == nil {
			if typed, ok := ev.(T); ok {
				fn(typed)
				return
			}
			err = fmt.Errorf("event %q decoded to %T", msg.Event, ev)
		}
		if onError != nil {
			onError(msg, err)
		}
	})
}
