// Package registry stores event handler registrations independently of any transport
// and replays them onto each new transport instance.
package registry

import (
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"churnlink/pkg/core"
)

type binding struct {
	event   string
	handler *core.Handler
}

// Registry maps event names to ordered sets of handlers. Names are case-insensitive and
// stored lowercased, matching how transports dispatch them. It remembers which pairs are
// attached to the currently bound transport so a replay never attaches a pair twice to
// the same instance.
//
// The mutex is held across calls into the transport. Transport On/Off must not call
// back into the registry.
type Registry struct {
	mu       sync.Mutex
	entries  map[string][]*core.Handler
	bound    core.Transport
	attached map[binding]struct{}
	logger   zerolog.Logger
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		entries:  make(map[string][]*core.Handler),
		attached: make(map[binding]struct{}),
		logger:   zerolog.Nop(),
	}
}

// SetLogger sets the registry logger.
func (r *Registry) SetLogger(logger zerolog.Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logger = logger
}

// Register adds handler under event and attaches it to the bound transport, if any.
// It reports whether the pair was new. A nil handler is ignored.
func (r *Registry) Register(event string, handler *core.Handler) bool {
	if handler == nil {
		return false
	}
	event = normalize(event)

	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.entries[event]
	for _, existing := range list {
		if existing == handler {
			return false
		}
	}
	r.entries[event] = append(list, handler)

	if r.bound != nil {
		r.attachLocked(r.bound, binding{event: event, handler: handler})
	}
	r.logger.Debug().Str("event", event).Int("handlers", len(r.entries[event])).Msg("handler registered")
	return true
}

// Unregister removes handler from event and detaches it from the bound transport.
// An entry left without handlers is deleted. It reports whether the pair was present.
func (r *Registry) Unregister(event string, handler *core.Handler) bool {
	event = normalize(event)

	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.entries[event]
	idx := -1
	for i, existing := range list {
		if existing == handler {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}

	list = append(list[:idx:idx], list[idx+1:]...)
	if len(list) == 0 {
		delete(r.entries, event)
	} else {
		r.entries[event] = list
	}

	key := binding{event: event, handler: handler}
	if _, ok := r.attached[key]; ok && r.bound != nil {
		r.bound.Off(event, handler)
		delete(r.attached, key)
	}
	r.logger.Debug().Str("event", event).Int("handlers", len(list)).Msg("handler unregistered")
	return true
}

// Replay binds the registry to t and attaches every stored pair not already attached to
// that instance. Binding a different transport starts a fresh attached set. It returns
// the number of pairs attached by this call.
func (r *Registry) Replay(t core.Transport) int {
	if t == nil {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.bound != t {
		r.bound = t
		r.attached = make(map[binding]struct{})
	}

	count := 0
	for _, event := range r.sortedEventsLocked() {
		for _, h := range r.entries[event] {
			if r.attachLocked(t, binding{event: event, handler: h}) {
				count++
			}
		}
	}
	r.logger.Debug().Str("transport", t.ID()).Int("attached", count).Msg("handlers replayed")
	return count
}

// Detach forgets t if it is the bound transport. It never calls into t, which is
// usually already dead.
func (r *Registry) Detach(t core.Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.bound == nil || r.bound != t {
		return
	}
	r.bound = nil
	r.attached = make(map[binding]struct{})
}

// Events returns the registered event names in sorted order.
func (r *Registry) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sortedEventsLocked()
}

// Len returns the total number of registered pairs.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, list := range r.entries {
		n += len(list)
	}
	return n
}

// Count returns the number of handlers registered for event.
func (r *Registry) Count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries[normalize(event)])
}

func (r *Registry) attachLocked(t core.Transport, key binding) bool {
	if _, ok := r.attached[key]; ok {
		return false
	}
	t.On(key.event, key.handler)
	r.attached[key] = struct{}{}
	return true
}

func (r *Registry) sortedEventsLocked() []string {
	events := make([]string, 0, len(r.entries))
	for event := range r.entries {
		events = append(events, event)
	}
	sort.Strings(events)
	return events
}

func normalize(event string) string {
	return strings.ToLower(event)
}
