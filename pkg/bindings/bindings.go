// Package bindings holds the feature-side consumers of server events: toasts, the
// support chat store and query cache invalidation. Each binding only needs a Subscriber,
// so it can be mounted on a realtime.Dispatcher or on a test double.
package bindings

import (
	"churnlink/pkg/core"
)

// Subscriber registers handlers for named events. *realtime.Dispatcher satisfies it.
type Subscriber interface {
	On(event string, h *core.Handler)
	Off(event string, h *core.Handler)
	OnReconnected(fn func()) func()
}

// Binding attaches itself to a Subscriber and returns a function that detaches it.
type Binding interface {
	Mount(sub Subscriber) (unmount func())
}

// Mount mounts every binding on sub. The returned function unmounts them in reverse order
// and is safe to call more than once.
func Mount(sub Subscriber, bindings ...Binding) func() {
	unmounts := make([]func(), 0, len(bindings))
	for _, b := range bindings {
		unmounts = append(unmounts, b.Mount(sub))
	}

	done := false
	return func() {
		if done {
			return
		}
		done = true
		for i := len(unmounts) - 1; i >= 0; i-- {
			unmounts[i]()
		}
	}
}

type registration struct {
	event   string
	handler *core.Handler
}

// attach registers handlers and an optional reconnect hook and returns the undo function.
func attach(sub Subscriber, regs []registration, onReconnected func()) func() {
	for _, r := range regs {
		sub.On(r.event, r.handler)
	}
	var stopReconnected func()
	if onReconnected != nil {
		stopReconnected = sub.OnReconnected(onReconnected)
	}

	return func() {
		for _, r := range regs {
			sub.Off(r.event, r.handler)
		}
		if stopReconnected != nil {
			stopReconnected()
		}
	}
}
