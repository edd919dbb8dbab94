package realtime

import (
	"context"
	"encoding/json"

	"churnlink/pkg/core"
)

// Dispatcher is the consumer-facing surface of the real-time connection. Handlers can be
// registered at any time regardless of connection state.
type Dispatcher struct {
	manager *Manager
	closers []func() error
}

// NewDispatcher wraps an existing Manager.
func NewDispatcher(m *Manager) *Dispatcher {
	return &Dispatcher{manager: m}
}

// On registers h for event. Registering the same pair twice delivers each event once.
func (d *Dispatcher) On(event string, h *core.Handler) {
	d.manager.registry.Register(event, h)
}

// Off removes h from event.
func (d *Dispatcher) Off(event string, h *core.Handler) {
	d.manager.registry.Unregister(event, h)
}

// Subscribe registers fn for event and returns a function that removes it.
func (d *Dispatcher) Subscribe(event string, fn core.HandlerFunc) func() {
	h := core.NewHandler(fn)
	d.On(event, h)
	return func() { d.Off(event, h) }
}

// Invoke calls a remote method, connecting lazily.
func (d *Dispatcher) Invoke(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	return d.manager.Invoke(ctx, method, args...)
}

// ConnectionState returns the current connection state.
func (d *Dispatcher) ConnectionState() core.ConnState {
	return d.manager.State()
}

// WatchState calls fn on every state transition until the returned function is called.
func (d *Dispatcher) WatchState(fn func(from, to core.ConnState)) func() {
	return d.manager.WatchState(fn)
}

// OnReconnected calls fn after every recovery until the returned function is called.
// Events sent while disconnected are lost; use it to reconcile state.
func (d *Dispatcher) OnReconnected(fn func()) func() {
	return d.manager.OnReconnected(fn)
}

func (d *Dispatcher) Connect(ctx context.Context) error {
	return d.manager.Connect(ctx)
}

func (d *Dispatcher) Disconnect(ctx context.Context) {
	d.manager.Disconnect(ctx)
}

func (d *Dispatcher) Stats() Stats {
	return d.manager.Stats()
}

func (d *Dispatcher) Manager() *Manager {
	return d.manager
}

// Close disconnects and releases resources created by New.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.manager.Disconnect(ctx)

	var firstErr error
	for _, closer := range d.closers {
		if err := closer(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	d.closers = nil
	return firstErr
}
