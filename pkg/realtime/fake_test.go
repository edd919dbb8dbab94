package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"churnlink/pkg/core"
)

// fakeTransport is an in-memory core.Transport. Behavior hooks are function fields so
// tests can script handshakes and invocations.
type fakeTransport struct {
	id   string
	opts core.TransportOptions

	StartFunc  func(ctx context.Context) error
	StopFunc   func(ctx context.Context) error
	InvokeFunc func(ctx context.Context, method string, args []any) (json.RawMessage, error)

	mu          sync.Mutex
	handlers    map[string][]*core.Handler
	closeFns    []func(error)
	closed      bool
	closeErr    error
	token       string
	invocations []string
	stops       int
}

func (t *fakeTransport) ID() string { return t.id }

func (t *fakeTransport) Start(ctx context.Context) error {
	token, err := t.opts.AccessToken()
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.token = token
	t.mu.Unlock()

	if t.StartFunc != nil {
		return t.StartFunc(ctx)
	}
	return nil
}

func (t *fakeTransport) Stop(ctx context.Context) error {
	t.mu.Lock()
	t.stops++
	t.mu.Unlock()
	if t.StopFunc != nil {
		if err := t.StopFunc(ctx); err != nil {
			return err
		}
	}
	t.close(errors.New("stopped"))
	return nil
}

func (t *fakeTransport) Invoke(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, core.ErrTransportClosed
	}
	t.invocations = append(t.invocations, method)
	t.mu.Unlock()

	if t.InvokeFunc != nil {
		return t.InvokeFunc(ctx, method, args)
	}
	return json.RawMessage(`null`), nil
}

func (t *fakeTransport) On(event string, h *core.Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, existing := range t.handlers[event] {
		if existing == h {
			return
		}
	}
	t.handlers[event] = append(t.handlers[event], h)
}

func (t *fakeTransport) Off(event string, h *core.Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	list := t.handlers[event]
	for i, existing := range list {
		if existing == h {
			t.handlers[event] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

func (t *fakeTransport) OnClose(fn func(err error)) {
	t.mu.Lock()
	if t.closed {
		err := t.closeErr
		t.mu.Unlock()
		go fn(err)
		return
	}
	t.closeFns = append(t.closeFns, fn)
	t.mu.Unlock()
}

// emit delivers a server event to the attached handlers.
func (t *fakeTransport) emit(event string, payload string) {
	t.mu.Lock()
	handlers := append([]*core.Handler(nil), t.handlers[event]...)
	t.mu.Unlock()

	msg := core.Message{
		Event:      event,
		Arguments:  []json.RawMessage{json.RawMessage(payload)},
		ReceivedAt: time.Now(),
	}
	for _, h := range handlers {
		h.Handle(msg)
	}
}

// drop simulates the server going away.
func (t *fakeTransport) drop() {
	t.close(errors.New("connection reset"))
}

func (t *fakeTransport) close(err error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.closeErr = err
	fns := t.closeFns
	t.closeFns = nil
	t.mu.Unlock()

	for _, fn := range fns {
		fn(err)
	}
}

func (t *fakeTransport) called(method string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, m := range t.invocations {
		if m == method {
			n++
		}
	}
	return n
}

func (t *fakeTransport) handlerCount(event string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.handlers[event])
}

func (t *fakeTransport) seenToken() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.token
}

func (t *fakeTransport) stopCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stops
}

// fakeFactory creates fakeTransports and records each one.
type fakeFactory struct {
	// StartFunc scripts the handshake of the n-th transport, counting from 1.
	StartFunc  func(ctx context.Context, n int) error
	StopFunc   func(ctx context.Context) error
	InvokeFunc func(ctx context.Context, method string, args []any) (json.RawMessage, error)

	mu      sync.Mutex
	created []*fakeTransport
}

func (f *fakeFactory) Factory() core.TransportFactory {
	return func(opts core.TransportOptions) (core.Transport, error) {
		f.mu.Lock()
		defer f.mu.Unlock()

		n := len(f.created) + 1
		t := &fakeTransport{
			id:         fmt.Sprintf("fake-%d", n),
			opts:       opts,
			handlers:   make(map[string][]*core.Handler),
			StopFunc:   f.StopFunc,
			InvokeFunc: f.InvokeFunc,
		}
		if f.StartFunc != nil {
			t.StartFunc = func(ctx context.Context) error {
				return f.StartFunc(ctx, n)
			}
		}
		f.created = append(f.created, t)
		return t, nil
	}
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func (f *fakeFactory) transport(n int) *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n < 1 || n > len(f.created) {
		return nil
	}
	return f.created[n-1]
}

func (f *fakeFactory) last() *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.created) == 0 {
		return nil
	}
	return f.created[len(f.created)-1]
}

// fakeRecorder counts metric observations.
type fakeRecorder struct {
	mu            sync.Mutex
	attempts      int
	failures      map[core.ErrorType]int
	reconnections int
	groupFailures map[string]int
	invocations   map[string]int
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{
		failures:      make(map[core.ErrorType]int),
		groupFailures: make(map[string]int),
		invocations:   make(map[string]int),
	}
}

func (r *fakeRecorder) SetState(core.ConnState) {}

func (r *fakeRecorder) ConnectAttempt() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts++
}

func (r *fakeRecorder) ConnectFailure(errorType core.ErrorType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[errorType]++
}

func (r *fakeRecorder) Reconnected() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reconnections++
}

func (r *fakeRecorder) GroupCallFailed(method string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.groupFailures[method]++
}

func (r *fakeRecorder) Invocation(method string, err error, elapsed time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invocations[method]++
}

type recorderCounts struct {
	attempts      int
	reconnections int
	failures      map[core.ErrorType]int
	groupFailures map[string]int
	invocations   map[string]int
}

func (r *fakeRecorder) snapshot() recorderCounts {
	r.mu.Lock()
	defer r.mu.Unlock()
	return recorderCounts{
		attempts:      r.attempts,
		reconnections: r.reconnections,
		failures:      copyMap(r.failures),
		groupFailures: copyMap(r.groupFailures),
		invocations:   copyMap(r.invocations),
	}
}

func copyMap[K comparable](m map[K]int) map[K]int {
	out := make(map[K]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// testConfig returns a config with short delays suitable for tests.
func testConfig() *core.Config {
	return core.DefaultConfig("https://app.example.com/hubs/events").
		WithGroup("tenant-1").
		WithReconnect(5, 5*time.Millisecond, 40*time.Millisecond).
		WithTimeouts(time.Second, time.Second)
}

func newTestManager(t *testing.T, config *core.Config, creds core.CredentialSource, factory *fakeFactory, opts ...Option) *Manager {
	t.Helper()
	opts = append([]Option{WithTransportFactory(factory.Factory())}, opts...)
	m, err := NewManager(config, creds, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { m.Disconnect(context.Background()) })
	return m
}

// counter is a handler that counts deliveries and keeps the last payload.
type counter struct {
	mu      sync.Mutex
	calls   int
	payload string
}

func (c *counter) handler() *core.Handler {
	return core.NewHandler(func(msg core.Message) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.calls++
		c.payload = string(msg.Payload())
	})
}

func (c *counter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *counter) last() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.payload
}

// stateLog records state transitions.
type stateLog struct {
	mu          sync.Mutex
	transitions [][2]core.ConnState
}

func (l *stateLog) watch(from, to core.ConnState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.transitions = append(l.transitions, [2]core.ConnState{from, to})
}

func (l *stateLog) seen(to core.ConnState) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, tr := range l.transitions {
		if tr[1] == to {
			return true
		}
	}
	return false
}

func (l *stateLog) all() [][2]core.ConnState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([][2]core.ConnState(nil), l.transitions...)
}
