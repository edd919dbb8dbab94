// Package hub implements core.Transport over a websocket speaking the JSON hub protocol.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/lxzan/gws"
	"github.com/rs/zerolog"

	httpclient "churnlink/internal/http"
	"churnlink/pkg/core"
)

// ErrNotStarted is returned by Invoke before the handshake has completed.
var ErrNotStarted = errors.New("transport not started")

// Negotiator performs the REST negotiate step.
type Negotiator interface {
	Negotiate(ctx context.Context, hubURL, token string) (*httpclient.Negotiated, error)
}

type completion struct {
	result json.RawMessage
	err    error
}

// Transport is a single-use hub connection. It never reconnects on its own.
type Transport struct {
	id         string
	opts       core.TransportOptions
	negotiator Negotiator
	handler    *wsEventHandler
	logger     zerolog.Logger

	mu        sync.Mutex
	conn      *gws.Conn
	handlers  map[string][]*core.Handler
	pending   map[string]chan completion
	closeFns  []func(error)
	started   bool
	handshook bool
	closing   bool
	closeErr  error
	inbox     []core.Message

	nextID      atomic.Int64
	handshakeCh chan error
	inboxReady  chan struct{}
	closed      chan struct{}
	closeOnce   sync.Once
	stopping    atomic.Bool

	// touched only by the read goroutine
	splitter      splitter
	handshakeRead bool
}

type wsEventHandler struct {
	transport *Transport
}

// New creates an unstarted transport. negotiator may be nil when opts.Negotiate is false.
func New(opts core.TransportOptions, negotiator Negotiator) (*Transport, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("hub transport: url is required")
	}
	if opts.Negotiate && negotiator == nil {
		return nil, fmt.Errorf("hub transport: negotiate enabled without a negotiator")
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 15 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 15 * time.Second
	}
	if opts.ServerTimeout <= 0 {
		opts.ServerTimeout = 2 * opts.PingInterval
	}

	id := uuid.NewString()
	t := &Transport{
		id:          id,
		opts:        opts,
		negotiator:  negotiator,
		logger:      opts.Logger.With().Str("transport", id).Logger(),
		handlers:    make(map[string][]*core.Handler),
		pending:     make(map[string]chan completion),
		handshakeCh: make(chan error, 1),
		inboxReady:  make(chan struct{}, 1),
		closed:      make(chan struct{}),
	}
	t.handler = &wsEventHandler{transport: t}
	return t, nil
}

// Factory returns a core.TransportFactory building hub transports that share negotiator.
func Factory(negotiator Negotiator) core.TransportFactory {
	return func(opts core.TransportOptions) (core.Transport, error) {
		return New(opts, negotiator)
	}
}

func (t *Transport) ID() string {
	return t.id
}

// Start negotiates if enabled, upgrades to a websocket and completes the hub handshake.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return fmt.Errorf("hub transport %s: already started", t.id)
	}
	t.started = true
	t.mu.Unlock()

	if err := t.start(ctx); err != nil {
		t.mu.Lock()
		socket := t.conn
		t.mu.Unlock()

		t.finish(err)
		if socket != nil {
			_ = socket.NetConn().Close()
		}
		return err
	}
	return nil
}

func (t *Transport) start(ctx context.Context) error {
	token := ""
	if t.opts.AccessToken != nil {
		var err error
		if token, err = t.opts.AccessToken(); err != nil {
			return fmt.Errorf("access token: %w", err)
		}
	}

	hubURL := t.opts.URL
	connectionToken := ""
	if t.opts.Negotiate {
		negotiated, err := t.negotiator.Negotiate(ctx, hubURL, token)
		if err != nil {
			return err
		}
		hubURL = negotiated.URL
		token = negotiated.AccessToken
		connectionToken = negotiated.ConnectionToken
	}

	addr, err := WebSocketURL(hubURL, connectionToken, token)
	if err != nil {
		return err
	}

	socket, err := t.dial(ctx, addr)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.isClosed() {
		t.mu.Unlock()
		_ = socket.NetConn().Close()
		return core.ErrTransportClosed
	}
	t.conn = socket
	t.mu.Unlock()

	go t.dispatchLoop()
	go socket.ReadLoop()

	frame, err := encodeRecord(handshake)
	if err != nil {
		return err
	}
	if err := socket.WriteMessage(gws.OpcodeText, frame); err != nil {
		return fmt.Errorf("send handshake: %w", err)
	}

	select {
	case err := <-t.handshakeCh:
		if err != nil {
			return err
		}
	case <-t.closed:
		select {
		case err := <-t.handshakeCh:
			if err != nil {
				return err
			}
		default:
		}
		return t.closedErr()
	case <-ctx.Done():
		return fmt.Errorf("hub handshake: %w", ctx.Err())
	}

	t.mu.Lock()
	t.handshook = true
	t.mu.Unlock()

	go t.pingLoop(socket)

	t.logger.Info().Str("url", hubURL).Msg("hub transport connected")
	return nil
}

func (t *Transport) dial(ctx context.Context, addr string) (*gws.Conn, error) {
	type dialResult struct {
		socket *gws.Conn
		err    error
	}
	done := make(chan dialResult, 1)
	go func() {
		socket, _, err := gws.NewClient(t.handler, &gws.ClientOption{
			Addr:             addr,
			HandshakeTimeout: t.opts.HandshakeTimeout,
		})
		done <- dialResult{socket: socket, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, fmt.Errorf("dial websocket: %w", res.err)
		}
		return res.socket, nil
	case <-ctx.Done():
		go func() {
			if res := <-done; res.socket != nil {
				_ = res.socket.NetConn().Close()
			}
		}()
		return nil, fmt.Errorf("dial websocket: %w", ctx.Err())
	}
}

func (t *Transport) pingLoop(socket *gws.Conn) {
	ticker := time.NewTicker(t.opts.PingInterval)
	defer ticker.Stop()

	frame, err := encodeRecord(ping{Type: TypePing})
	if err != nil {
		t.logger.Error().Err(err).Msg("encode ping")
		return
	}
	for {
		select {
		case <-ticker.C:
			if err := socket.WriteMessage(gws.OpcodeText, frame); err != nil {
				t.logger.Debug().Err(err).Msg("ping failed")
				return
			}
		case <-t.closed:
			return
		}
	}
}

// Stop closes the connection and waits until close callbacks have run or ctx expires.
// It is safe to call more than once and from an event handler, but must not be called
// from a close callback.
func (t *Transport) Stop(ctx context.Context) error {
	t.stopping.Store(true)

	t.mu.Lock()
	socket := t.conn
	t.mu.Unlock()

	if socket == nil {
		t.finish(core.ErrTransportClosed)
		return nil
	}

	socket.WriteClose(1000, nil)
	_ = socket.NetConn().Close()

	select {
	case <-t.closed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Invoke sends an invocation and waits for its completion.
func (t *Transport) Invoke(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	t.mu.Lock()
	if t.isClosed() {
		t.mu.Unlock()
		return nil, core.ErrTransportClosed
	}
	if !t.handshook {
		t.mu.Unlock()
		return nil, ErrNotStarted
	}
	socket := t.conn
	id := strconv.FormatInt(t.nextID.Add(1), 10)
	ch := make(chan completion, 1)
	t.pending[id] = ch
	t.mu.Unlock()

	frame, err := encodeInvocation(id, method, args)
	if err == nil {
		err = socket.WriteMessage(gws.OpcodeText, frame)
	}
	if err != nil {
		t.dropPending(id)
		return nil, fmt.Errorf("invoke %s: %w", method, err)
	}

	select {
	case c := <-ch:
		if c.err != nil {
			if errors.Is(c.err, core.ErrTransportClosed) {
				return nil, c.err
			}
			return nil, &core.InvocationError{Method: method, Message: c.err.Error()}
		}
		return c.result, nil
	case <-ctx.Done():
		t.dropPending(id)
		return nil, fmt.Errorf("invoke %s: %w", method, ctx.Err())
	}
}

func (t *Transport) dropPending(id string) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

// On attaches h to event. Event names match case-insensitively.
func (t *Transport) On(event string, h *core.Handler) {
	if h == nil {
		return
	}
	key := strings.ToLower(event)

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, existing := range t.handlers[key] {
		if existing == h {
			return
		}
	}
	t.handlers[key] = append(t.handlers[key], h)
}

func (t *Transport) Off(event string, h *core.Handler) {
	key := strings.ToLower(event)

	t.mu.Lock()
	defer t.mu.Unlock()
	list := t.handlers[key]
	for i, existing := range list {
		if existing == h {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(t.handlers, key)
	} else {
		t.handlers[key] = list
	}
}

// OnClose registers fn to run once when the transport closes. If it has already
// closed, fn runs on a new goroutine.
func (t *Transport) OnClose(fn func(err error)) {
	if fn == nil {
		return
	}
	t.mu.Lock()
	if t.isClosed() {
		err := t.closeErr
		t.mu.Unlock()
		go fn(err)
		return
	}
	t.closeFns = append(t.closeFns, fn)
	t.mu.Unlock()
}

// Done is closed once the transport has closed and its close callbacks have returned.
func (t *Transport) Done() <-chan struct{} {
	return t.closed
}

// isClosed must be called with t.mu held.
func (t *Transport) isClosed() bool {
	return t.closing
}

func (t *Transport) closedErr() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closeErr != nil {
		return t.closeErr
	}
	return core.ErrTransportClosed
}

// finish closes the transport exactly once. Pending invocations fail, close callbacks
// run outside the lock, and Done is closed after the callbacks return.
func (t *Transport) finish(err error) {
	t.closeOnce.Do(func() {
		if err == nil {
			err = core.ErrTransportClosed
		}

		t.mu.Lock()
		t.closing = true
		t.closeErr = err
		fns := t.closeFns
		t.closeFns = nil
		pending := t.pending
		t.pending = make(map[string]chan completion)
		t.mu.Unlock()

		for _, ch := range pending {
			ch <- completion{err: fmt.Errorf("%w: %v", core.ErrTransportClosed, err)}
		}
		select {
		case t.handshakeCh <- err:
		default:
		}

		if t.stopping.Load() {
			t.logger.Debug().Msg("hub transport stopped")
		} else {
			t.logger.Warn().Err(err).Msg("hub transport closed")
		}
		for _, fn := range fns {
			fn(err)
		}
		close(t.closed)
	})
}

func (t *Transport) resetDeadline(socket *gws.Conn) {
	_ = socket.SetDeadline(time.Now().Add(t.opts.ServerTimeout))
}

func (t *Transport) handleRecord(socket *gws.Conn, data []byte) {
	if !t.handshakeRead {
		t.handshakeRead = true
		err := decodeHandshake(data)
		select {
		case t.handshakeCh <- err:
		default:
		}
		if err != nil {
			_ = socket.NetConn().Close()
		}
		return
	}

	rec, err := decodeRecord(data)
	if err != nil {
		t.logger.Warn().Err(err).Msg("dropping malformed record")
		return
	}

	switch rec.Type {
	case TypeInvocation:
		t.enqueue(core.Message{
			Event:      rec.Target,
			Arguments:  rec.Arguments,
			ReceivedAt: time.Now(),
		})
	case TypeCompletion:
		t.complete(rec)
	case TypePing:
	case TypeClose:
		closeErr := core.ErrTransportClosed
		if rec.Error != "" {
			closeErr = fmt.Errorf("%w: server closed connection: %s", core.ErrTransportClosed, rec.Error)
		}
		t.finish(closeErr)
		_ = socket.NetConn().Close()
	default:
		t.logger.Debug().Stringer("type", rec.Type).Msg("ignoring record")
	}
}

// enqueue hands msg to the dispatch goroutine without blocking the reader, so handlers
// may Invoke or Stop on this transport.
func (t *Transport) enqueue(msg core.Message) {
	t.mu.Lock()
	t.inbox = append(t.inbox, msg)
	t.mu.Unlock()

	select {
	case t.inboxReady <- struct{}{}:
	default:
	}
}

// dispatchLoop delivers queued messages in arrival order. Messages still queued when the
// server closes the connection are delivered; a local Stop drops them.
func (t *Transport) dispatchLoop() {
	for {
		select {
		case <-t.inboxReady:
			t.drainInbox()
		case <-t.closed:
			t.drainInbox()
			return
		}
	}
}

func (t *Transport) drainInbox() {
	for {
		t.mu.Lock()
		if len(t.inbox) == 0 || t.stopping.Load() {
			t.inbox = nil
			t.mu.Unlock()
			return
		}
		msg := t.inbox[0]
		t.inbox[0] = core.Message{}
		t.inbox = t.inbox[1:]
		t.mu.Unlock()

		t.dispatch(msg)
	}
}

func (t *Transport) dispatch(msg core.Message) {
	t.mu.Lock()
	handlers := append([]*core.Handler(nil), t.handlers[strings.ToLower(msg.Event)]...)
	t.mu.Unlock()

	if len(handlers) == 0 {
		t.logger.Debug().Str("event", msg.Event).Msg("no handler for event")
		return
	}
	for _, h := range handlers {
		t.safeHandle(h, msg)
	}
}

func (t *Transport) safeHandle(h *core.Handler, msg core.Message) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error().Interface("panic", r).Str("event", msg.Event).Msg("handler panicked")
		}
	}()
	h.Handle(msg)
}

func (t *Transport) complete(rec *record) {
	t.mu.Lock()
	ch, ok := t.pending[rec.InvocationID]
	delete(t.pending, rec.InvocationID)
	t.mu.Unlock()

	if !ok {
		t.logger.Debug().Str("invocation_id", rec.InvocationID).Msg("completion for unknown invocation")
		return
	}
	if rec.Error != "" {
		ch <- completion{err: errors.New(rec.Error)}
		return
	}
	ch <- completion{result: rec.Result}
}

func (h *wsEventHandler) OnOpen(socket *gws.Conn) {
	h.transport.resetDeadline(socket)
}

func (h *wsEventHandler) OnClose(socket *gws.Conn, err error) {
	h.transport.finish(err)
}

func (h *wsEventHandler) OnPing(socket *gws.Conn, payload []byte) {
	h.transport.resetDeadline(socket)
	_ = socket.WritePong(payload)
}

func (h *wsEventHandler) OnPong(socket *gws.Conn, payload []byte) {
	h.transport.resetDeadline(socket)
}

func (h *wsEventHandler) OnMessage(socket *gws.Conn, message *gws.Message) {
	defer message.Close()
	h.transport.resetDeadline(socket)

	for _, data := range h.transport.splitter.feed(message.Bytes()) {
		h.transport.handleRecord(socket, data)
	}
}

// WebSocketURL maps an http(s) hub URL to ws(s) and adds the connection and access tokens
// as query parameters.
func WebSocketURL(hubURL, connectionToken, accessToken string) (string, error) {
	u, err := url.Parse(hubURL)
	if err != nil {
		return "", fmt.Errorf("parse hub url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("parse hub url: unsupported scheme %q", u.Scheme)
	}

	q := u.Query()
	if connectionToken != "" {
		q.Set("id", connectionToken)
	}
	if accessToken != "" {
		q.Set("access_token", accessToken)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
