package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"churnlink/internal/backoff"
	"churnlink/internal/metrics"
	"churnlink/internal/ratelimit"
	"churnlink/internal/registry"
	"churnlink/internal/retry"
	"churnlink/pkg/core"
)

// attempt is one in-flight connection attempt shared by every caller that arrives
// while it runs.
type attempt struct {
	gen  uint64
	done chan struct{}
	err  error
}

type transition struct {
	from, to core.ConnState
}

// Manager owns the lifecycle of the single hub transport. It deduplicates concurrent
// connects, retries with backoff up to a ceiling, re-joins the group and replays every
// registered handler after each (re)connect.
//
// Manager is safe for concurrent use.
type Manager struct {
	config   *core.Config
	creds    core.CredentialSource
	factory  core.TransportFactory
	registry *registry.Registry
	policy   backoff.Policy
	retry    *retry.State
	limiter  *ratelimit.InvokeLimiter
	metrics  metrics.Recorder
	logger   zerolog.Logger

	state core.State

	mu          sync.Mutex
	transport   core.Transport
	inflight    *attempt
	generation  uint64
	timer       *time.Timer
	timerSeq    uint64
	established bool
	watchers    map[uint64]func(from, to core.ConnState)
	reconnected map[uint64]func()
	nextID      uint64
}

// NewManager validates config and creates a Manager in the Disconnected state.
// A transport factory is required; see WithTransportFactory.
func NewManager(config *core.Config, creds core.CredentialSource, opts ...Option) (*Manager, error) {
	if config == nil {
		return nil, core.NewConnectionError(core.ErrorTypeInvalidConfig, "config", "config is required", nil)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if creds == nil {
		return nil, core.NewConnectionError(core.ErrorTypeInvalidConfig, "config", "credential source is required", nil)
	}

	o := applyOptions(opts...)
	if o.Factory == nil {
		return nil, core.NewConnectionError(core.ErrorTypeInvalidConfig, "config", "transport factory is required", nil)
	}

	recorder := o.recorder
	if recorder == nil && o.Registerer != nil {
		prom, err := metrics.NewPrometheus(o.Registerer)
		if err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		recorder = prom
	}
	if recorder == nil {
		recorder = metrics.Nop{}
	}

	reg := registry.New()
	reg.SetLogger(o.Logger.With().Str("component", "registry").Logger())

	m := &Manager{
		config:      config,
		creds:       creds,
		factory:     o.Factory,
		registry:    reg,
		policy:      backoff.New(config.ReconnectBaseDelay, config.ReconnectMaxDelay).WithJitter(config.ReconnectJitter),
		retry:       retry.New(config.MaxReconnectAttempts),
		limiter:     ratelimit.New(config.InvokeRateLimit, config.InvokeRatePeriod),
		metrics:     recorder,
		logger:      o.Logger.With().Str("component", "realtime").Logger(),
		watchers:    make(map[uint64]func(from, to core.ConnState)),
		reconnected: make(map[uint64]func()),
	}
	m.state.Swap(core.StateDisconnected)
	m.metrics.SetState(core.StateDisconnected)
	return m, nil
}

// State returns the current connection state.
func (m *Manager) State() core.ConnState {
	return m.state.Load()
}

// Registry returns the listener registry whose handlers are replayed on every connect.
func (m *Manager) Registry() *registry.Registry {
	return m.registry
}

// Connect establishes the connection. It returns nil when already connected.
//
// A call arriving while another attempt is in flight joins that attempt and waits at most
// ConnectWaitTimeout for it, returning the same result or a ConnectionTimeout error.
// A call arriving while a retry is scheduled cancels the timer, resets the retry budget and
// connects immediately. Without a credential it fails with MissingCredential and the
// state is unchanged.
//
// The attempt itself is bounded by HandshakeTimeout and is not cancelled by ctx.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.transport != nil && m.state.Load() == core.StateConnected {
		m.mu.Unlock()
		return nil
	}
	if a := m.inflight; a != nil {
		m.mu.Unlock()
		return m.waitShared(ctx, a)
	}
	if _, ok := m.creds.Token(); !ok {
		m.mu.Unlock()
		m.metrics.ConnectFailure(core.ErrorTypeMissingCredential)
		return core.NewConnectionError(core.ErrorTypeMissingCredential, "connect", "no bearer token available", nil)
	}

	m.cancelRetryLocked()
	m.retry.Reset()
	a, tr := m.beginAttemptLocked()
	m.unlockAndNotify(tr)

	go m.run(a)

	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) waitShared(ctx context.Context, a *attempt) error {
	timer := time.NewTimer(m.config.ConnectWaitTimeout)
	defer timer.Stop()

	select {
	case <-a.done:
		return a.err
	case <-timer.C:
		return core.NewConnectionError(core.ErrorTypeConnectionTimeout, "connect",
			fmt.Sprintf("in-flight attempt did not resolve within %s", m.config.ConnectWaitTimeout), nil)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// beginAttemptLocked registers a new in-flight attempt. A recovery keeps the
// Reconnecting state; anything else moves to Connecting.
func (m *Manager) beginAttemptLocked() (*attempt, *transition) {
	a := &attempt{gen: m.generation, done: make(chan struct{})}
	m.inflight = a

	var tr *transition
	if m.state.Load() != core.StateReconnecting {
		tr = m.setStateLocked(core.StateConnecting)
	}
	return a, tr
}

func (m *Manager) run(a *attempt) {
	m.metrics.ConnectAttempt()
	m.logger.Debug().Int("attempt", m.retry.Attempts()+1).Msg("connecting")

	t, err := m.factory(m.transportOptions())
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), m.config.HandshakeTimeout)
		err = t.Start(ctx)
		cancel()
	}
	if err != nil {
		if t != nil {
			m.stopTransport(t)
		}
		m.attemptFailed(a, err)
		return
	}
	m.attemptSucceeded(a, t)
}

func (m *Manager) transportOptions() core.TransportOptions {
	return core.TransportOptions{
		URL: m.config.URL,
		AccessToken: func() (string, error) {
			token, ok := m.creds.Token()
			if !ok {
				return "", core.ErrMissingCredential
			}
			return token, nil
		},
		Negotiate:        m.config.Negotiate,
		HandshakeTimeout: m.config.HandshakeTimeout,
		PingInterval:     m.config.PingInterval,
		ServerTimeout:    m.config.ServerTimeout,
		Logger:           m.logger,
	}
}

func (m *Manager) attemptFailed(a *attempt, cause error) {
	errorType := core.ErrorTypeConnectionFailed
	if errors.Is(cause, core.ErrMissingCredential) {
		errorType = core.ErrorTypeMissingCredential
	}
	connErr := core.NewConnectionError(errorType, "connect", "transport handshake failed", cause)
	m.metrics.ConnectFailure(errorType)

	m.mu.Lock()
	if m.inflight != a || a.gen != m.generation {
		m.mu.Unlock()
		a.finish(connErr)
		return
	}
	m.inflight = nil

	attempts, exhausted := m.retry.Fail()
	var tr *transition
	switch {
	case errorType == core.ErrorTypeMissingCredential:
		tr = m.setStateLocked(core.StateDisconnected)
		m.logger.Warn().Err(cause).Msg("credential missing, not retrying")
	case exhausted:
		tr = m.setStateLocked(core.StateDisconnected)
		m.logger.Error().Err(cause).Int("attempts", attempts).Msg("connect retries exhausted")
	default:
		if m.state.Load() == core.StateConnecting {
			tr = m.setStateLocked(core.StateDisconnected)
		}
		delay := m.scheduleRetryLocked(attempts)
		m.logger.Warn().Err(cause).Int("attempt", attempts).Dur("delay", delay).Msg("connect failed, retry scheduled")
	}
	m.unlockAndNotify(tr)

	a.finish(connErr)
}

func (m *Manager) attemptSucceeded(a *attempt, t core.Transport) {
	m.mu.Lock()
	if m.inflight != a || a.gen != m.generation {
		m.mu.Unlock()
		m.stopTransport(t)
		a.finish(core.NewConnectionError(core.ErrorTypeConnectionFailed, "connect", "disconnected while connecting", nil))
		return
	}
	m.inflight = nil
	m.transport = t
	recovered := m.established
	m.established = true
	m.retry.Reset()

	gen := m.generation
	t.OnClose(func(err error) {
		m.handleClose(gen, t, err)
	})
	attached := m.registry.Replay(t)
	tr := m.setStateLocked(core.StateConnected)
	m.unlockAndNotify(tr)

	m.logger.Info().Str("transport", t.ID()).Int("handlers", attached).Bool("recovered", recovered).Msg("connected")

	m.groupCall(t, m.config.JoinMethod)

	a.finish(nil)

	if recovered {
		m.metrics.Reconnected()
		m.notifyReconnected()
	}
}

func (a *attempt) finish(err error) {
	a.err = err
	close(a.done)
}

// handleClose reacts to a transport drop. Drops from stale transports and drops after an
// explicit Disconnect are ignored.
func (m *Manager) handleClose(gen uint64, t core.Transport, err error) {
	m.mu.Lock()
	if gen != m.generation || m.transport != t {
		m.mu.Unlock()
		return
	}
	m.transport = nil
	m.registry.Detach(t)

	attempts, exhausted := m.retry.Fail()
	var tr *transition
	if exhausted {
		tr = m.setStateLocked(core.StateDisconnected)
		m.logger.Error().Err(err).Int("attempts", attempts).Msg("transport dropped, retries exhausted")
	} else {
		tr = m.setStateLocked(core.StateReconnecting)
		delay := m.scheduleRetryLocked(attempts)
		m.logger.Warn().Err(err).Int("attempt", attempts).Dur("delay", delay).Msg("transport dropped, reconnecting")
	}
	m.unlockAndNotify(tr)
}

func (m *Manager) scheduleRetryLocked(attempts int) time.Duration {
	m.cancelRetryLocked()
	delay := m.policy.Delay(attempts)
	seq := m.timerSeq
	m.timer = time.AfterFunc(delay, func() {
		m.retryFired(seq)
	})
	return delay
}

func (m *Manager) cancelRetryLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.timerSeq++
}

func (m *Manager) retryFired(seq uint64) {
	m.mu.Lock()
	if seq != m.timerSeq || m.timer == nil || m.inflight != nil || m.transport != nil {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.timerSeq++

	if _, ok := m.creds.Token(); !ok {
		tr := m.setStateLocked(core.StateDisconnected)
		m.unlockAndNotify(tr)
		m.metrics.ConnectFailure(core.ErrorTypeMissingCredential)
		m.logger.Warn().Msg("credential missing, retry abandoned")
		return
	}

	a, tr := m.beginAttemptLocked()
	m.unlockAndNotify(tr)
	m.run(a)
}

// Disconnect leaves the group (best effort), stops the transport, resets the retry state
// and cancels any scheduled retry. It is safe in any state.
func (m *Manager) Disconnect(ctx context.Context) {
	m.mu.Lock()
	m.generation++
	m.cancelRetryLocked()
	m.inflight = nil
	m.retry.Reset()
	m.established = false

	t := m.transport
	m.transport = nil
	wasConnected := t != nil && m.state.Load() == core.StateConnected
	if t != nil {
		m.registry.Detach(t)
	}
	tr := m.setStateLocked(core.StateDisconnected)
	m.unlockAndNotify(tr)

	if t == nil {
		return
	}
	if wasConnected {
		m.groupCall(t, m.config.LeaveMethod)
	}
	stopCtx, cancel := context.WithTimeout(ctx, m.config.GroupCallTimeout)
	defer cancel()
	if err := t.Stop(stopCtx); err != nil {
		m.logger.Warn().Err(err).Str("transport", t.ID()).Msg("transport stop failed")
	}
	m.logger.Info().Str("transport", t.ID()).Msg("disconnected")
}

// Invoke calls a remote method, connecting first when not connected. It fails with
// NotConnected, wrapping the connect error, when no connection can be made.
func (m *Manager) Invoke(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	t := m.current()
	if t == nil {
		if err := m.Connect(ctx); err != nil {
			return nil, core.NewConnectionError(core.ErrorTypeNotConnected, "invoke", method, err)
		}
		if t = m.current(); t == nil {
			return nil, core.NewConnectionError(core.ErrorTypeNotConnected, "invoke", method, nil)
		}
	}

	if err := m.limiter.Wait(ctx, method); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, m.config.InvokeTimeout)
	defer cancel()

	start := time.Now()
	result, err := t.Invoke(ctx, method, args...)
	m.metrics.Invocation(method, err, time.Since(start))
	return result, err
}

func (m *Manager) current() core.Transport {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Load() != core.StateConnected {
		return nil
	}
	return m.transport
}

func (m *Manager) groupCall(t core.Transport, method string) {
	var args []any
	if m.config.Group != "" {
		args = []any{m.config.Group}
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.config.GroupCallTimeout)
	defer cancel()

	if _, err := t.Invoke(ctx, method, args...); err != nil {
		m.metrics.GroupCallFailed(method)
		m.logger.Warn().Err(err).Str("method", method).Str("group", m.config.Group).Msg("group call failed")
		return
	}
	m.logger.Debug().Str("method", method).Str("group", m.config.Group).Msg("group call done")
}

func (m *Manager) stopTransport(t core.Transport) {
	ctx, cancel := context.WithTimeout(context.Background(), m.config.GroupCallTimeout)
	defer cancel()
	if err := t.Stop(ctx); err != nil {
		m.logger.Debug().Err(err).Str("transport", t.ID()).Msg("stop failed")
	}
}

func (m *Manager) setStateLocked(to core.ConnState) *transition {
	from := m.state.Swap(to)
	if from == to {
		return nil
	}
	m.metrics.SetState(to)
	m.logger.Debug().Stringer("from", from).Stringer("to", to).Msg("state changed")
	return &transition{from: from, to: to}
}

// unlockAndNotify releases m.mu and then runs state watchers for tr.
func (m *Manager) unlockAndNotify(tr *transition) {
	if tr == nil {
		m.mu.Unlock()
		return
	}
	watchers := sortedCallbacks(m.watchers)
	m.mu.Unlock()

	for _, fn := range watchers {
		fn(tr.from, tr.to)
	}
}

func (m *Manager) notifyReconnected() {
	m.mu.Lock()
	callbacks := sortedCallbacks(m.reconnected)
	m.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
}

// WatchState registers fn to be called with every state transition. Calls happen outside
// the manager lock. The returned function unregisters fn.
func (m *Manager) WatchState(fn func(from, to core.ConnState)) func() {
	return addCallback(m, m.watchers, fn)
}

// OnReconnected registers fn to run after every recovery: a Reconnecting to Connected
// transition, or a manual connect following exhausted retries. It does not run after the
// first connect following NewManager or Disconnect.
func (m *Manager) OnReconnected(fn func()) func() {
	return addCallback(m, m.reconnected, fn)
}

func addCallback[F any](m *Manager, set map[uint64]F, fn F) func() {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	set[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(set, id)
			m.mu.Unlock()
		})
	}
}

func sortedCallbacks[F any](set map[uint64]F) []F {
	ids := make([]uint64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	fns := make([]F, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, set[id])
	}
	return fns
}

// Stats is a point-in-time view of the manager for diagnostics.
type Stats struct {
	State         core.ConnState
	Attempts      int
	LastAttemptAt time.Time
	TransportID   string
	Handlers      int
	Events        []string
	RetryPending  bool
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.retry.Snapshot()
	s := Stats{
		State:         m.state.Load(),
		Attempts:      snap.Attempts,
		LastAttemptAt: snap.LastAttemptAt,
		Handlers:      m.registry.Len(),
		Events:        m.registry.Events(),
		RetryPending:  m.timer != nil,
	}
	if m.transport != nil {
		s.TransportID = m.transport.ID()
	}
	return s
}
