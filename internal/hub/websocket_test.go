package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lxzan/gws"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpclient "churnlink/internal/http"
	"churnlink/internal/registry"
	"churnlink/pkg/core"
)

// hubServer is a minimal in-process hub used to exercise the transport end to end.
type hubServer struct {
	gws.BuiltinEventHandler

	rejectHandshake string
	skipHandshake   bool

	mu      sync.Mutex
	queries []url.Values
	sockets []*gws.Conn
	pings   int
}

func (s *hubServer) write(socket *gws.Conn, v any) {
	data, _ := json.Marshal(v)
	_ = socket.WriteMessage(gws.OpcodeText, append(data, recordSeparator))
}

func (s *hubServer) OnMessage(socket *gws.Conn, message *gws.Message) {
	defer message.Close()

	for _, raw := range bytes.Split(message.Bytes(), []byte{recordSeparator}) {
		if len(raw) == 0 {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			continue
		}
		if _, ok := m["protocol"]; ok {
			switch {
			case s.skipHandshake:
			case s.rejectHandshake != "":
				s.write(socket, map[string]any{"error": s.rejectHandshake})
			default:
				_ = socket.WriteMessage(gws.OpcodeText, []byte("{}\x1e"))
			}
			continue
		}
		if m["type"] == float64(TypePing) {
			s.mu.Lock()
			s.pings++
			s.mu.Unlock()
			continue
		}
		if m["type"] != float64(TypeInvocation) {
			continue
		}

		id, _ := m["invocationId"].(string)
		args, _ := m["arguments"].([]any)
		switch m["target"] {
		case "Echo":
			s.write(socket, map[string]any{"type": 3, "invocationId": id, "result": args[0]})
		case "Fail":
			s.write(socket, map[string]any{"type": 3, "invocationId": id, "error": "boom"})
		case "Broadcast":
			s.write(socket, map[string]any{"type": 1, "target": args[0], "arguments": args[1:]})
			s.write(socket, map[string]any{"type": 3, "invocationId": id})
		case "Shutdown":
			s.write(socket, map[string]any{"type": 7, "error": "maintenance"})
		case "Hang":
		}
	}
}

func (s *hubServer) pingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pings
}

func (s *hubServer) lastQuery() url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queries) == 0 {
		return nil
	}
	return s.queries[len(s.queries)-1]
}

func newHubServer(t *testing.T, hub *hubServer) *httptest.Server {
	t.Helper()
	upgrader := gws.NewUpgrader(hub, &gws.ServerOption{})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/negotiate") {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"connectionId":"cid-1","connectionToken":"ctok-1","negotiateVersion":1,` +
				`"availableTransports":[{"transport":"WebSockets","transferFormats":["Text"]}]}`))
			return
		}

		hub.mu.Lock()
		hub.queries = append(hub.queries, r.URL.Query())
		hub.mu.Unlock()

		socket, err := upgrader.Upgrade(w, r)
		if err != nil {
			return
		}
		hub.mu.Lock()
		hub.sockets = append(hub.sockets, socket)
		hub.mu.Unlock()
		go socket.ReadLoop()
	}))

	t.Cleanup(func() {
		hub.mu.Lock()
		for _, socket := range hub.sockets {
			_ = socket.NetConn().Close()
		}
		hub.mu.Unlock()
		server.Close()
	})
	return server
}

func newTestLogger() zerolog.Logger {
	return zerolog.Nop()
}

func testOptions(serverURL string) core.TransportOptions {
	return core.TransportOptions{
		URL:              serverURL + "/hubs/events",
		AccessToken:      func() (string, error) { return "bearer-1", nil },
		HandshakeTimeout: 2 * time.Second,
		PingInterval:     time.Second,
		ServerTimeout:    5 * time.Second,
		Logger:           newTestLogger(),
	}
}

func startTransport(t *testing.T, opts core.TransportOptions, negotiator Negotiator) *Transport {
	t.Helper()
	tr, err := New(opts, negotiator)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, tr.Start(ctx))
	t.Cleanup(func() { _ = tr.Stop(context.Background()) })
	return tr
}

func TestNew_Validation(t *testing.T) {
	_, err := New(core.TransportOptions{}, nil)
	assert.Error(t, err)

	_, err = New(core.TransportOptions{URL: "http://x.test/hub", Negotiate: true}, nil)
	assert.Error(t, err)

	tr, err := New(core.TransportOptions{URL: "http://x.test/hub"}, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, tr.ID())
	assert.Equal(t, 30*time.Second, tr.opts.ServerTimeout)

	other, _ := New(core.TransportOptions{URL: "http://x.test/hub"}, nil)
	assert.NotEqual(t, tr.ID(), other.ID())
}

func TestWebSocketURL(t *testing.T) {
	tests := []struct {
		name    string
		hubURL  string
		connTok string
		access  string
		want    string
		wantErr bool
	}{
		{"https", "https://app.example.com/hubs/events", "", "tok", "wss://app.example.com/hubs/events?access_token=tok", false},
		{"http_with_id", "http://localhost:5000/hub", "c1", "tok", "ws://localhost:5000/hub?access_token=tok&id=c1", false},
		{"ws_kept", "ws://localhost/hub", "", "", "ws://localhost/hub", false},
		{"bad_scheme", "ftp://localhost/hub", "", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := WebSocketURL(tt.hubURL, tt.connTok, tt.access)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTransport_StartAndInvoke(t *testing.T) {
	hub := &hubServer{}
	server := newHubServer(t, hub)
	tr := startTransport(t, testOptions(server.URL), nil)

	result, err := tr.Invoke(context.Background(), "Echo", map[string]any{"tenant": "t1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"tenant":"t1"}`, string(result))

	query := hub.lastQuery()
	assert.Equal(t, "bearer-1", query.Get("access_token"))
	assert.Empty(t, query.Get("id"))
}

func TestTransport_StartWithNegotiate(t *testing.T) {
	hub := &hubServer{}
	server := newHubServer(t, hub)

	negotiator, err := httpclient.NewClient(httpclient.DefaultConfig())
	require.NoError(t, err)
	defer negotiator.Close()

	opts := testOptions(server.URL)
	opts.Negotiate = true
	startTransport(t, opts, negotiator)

	query := hub.lastQuery()
	assert.Equal(t, "ctok-1", query.Get("id"))
	assert.Equal(t, "bearer-1", query.Get("access_token"))
}

func TestTransport_TokenFetchedAtHandshake(t *testing.T) {
	hub := &hubServer{}
	server := newHubServer(t, hub)

	calls := 0
	opts := testOptions(server.URL)
	opts.AccessToken = func() (string, error) {
		calls++
		return "fresh-token", nil
	}
	tr, err := New(opts, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, calls)

	require.NoError(t, tr.Start(context.Background()))
	defer tr.Stop(context.Background())
	assert.Equal(t, 1, calls)
	assert.Equal(t, "fresh-token", hub.lastQuery().Get("access_token"))
}

func TestTransport_AccessTokenError(t *testing.T) {
	opts := testOptions("http://127.0.0.1:1")
	opts.AccessToken = func() (string, error) { return "", errors.New("signed out") }

	tr, err := New(opts, nil)
	require.NoError(t, err)

	err = tr.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "signed out")
}

func TestTransport_HandshakeRejected(t *testing.T) {
	server := newHubServer(t, &hubServer{rejectHandshake: "protocol not supported"})

	tr, err := New(testOptions(server.URL), nil)
	require.NoError(t, err)

	err = tr.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "protocol not supported")

	_, err = tr.Invoke(context.Background(), "Echo", 1)
	assert.ErrorIs(t, err, core.ErrTransportClosed)
}

func TestTransport_HandshakeContextTimeout(t *testing.T) {
	server := newHubServer(t, &hubServer{skipHandshake: true})

	tr, err := New(testOptions(server.URL), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err = tr.Start(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTransport_DialFailure(t *testing.T) {
	tr, err := New(testOptions("http://127.0.0.1:1"), nil)
	require.NoError(t, err)

	closed := make(chan error, 1)
	tr.OnClose(func(err error) { closed <- err })

	assert.Error(t, tr.Start(context.Background()))
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("close callback not called after failed start")
	}
}

func TestTransport_StartTwice(t *testing.T) {
	server := newHubServer(t, &hubServer{})
	tr := startTransport(t, testOptions(server.URL), nil)

	assert.Error(t, tr.Start(context.Background()))
}

func TestTransport_InvokeBeforeStart(t *testing.T) {
	tr, err := New(testOptions("http://127.0.0.1:1"), nil)
	require.NoError(t, err)

	_, err = tr.Invoke(context.Background(), "Echo", 1)
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestTransport_InvocationError(t *testing.T) {
	server := newHubServer(t, &hubServer{})
	tr := startTransport(t, testOptions(server.URL), nil)

	_, err := tr.Invoke(context.Background(), "Fail")
	var invErr *core.InvocationError
	require.ErrorAs(t, err, &invErr)
	assert.Equal(t, "Fail", invErr.Method)
	assert.Equal(t, "boom", invErr.Message)
}

func TestTransport_InvokeContextCancelled(t *testing.T) {
	server := newHubServer(t, &hubServer{})
	tr := startTransport(t, testOptions(server.URL), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := tr.Invoke(ctx, "Hang")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	tr.mu.Lock()
	assert.Empty(t, tr.pending)
	tr.mu.Unlock()
}

func TestTransport_DispatchCaseInsensitive(t *testing.T) {
	server := newHubServer(t, &hubServer{})
	tr := startTransport(t, testOptions(server.URL), nil)

	received := make(chan core.Message, 4)
	h := core.NewHandler(func(m core.Message) { received <- m })
	tr.On("notification_received", h)
	tr.On("notification_received", h)

	_, err := tr.Invoke(context.Background(), "Broadcast", "Notification_Received", map[string]any{"id": "n1"})
	require.NoError(t, err)

	select {
	case msg := <-received:
		assert.Equal(t, "Notification_Received", msg.Event)
		assert.JSONEq(t, `{"id":"n1"}`, string(msg.Payload()))
		assert.False(t, msg.ReceivedAt.IsZero())
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
	assert.Len(t, received, 0, "handler attached twice must be called once")

	tr.Off("NOTIFICATION_RECEIVED", h)
	_, err = tr.Invoke(context.Background(), "Broadcast", "notification_received", 1)
	require.NoError(t, err)
	assert.Len(t, received, 0)
}

func TestTransport_HandlerPanicDoesNotKillTransport(t *testing.T) {
	server := newHubServer(t, &hubServer{})
	tr := startTransport(t, testOptions(server.URL), nil)

	tr.On("analysis_completed", core.NewHandler(func(core.Message) { panic("bad handler") }))

	_, err := tr.Invoke(context.Background(), "Broadcast", "analysis_completed", 1)
	require.NoError(t, err)

	result, err := tr.Invoke(context.Background(), "Echo", 7)
	require.NoError(t, err)
	assert.Equal(t, "7", string(result))
}

func TestTransport_HandlerCanInvoke(t *testing.T) {
	server := newHubServer(t, &hubServer{})
	tr := startTransport(t, testOptions(server.URL), nil)

	results := make(chan string, 1)
	tr.On("support_session_closed", core.NewHandler(func(core.Message) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		result, err := tr.Invoke(ctx, "Echo", "left")
		if err != nil {
			results <- err.Error()
			return
		}
		results <- string(result)
	}))

	_, err := tr.Invoke(context.Background(), "Broadcast", "support_session_closed", 1)
	require.NoError(t, err)

	select {
	case result := <-results:
		assert.Equal(t, `"left"`, result)
	case <-time.After(2 * time.Second):
		t.Fatal("invoke from handler did not complete")
	}
}

func TestTransport_HandlerCanStop(t *testing.T) {
	server := newHubServer(t, &hubServer{})
	tr := startTransport(t, testOptions(server.URL), nil)

	stopped := make(chan error, 1)
	tr.On("support_session_closed", core.NewHandler(func(core.Message) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		stopped <- tr.Stop(ctx)
	}))

	// the completion may race the stop, so only the handler outcome matters
	_, _ = tr.Invoke(context.Background(), "Broadcast", "support_session_closed", 1)

	select {
	case err := <-stopped:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Stop from handler did not return")
	}
	select {
	case <-tr.Done():
	case <-time.After(time.Second):
		t.Fatal("transport not closed after Stop from handler")
	}
}

func TestTransport_RegistryMixedCaseNames(t *testing.T) {
	server := newHubServer(t, &hubServer{})
	tr := startTransport(t, testOptions(server.URL), nil)

	alerts := make(chan core.Message, 4)
	others := make(chan core.Message, 4)
	h := core.NewHandler(func(m core.Message) { alerts <- m })
	other := core.NewHandler(func(m core.Message) { others <- m })

	reg := registry.New()
	assert.True(t, reg.Register("Alert", h))
	assert.False(t, reg.Register("alert", h))
	assert.True(t, reg.Register("ALERT", other))
	assert.Equal(t, 2, reg.Count("alert"))
	assert.Equal(t, 2, reg.Replay(tr))

	_, err := tr.Invoke(context.Background(), "Broadcast", "alert", 1)
	require.NoError(t, err)
	for _, ch := range []chan core.Message{alerts, others} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
	assert.Len(t, alerts, 0, "handler registered under two spellings must be called once")

	assert.True(t, reg.Unregister("alert", h))
	assert.Equal(t, 1, reg.Count("Alert"))

	_, err = tr.Invoke(context.Background(), "Broadcast", "Alert", 2)
	require.NoError(t, err)
	select {
	case msg := <-others:
		assert.Equal(t, "Alert", msg.Event)
	case <-time.After(time.Second):
		t.Fatal("remaining handler lost its event")
	}
	assert.Len(t, alerts, 0)
}

func TestTransport_ServerCloseRecord(t *testing.T) {
	server := newHubServer(t, &hubServer{})
	tr := startTransport(t, testOptions(server.URL), nil)

	closed := make(chan error, 2)
	tr.OnClose(func(err error) { closed <- err })

	_, err := tr.Invoke(context.Background(), "Shutdown")
	assert.ErrorIs(t, err, core.ErrTransportClosed)

	select {
	case err := <-closed:
		assert.ErrorIs(t, err, core.ErrTransportClosed)
		assert.Contains(t, err.Error(), "maintenance")
	case <-time.After(time.Second):
		t.Fatal("close callback not called")
	}

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, closed, 0, "close callback must fire once")
}

func TestTransport_Stop(t *testing.T) {
	server := newHubServer(t, &hubServer{})
	tr := startTransport(t, testOptions(server.URL), nil)

	var mu sync.Mutex
	calls := 0
	tr.OnClose(func(error) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	require.NoError(t, tr.Stop(context.Background()))
	require.NoError(t, tr.Stop(context.Background()))

	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()

	late := make(chan struct{})
	tr.OnClose(func(error) { close(late) })
	select {
	case <-late:
	case <-time.After(time.Second):
		t.Fatal("late close callback not called")
	}

	_, err := tr.Invoke(context.Background(), "Echo", 1)
	assert.ErrorIs(t, err, core.ErrTransportClosed)
}

func TestTransport_SendsPings(t *testing.T) {
	hub := &hubServer{}
	server := newHubServer(t, hub)

	opts := testOptions(server.URL)
	opts.PingInterval = 20 * time.Millisecond
	startTransport(t, opts, nil)

	assert.Eventually(t, func() bool { return hub.pingCount() >= 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestTransport_ServerTimeout(t *testing.T) {
	server := newHubServer(t, &hubServer{})

	opts := testOptions(server.URL)
	opts.PingInterval = time.Hour
	opts.ServerTimeout = 200 * time.Millisecond
	tr := startTransport(t, opts, nil)

	select {
	case <-tr.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("silent server did not drop the transport")
	}
}

func TestFactory(t *testing.T) {
	factory := Factory(nil)
	tr, err := factory(core.TransportOptions{URL: "http://x.test/hub"})
	require.NoError(t, err)
	assert.IsType(t, &Transport{}, tr)

	_, err = factory(core.TransportOptions{})
	assert.Error(t, err)
}
