package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"churnlink/internal/credential"
	"churnlink/pkg/core"
)

func TestNew(t *testing.T) {
	t.Run("hub transport by default", func(t *testing.T) {
		d, err := New(testConfig(), credential.Static("token"))
		require.NoError(t, err)
		assert.Equal(t, core.StateDisconnected, d.ConnectionState())
		assert.Len(t, d.closers, 1)
		assert.NoError(t, d.Close(context.Background()))
	})

	t.Run("custom factory", func(t *testing.T) {
		factory := &fakeFactory{}
		d, err := New(testConfig(), credential.Static("token"), WithTransportFactory(factory.Factory()))
		require.NoError(t, err)
		assert.Empty(t, d.closers)

		require.NoError(t, d.Connect(context.Background()))
		assert.Equal(t, 1, factory.count())
		assert.NoError(t, d.Close(context.Background()))
		assert.Equal(t, core.StateDisconnected, d.ConnectionState())
	})

	t.Run("invalid config", func(t *testing.T) {
		d, err := New(core.DefaultConfig("not a url"), credential.Static("token"))
		require.Error(t, err)
		assert.Nil(t, d)
		assert.ErrorIs(t, err, core.ErrInvalidConfig)
	})

	t.Run("nil config", func(t *testing.T) {
		_, err := New(nil, credential.Static("token"))
		assert.ErrorIs(t, err, core.ErrInvalidConfig)
	})
}

func TestDispatcher_Subscribe(t *testing.T) {
	factory := &fakeFactory{}
	d, err := New(testConfig(), credential.Static("token"), WithTransportFactory(factory.Factory()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close(context.Background()) })

	var received []string
	unsubscribe := d.Subscribe("support_new_request_for_staff", func(msg core.Message) {
		received = append(received, string(msg.Payload()))
	})

	require.NoError(t, d.Connect(context.Background()))
	factory.last().emit("support_new_request_for_staff", `{"sessionId":"s1"}`)

	unsubscribe()
	factory.last().emit("support_new_request_for_staff", `{"sessionId":"s2"}`)

	assert.Equal(t, []string{`{"sessionId":"s1"}`}, received)
	assert.Equal(t, 0, d.Manager().Registry().Len())
}

func TestDispatcher_Invoke(t *testing.T) {
	factory := &fakeFactory{}
	d, err := New(testConfig(), credential.Static("token"), WithTransportFactory(factory.Factory()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close(context.Background()) })

	_, err = d.Invoke(context.Background(), "MarkNotificationRead", "n1")
	require.NoError(t, err)
	assert.Equal(t, core.StateConnected, d.ConnectionState())
	assert.Equal(t, 1, factory.last().called("MarkNotificationRead"))
	assert.Equal(t, "fake-1", d.Stats().TransportID)
}

func TestDispatcher_StateHooks(t *testing.T) {
	factory := &fakeFactory{}
	d, err := New(testConfig(), credential.Static("token"), WithTransportFactory(factory.Factory()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close(context.Background()) })

	var states stateLog
	stop := d.WatchState(states.watch)
	defer stop()

	reconnected := make(chan struct{}, 1)
	d.OnReconnected(func() { reconnected <- struct{}{} })

	require.NoError(t, d.Connect(context.Background()))
	factory.last().drop()

	select {
	case <-reconnected:
	case <-time.After(waitFor):
		t.Fatal("reconnect callback did not run")
	}
	assert.True(t, states.seen(core.StateReconnecting))
	assert.Equal(t, core.StateConnected, d.ConnectionState())

	d.Disconnect(context.Background())
	assert.Equal(t, core.StateDisconnected, d.ConnectionState())
}
