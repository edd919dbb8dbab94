// Package realtime manages the persistent hub connection and fans server-pushed events
// out to registered handlers.
//
// A single Dispatcher is created by the composition root and passed to every consumer:
//
//	d, err := realtime.New(config, credential.NewHolder(token), realtime.WithLogger(logger))
//	if err != nil {
//		return err
//	}
//	d.On(events.NotificationReceived, handler)
//	err = d.Connect(ctx)
package realtime

import (
	"fmt"

	httpclient "churnlink/internal/http"
	"churnlink/internal/hub"
	"churnlink/pkg/core"
)

// New validates config and builds a Dispatcher backed by the hub websocket transport,
// unless WithTransportFactory supplies another one.
func New(config *core.Config, creds core.CredentialSource, opts ...Option) (*Dispatcher, error) {
	o := applyOptions(opts...)

	var closers []func() error
	if o.Factory == nil {
		timeout := core.DefaultConfig("").HandshakeTimeout
		if config != nil && config.HandshakeTimeout > 0 {
			timeout = config.HandshakeTimeout
		}
		negotiator, err := httpclient.NewClient(&httpclient.Config{Timeout: timeout})
		if err != nil {
			return nil, fmt.Errorf("create negotiate client: %w", err)
		}
		negotiator.SetLogger(o.Logger.With().Str("component", "negotiate").Logger())
		closers = append(closers, negotiator.Close)
		opts = append(opts, WithTransportFactory(hub.Factory(negotiator)))
	}

	m, err := NewManager(config, creds, opts...)
	if err != nil {
		for _, closer := range closers {
			_ = closer()
		}
		return nil, err
	}

	d := NewDispatcher(m)
	d.closers = closers
	return d, nil
}
