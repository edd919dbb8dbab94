package core

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
)

// Transport is one persistent connection instance. A new Transport is created for every
// connection attempt and is never restarted once it has closed.
type Transport interface {
	// ID identifies this transport instance in logs and diagnostics.
	ID() string
	// Start completes the connection handshake.
	Start(ctx context.Context) error
	// Stop closes the connection. It is safe to call more than once and from an event handler.
	Stop(ctx context.Context) error
	// Invoke calls a remote method and waits for its completion.
	Invoke(ctx context.Context, method string, args ...any) (json.RawMessage, error)
	// On attaches h to event. Attaching the same pair twice is a no-op. Handlers may call
	// Invoke and Stop on the transport that delivered the message.
	On(event string, h *Handler)
	// Off detaches h from event.
	Off(event string, h *Handler)
	// OnClose registers fn to run once when the transport closes for any reason.
	// If the transport has already closed, fn runs asynchronously.
	OnClose(fn func(err error))
}

// TokenFunc returns the bearer token at the moment it is called.
type TokenFunc func() (string, error)

// TransportOptions holds the construction parameters handed to a TransportFactory.
type TransportOptions struct {
	// URL is the hub endpoint.
	URL string
	// AccessToken is invoked by the transport at handshake time.
	AccessToken TokenFunc
	// Negotiate enables the REST negotiate step before the websocket upgrade.
	Negotiate bool
	// HandshakeTimeout bounds the websocket upgrade.
	HandshakeTimeout time.Duration
	// PingInterval is the keepalive period.
	PingInterval time.Duration
	// ServerTimeout drops the transport when nothing is received for this long.
	ServerTimeout time.Duration
	// Logger receives transport logs.
	Logger zerolog.Logger
}

// TransportFactory creates a fresh, unstarted Transport.
type TransportFactory func(opts TransportOptions) (Transport, error)

// CredentialSource returns the current bearer token, or false when there is none.
// It is consulted at the start of every attempt and never cached across attempts.
type CredentialSource interface {
	Token() (string, bool)
}
