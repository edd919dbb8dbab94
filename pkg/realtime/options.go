package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"churnlink/internal/metrics"
	"churnlink/pkg/core"
)

type Option func(*Options)

type Options struct {
	Logger     zerolog.Logger
	Factory    core.TransportFactory
	Registerer prometheus.Registerer

	recorder metrics.Recorder
}

// WithLogger sets the logger used by the manager, the registry and every transport.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// WithTransportFactory replaces the hub websocket transport.
func WithTransportFactory(factory core.TransportFactory) Option {
	return func(o *Options) {
		o.Factory = factory
	}
}

// WithPrometheus registers connection metrics with reg.
func WithPrometheus(reg prometheus.Registerer) Option {
	return func(o *Options) {
		o.Registerer = reg
	}
}

func withRecorder(r metrics.Recorder) Option {
	return func(o *Options) {
		o.recorder = r
	}
}

func applyOptions(opts ...Option) *Options {
	o := &Options{Logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
