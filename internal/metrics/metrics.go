// Package metrics exposes connection manager instrumentation as Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"churnlink/pkg/core"
)

const namespace = "churnlink_realtime"

// Recorder receives connection lifecycle observations.
type Recorder interface {
	SetState(state core.ConnState)
	ConnectAttempt()
	ConnectFailure(errorType core.ErrorType)
	Reconnected()
	GroupCallFailed(method string)
	Invocation(method string, err error, elapsed time.Duration)
}

// Nop discards every observation.
type Nop struct{}

func (Nop) SetState(core.ConnState) {}
func (Nop) ConnectAttempt() {}
func (Nop) ConnectFailure(core.ErrorType) {}
func (Nop) Reconnected() {}
func (Nop) GroupCallFailed(string) {}
func (Nop) Invocation(string, error, time.Duration) {}

var connStates = []core.ConnState{
	core.StateDisconnected,
	core.StateConnecting,
	core.StateConnected,
	core.StateReconnecting,
}

// Prometheus records observations into Prometheus collectors.
type Prometheus struct {
	state            *prometheus.GaugeVec
	attempts         prometheus.Counter
	failures         *prometheus.CounterVec
	reconnections    prometheus.Counter
	groupFailures    *prometheus.CounterVec
	invocations      *prometheus.CounterVec
	invocationTiming *prometheus.HistogramVec
}

// NewPrometheus creates the collectors and registers them with reg.
func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	p := &Prometheus{
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Current connection state (1 for the active state, 0 otherwise)",
		}, []string{"state"}),
		attempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_attempts_total",
			Help:      "Total number of connection attempts",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_failures_total",
			Help:      "Total number of failed connection attempts by error type",
		}, []string{"error_type"}),
		reconnections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnections_total",
			Help:      "Total number of recoveries after a dropped connection",
		}),
		groupFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "group_call_failures_total",
			Help:      "Total number of failed group join or leave calls",
		}, []string{"method"}),
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invocations_total",
			Help:      "Total number of hub invocations",
		}, []string{"method", "status"}),
		invocationTiming: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "invocation_duration_seconds",
			Help:      "Duration of hub invocations in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"method"}),
	}

	collectors := []prometheus.Collector{
		p.state, p.attempts, p.failures, p.reconnections,
		p.groupFailures, p.invocations, p.invocationTiming,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	p.SetState(core.StateDisconnected)
	return p, nil
}

func (p *Prometheus) SetState(state core.ConnState) {
	for _, s := range connStates {
		value := 0.0
		if s == state {
			value = 1
		}
		p.state.WithLabelValues(s.String()).Set(value)
	}
}

func (p *Prometheus) ConnectAttempt() {
	p.attempts.Inc()
}

func (p *Prometheus) ConnectFailure(errorType core.ErrorType) {
	p.failures.WithLabelValues(errorType.String()).Inc()
}

func (p *Prometheus) Reconnected() {
	p.reconnections.Inc()
}

func (p *Prometheus) GroupCallFailed(method string) {
	p.groupFailures.WithLabelValues(method).Inc()
}

func (p *Prometheus) Invocation(method string, err error, elapsed time.Duration) {
	status := "success"
	if err != nil {
		status = "error"
	}
	p.invocations.WithLabelValues(method, status).Inc()
	p.invocationTiming.WithLabelValues(method).Observe(elapsed.Seconds())
}
