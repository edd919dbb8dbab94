package core

import "sync/atomic"

// ConnState represents the lifecycle state of the real-time connection.
type ConnState int32

// Connection states. StateDisconnected is both the initial state and the state reached
// by an explicit disconnect or by exhausting automatic retries.
const (
	// StateDisconnected indicates there is no transport and no attempt in flight.
	StateDisconnected ConnState = iota
	// StateConnecting indicates a first connection attempt is in flight.
	StateConnecting
	// StateConnected indicates a live transport with handlers attached.
	StateConnected
	// StateReconnecting indicates the transport dropped and recovery is in progress.
	StateReconnecting
)

// String returns the string representation of the connection state.
func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// State provides atomic access to a ConnState value.
type State struct {
	state atomic.Int32
}

// Load returns the current connection state.
func (s *State) Load() ConnState {
	return ConnState(s.state.Load())
}

// Swap stores the new state and returns the previous one.
func (s *State) Swap(state ConnState) ConnState {
	return ConnState(s.state.Swap(int32(state)))
}
