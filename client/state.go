// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import "sync/atomic"

// State represents the connection state.
type State uint32

// Connection states.
const (
	// StateDisconnected is the state of a client that has not connected yet.
	StateDisconnected State = iota
	StateConnecting
	StateHandshaking
	StateConnected
	StateReconnecting
	StateDraining
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// transitions lists the legal edges of the state machine. Closed is reachable
// from every state and is terminal.
var transitions = map[State][]State{
	StateDisconnected: {StateConnecting},
	StateConnecting:   {StateHandshaking, StateDisconnected, StateReconnecting},
	StateHandshaking:  {StateConnected, StateConnecting, StateDisconnected, StateReconnecting},
	StateConnected:    {StateReconnecting, StateDraining},
	StateReconnecting: {StateHandshaking},
	StateDraining:     {},
	StateClosed:       {},
}

func allowed(from, to State) bool {
	if to == StateClosed {
		return from != StateClosed
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// stateManager holds the authoritative connection state. Writers hold the
// client mutex; readers may load it lock-free.
type stateManager struct {
	state uint32
}

func newStateManager() *stateManager {
	return &stateManager{state: uint32(StateDisconnected)}
}

func (sm *stateManager) get() State {
	return State(atomic.LoadUint32(&sm.state))
}

// transition moves from one state to another if the edge is legal and the
// current state is from.
func (sm *stateManager) transition(from, to State) bool {
	if !allowed(from, to) {
		return false
	}
	return atomic.CompareAndSwapUint32(&sm.state, uint32(from), uint32(to))
}

// close moves to Closed from any state and returns the previous state.
func (sm *stateManager) close() State {
	return State(atomic.SwapUint32(&sm.state, uint32(StateClosed)))
}

func (sm *stateManager) isConnected() bool {
	return sm.get() == StateConnected
}

func (sm *stateManager) isClosed() bool {
	return sm.get() == StateClosed
}
