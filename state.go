package iotmqtt

import "fmt"

// State is the lifecycle state of a Connection.
type State byte

// Connection states.
const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return fmt.Sprintf("state(%d)", byte(s))
	}
}

// canTransition reports whether moving from s to next is legal.
func (s State) canTransition(next State) bool {
	switch s {
	case StateDisconnected:
		return next == StateConnecting
	case StateConnecting:
		return next == StateConnected || next == StateDisconnected
	case StateConnected:
		return next == StateDisconnecting || next == StateDisconnected
	case StateDisconnecting:
		return next == StateDisconnected
	default:
		return false
	}
}
