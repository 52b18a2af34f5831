package iotmqtt

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the engine - check with errors.Is().
var (
	// ErrBadParameter is returned when the caller passes an invalid argument.
	ErrBadParameter = errors.New("bad parameter")

	// ErrNoMemory is returned when the configured allocator is exhausted.
	ErrNoMemory = errors.New("no memory")

	// ErrNetwork is the teardown cause for a transport failure.
	ErrNetwork = errors.New("network error")

	// ErrProtocol is the teardown cause when the peer sends malformed data.
	ErrProtocol = errors.New("protocol error")

	// ErrTimeout is returned when an operation or a wait expires.
	ErrTimeout = errors.New("timeout")

	// ErrConnectionRefused is returned when CONNACK carries a non-zero return code.
	ErrConnectionRefused = errors.New("connection refused")

	// ErrTooManyOperations is returned when the in-flight operation limit is reached.
	ErrTooManyOperations = errors.New("too many operations in flight")

	// ErrConnectionClosed completes operations that were in flight at teardown.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrKeepAliveTimeout is the teardown cause when the broker stops responding.
	ErrKeepAliveTimeout = errors.New("keep-alive timeout")

	// ErrIncompleteData means more bytes are needed to parse a packet.
	ErrIncompleteData = errors.New("incomplete data")

	// ErrWouldBlock is returned by Network.Receive when no data arrived in time.
	ErrWouldBlock = errors.New("would block")

	// ErrNotConnected is returned when an operation requires an active connection.
	ErrNotConnected = errors.New("not connected")

	// ErrSubscriptionRejected is returned when the broker refuses one or more filters.
	ErrSubscriptionRejected = errors.New("subscription rejected")

	// ErrInvalidTopic is returned when a topic name or filter is invalid.
	ErrInvalidTopic = fmt.Errorf("%w: invalid topic", ErrBadParameter)
)

// ConnectRefusedError carries the CONNACK return code of a refused connection.
// Extract with errors.As().
type ConnectRefusedError struct {
	Code ConnectReturnCode
}

func (e *ConnectRefusedError) Error() string {
	return "connection refused: " + e.Code.String()
}

func (e *ConnectRefusedError) Unwrap() error { return ErrConnectionRefused }

// NewConnectRefusedError creates a new ConnectRefusedError.
func NewConnectRefusedError(code ConnectReturnCode) *ConnectRefusedError {
	return &ConnectRefusedError{Code: code}
}

// SubscribeError lists the filters a SUBACK rejected.
// Extract with errors.As().
type SubscribeError struct {
	Filters []string
}

func (e *SubscribeError) Error() string {
	return "subscription rejected: " + strings.Join(e.Filters, ", ")
}

func (e *SubscribeError) Unwrap() error { return ErrSubscriptionRejected }

// NewSubscribeError creates a new SubscribeError.
func NewSubscribeError(filters []string) *SubscribeError {
	return &SubscribeError{Filters: filters}
}

// ProtocolError describes a malformed or unexpected packet from the peer.
// Extract with errors.As().
type ProtocolError struct {
	PacketType PacketType
	Cause      error
}

func (e *ProtocolError) Error() string {
	msg := "protocol error"
	if e.PacketType != 0 {
		msg += " in " + e.PacketType.String()
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrProtocol}
	}
	return []error{ErrProtocol, e.Cause}
}

// NewProtocolError creates a new ProtocolError.
func NewProtocolError(packetType PacketType, cause error) *ProtocolError {
	return &ProtocolError{PacketType: packetType, Cause: cause}
}

// ConnectionLostError is passed to the connection-lost handler.
// It wraps the teardown cause, for example ErrKeepAliveTimeout.
type ConnectionLostError struct {
	Cause error
}

func (e *ConnectionLostError) Error() string {
	if e.Cause != nil {
		return "connection lost: " + e.Cause.Error()
	}
	return "connection lost"
}

func (e *ConnectionLostError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrConnectionClosed}
	}
	return []error{ErrConnectionClosed, e.Cause}
}

// NewConnectionLostError creates a new ConnectionLostError.
func NewConnectionLostError(cause error) *ConnectionLostError {
	return &ConnectionLostError{Cause: cause}
}

// networkError wraps a transport error so that it matches ErrNetwork.
func networkError(err error) error {
	if err == nil || errors.Is(err, ErrNetwork) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrNetwork, err)
}
