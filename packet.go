package iotmqtt

import (
	"errors"
	"fmt"
	"io"
)

// Packet errors.
var (
	ErrMalformedPacket   = errors.New("malformed packet")
	ErrInvalidQoS        = fmt.Errorf("%w: invalid QoS level", ErrBadParameter)
	ErrPacketIDRequired  = fmt.Errorf("%w: packet identifier required", ErrBadParameter)
	ErrEmptyTopicList    = fmt.Errorf("%w: at least one topic filter required", ErrBadParameter)
	ErrClientIDRequired  = fmt.Errorf("%w: client identifier required when clean session is false", ErrBadParameter)
	ErrInvalidDUPFlag    = fmt.Errorf("%w: DUP flag must be 0 for QoS 0", ErrBadParameter)
	ErrPayloadTooLarge   = fmt.Errorf("%w: payload exceeds packet size limit", ErrBadParameter)
	ErrUnexpectedPacket  = errors.New("unexpected packet")
	ErrInvalidReturnCode = errors.New("invalid return code")
)

// QoS levels.
// MQTT v3.1.1 spec: Section 4.3
const (
	QoS0 byte = 0 // At most once
	QoS1 byte = 1 // At least once
	QoS2 byte = 2 // Exactly once
)

// Packet is the interface that all MQTT control packets implement.
// MQTT v3.1.1 spec: Section 2
type Packet interface {
	// Type returns the packet type.
	Type() PacketType

	// Encode writes the packet to the writer.
	// Returns the number of bytes written.
	Encode(w io.Writer) (int, error)

	// Decode reads the packet from the reader.
	// The fixed header should already be decoded.
	// Returns the number of bytes read.
	Decode(r io.Reader, header FixedHeader) (int, error)

	// Validate validates the packet contents.
	Validate() error
}

// PacketWithID is implemented by packets that have a packet identifier.
// MQTT v3.1.1 spec: Section 2.3.1
type PacketWithID interface {
	Packet

	// GetPacketID returns the packet identifier.
	GetPacketID() uint16

	// SetPacketID sets the packet identifier.
	SetPacketID(id uint16)
}

// Message represents an MQTT application message.
// This is the user-facing struct with public fields for easy access.
type Message struct {
	// Topic is the topic name to publish to or received from.
	Topic string

	// Payload is the application message payload.
	Payload []byte

	// QoS is the Quality of Service level (0, 1, or 2).
	QoS byte

	// Retain indicates if this is a retained message.
	Retain bool

	// Duplicate is set on received messages that the broker redelivered.
	Duplicate bool

	// PacketID is the identifier of a received QoS 1 or 2 message.
	PacketID uint16
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}

	clone := *m
	if m.Payload != nil {
		clone.Payload = make([]byte, len(m.Payload))
		copy(clone.Payload, m.Payload)
	}

	return &clone
}

// writeWithHeader writes the fixed header followed by body.
func writeWithHeader(w io.Writer, packetType PacketType, flags byte, body []byte) (int, error) {
	if len(body) > maxVarint {
		return 0, ErrVarintTooLarge
	}

	header := FixedHeader{
		PacketType:      packetType,
		Flags:           flags,
		RemainingLength: uint32(len(body)),
	}

	total, err := header.Encode(w)
	if err != nil {
		return total, err
	}

	n, err := w.Write(body)
	return total + n, err
}
