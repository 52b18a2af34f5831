package iotmqtt

import (
	"bytes"
	"io"
)

// PublishPacket represents an MQTT PUBLISH packet.
// MQTT v3.1.1 spec: Section 3.3
type PublishPacket struct {
	// Topic is the topic name.
	Topic string

	// Payload is the application message.
	Payload []byte

	// QoS is the Quality of Service level (0, 1, or 2).
	QoS byte

	// Retain indicates if this is a retained message.
	Retain bool

	// DUP indicates this is a re-delivery attempt.
	DUP bool

	// PacketID is the packet identifier (only for QoS > 0).
	PacketID uint16
}

// Type returns the packet type.
func (p *PublishPacket) Type() PacketType {
	return PacketPUBLISH
}

// GetPacketID returns the packet identifier.
func (p *PublishPacket) GetPacketID() uint16 {
	return p.PacketID
}

// SetPacketID sets the packet identifier.
func (p *PublishPacket) SetPacketID(id uint16) {
	p.PacketID = id
}

func (p *PublishPacket) flags() byte {
	var flags byte
	if p.DUP {
		flags |= 0x08
	}
	flags |= (p.QoS & 0x03) << 1
	if p.Retain {
		flags |= 0x01
	}
	return flags
}

func (p *PublishPacket) setFlags(flags byte) {
	p.DUP = flags&0x08 != 0
	p.QoS = (flags >> 1) & 0x03
	p.Retain = flags&0x01 != 0
}

// Encode writes the packet to the writer.
func (p *PublishPacket) Encode(w io.Writer) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}

	var buf bytes.Buffer
	buf.Grow(2 + len(p.Topic) + 2 + len(p.Payload))

	if _, err := encodeString(&buf, p.Topic); err != nil {
		return 0, err
	}

	if p.QoS > 0 {
		if _, err := encodeUint16(&buf, p.PacketID); err != nil {
			return 0, err
		}
	}

	buf.Write(p.Payload)

	return writeWithHeader(w, PacketPUBLISH, p.flags(), buf.Bytes())
}

// Decode reads the packet from the reader.
func (p *PublishPacket) Decode(r io.Reader, header FixedHeader) (int, error) {
	if header.PacketType != PacketPUBLISH {
		return 0, ErrInvalidPacketType
	}

	p.setFlags(header.Flags)

	if p.QoS > 2 {
		return 0, ErrInvalidQoS
	}

	var (
		totalRead int
		n         int
		err       error
	)

	p.Topic, n, err = decodeString(r)
	totalRead += n
	if err != nil {
		return totalRead, err
	}

	if p.QoS > 0 {
		p.PacketID, n, err = decodeUint16(r)
		totalRead += n
		if err != nil {
			return totalRead, err
		}
	}

	payloadLen := int(header.RemainingLength) - totalRead
	if payloadLen < 0 {
		return totalRead, ErrMalformedPacket
	}

	if payloadLen > 0 {
		p.Payload = make([]byte, payloadLen)
		n, err = io.ReadFull(r, p.Payload)
		totalRead += n
		if err != nil {
			return totalRead, err
		}
	}

	return totalRead, p.Validate()
}

// Validate validates the packet contents.
func (p *PublishPacket) Validate() error {
	if p.QoS > 2 {
		return ErrInvalidQoS
	}

	// MQTT v3.1.1 spec: Section 3.3.1.1
	if p.QoS == 0 && p.DUP {
		return ErrInvalidDUPFlag
	}

	if p.QoS > 0 && p.PacketID == 0 {
		return ErrPacketIDRequired
	}

	return ValidateTopicName(p.Topic)
}

// ToMessage converts the packet to a Message.
func (p *PublishPacket) ToMessage() *Message {
	return &Message{
		Topic:     p.Topic,
		Payload:   p.Payload,
		QoS:       p.QoS,
		Retain:    p.Retain,
		Duplicate: p.DUP,
		PacketID:  p.PacketID,
	}
}

// FromMessage populates the packet from a Message.
func (p *PublishPacket) FromMessage(m *Message) {
	p.Topic = m.Topic
	p.Payload = m.Payload
	p.QoS = m.QoS
	p.Retain = m.Retain
}
