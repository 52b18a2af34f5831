package iotmqtt

import (
	"bytes"
	"io"
)

// Subscription represents a topic filter and its requested QoS.
type Subscription struct {
	// TopicFilter is the filter to subscribe to.
	TopicFilter string

	// QoS is the maximum QoS level requested.
	QoS byte

	// Listener receives messages matching the filter. It is not encoded on the wire.
	Listener MessageListener
}

// SubscribePacket represents an MQTT SUBSCRIBE packet.
// MQTT v3.1.1 spec: Section 3.8
type SubscribePacket struct {
	PacketID      uint16
	Subscriptions []Subscription
}

// Type returns the packet type.
func (p *SubscribePacket) Type() PacketType { return PacketSUBSCRIBE }

// GetPacketID returns the packet identifier.
func (p *SubscribePacket) GetPacketID() uint16 { return p.PacketID }

// SetPacketID sets the packet identifier.
func (p *SubscribePacket) SetPacketID(id uint16) { p.PacketID = id }

// Encode writes the packet to the writer.
func (p *SubscribePacket) Encode(w io.Writer) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}

	var buf bytes.Buffer

	if _, err := encodeUint16(&buf, p.PacketID); err != nil {
		return 0, err
	}

	for _, sub := range p.Subscriptions {
		if _, err := encodeString(&buf, sub.TopicFilter); err != nil {
			return 0, err
		}

		buf.WriteByte(sub.QoS & 0x03)
	}

	// SUBSCRIBE must have flags 0x02
	return writeWithHeader(w, PacketSUBSCRIBE, 0x02, buf.Bytes())
}

// Decode reads the packet from the reader.
func (p *SubscribePacket) Decode(r io.Reader, header FixedHeader) (int, error) {
	if header.PacketType != PacketSUBSCRIBE {
		return 0, ErrInvalidPacketType
	}
	if header.Flags != 0x02 {
		return 0, ErrInvalidPacketFlags
	}

	var (
		totalRead int
		n         int
		err       error
	)

	p.PacketID, n, err = decodeUint16(r)
	totalRead += n
	if err != nil {
		return totalRead, err
	}

	p.Subscriptions = nil
	for totalRead < int(header.RemainingLength) {
		var sub Subscription

		sub.TopicFilter, n, err = decodeString(r)
		totalRead += n
		if err != nil {
			return totalRead, err
		}

		var optBuf [1]byte
		n, err = io.ReadFull(r, optBuf[:])
		totalRead += n
		if err != nil {
			return totalRead, err
		}

		// Upper six bits are reserved
		if optBuf[0]&0xFC != 0 {
			return totalRead, ErrMalformedPacket
		}
		sub.QoS = optBuf[0]

		p.Subscriptions = append(p.Subscriptions, sub)
	}

	return totalRead, p.Validate()
}

// Validate validates the packet contents.
func (p *SubscribePacket) Validate() error {
	if p.PacketID == 0 {
		return ErrPacketIDRequired
	}
	if len(p.Subscriptions) == 0 {
		return ErrEmptyTopicList
	}
	for _, sub := range p.Subscriptions {
		if err := ValidateTopicFilter(sub.TopicFilter); err != nil {
			return err
		}
		if sub.QoS > 2 {
			return ErrInvalidQoS
		}
	}
	return nil
}

// SubackPacket represents an MQTT SUBACK packet.
// MQTT v3.1.1 spec: Section 3.9
type SubackPacket struct {
	PacketID uint16

	// ReturnCodes holds the granted QoS per filter, or SubackFailure.
	ReturnCodes []byte
}

// Type returns the packet type.
func (p *SubackPacket) Type() PacketType { return PacketSUBACK }

// GetPacketID returns the packet identifier.
func (p *SubackPacket) GetPacketID() uint16 { return p.PacketID }

// SetPacketID sets the packet identifier.
func (p *SubackPacket) SetPacketID(id uint16) { p.PacketID = id }

// Encode writes the packet to the writer.
func (p *SubackPacket) Encode(w io.Writer) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}

	body := make([]byte, 0, 2+len(p.ReturnCodes))
	body = append(body, byte(p.PacketID>>8), byte(p.PacketID))
	body = append(body, p.ReturnCodes...)

	return writeWithHeader(w, PacketSUBACK, 0x00, body)
}

// Decode reads the packet from the reader.
func (p *SubackPacket) Decode(r io.Reader, header FixedHeader) (int, error) {
	if header.PacketType != PacketSUBACK {
		return 0, ErrInvalidPacketType
	}
	if header.RemainingLength < 3 {
		return 0, ErrMalformedPacket
	}

	var (
		totalRead int
		n         int
		err       error
	)

	p.PacketID, n, err = decodeUint16(r)
	totalRead += n
	if err != nil {
		return totalRead, err
	}

	p.ReturnCodes = make([]byte, int(header.RemainingLength)-totalRead)
	n, err = io.ReadFull(r, p.ReturnCodes)
	totalRead += n
	if err != nil {
		return totalRead, err
	}

	return totalRead, p.Validate()
}

// Validate validates the packet contents.
func (p *SubackPacket) Validate() error {
	if p.PacketID == 0 {
		return ErrPacketIDRequired
	}
	if len(p.ReturnCodes) == 0 {
		return ErrMalformedPacket
	}
	for _, code := range p.ReturnCodes {
		if code > 2 && code != SubackFailure {
			return ErrInvalidReturnCode
		}
	}
	return nil
}
