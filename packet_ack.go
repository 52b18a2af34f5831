package iotmqtt

import "io"

// encodeAck writes a packet whose body is only a packet identifier.
func encodeAck(w io.Writer, packetType PacketType, flags byte, packetID uint16) (int, error) {
	if packetID == 0 {
		return 0, ErrPacketIDRequired
	}

	return writeWithHeader(w, packetType, flags, []byte{byte(packetID >> 8), byte(packetID)})
}

// decodeAck reads the packet identifier of an acknowledgment packet.
func decodeAck(r io.Reader, header FixedHeader) (uint16, int, error) {
	if header.RemainingLength != 2 {
		return 0, 0, ErrMalformedPacket
	}

	id, n, err := decodeUint16(r)
	if err != nil {
		return 0, n, err
	}

	if id == 0 {
		return 0, n, ErrPacketIDRequired
	}

	return id, n, nil
}

// PubackPacket represents an MQTT PUBACK packet.
// MQTT v3.1.1 spec: Section 3.4
type PubackPacket struct {
	PacketID uint16
}

// Type returns the packet type.
func (p *PubackPacket) Type() PacketType { return PacketPUBACK }

// GetPacketID returns the packet identifier.
func (p *PubackPacket) GetPacketID() uint16 { return p.PacketID }

// SetPacketID sets the packet identifier.
func (p *PubackPacket) SetPacketID(id uint16) { p.PacketID = id }

// Encode writes the packet to the writer.
func (p *PubackPacket) Encode(w io.Writer) (int, error) {
	return encodeAck(w, PacketPUBACK, 0x00, p.PacketID)
}

// Decode reads the packet from the reader.
func (p *PubackPacket) Decode(r io.Reader, header FixedHeader) (int, error) {
	if header.PacketType != PacketPUBACK {
		return 0, ErrInvalidPacketType
	}
	var (
		n   int
		err error
	)
	p.PacketID, n, err = decodeAck(r, header)
	return n, err
}

// Validate validates the packet contents.
func (p *PubackPacket) Validate() error {
	if p.PacketID == 0 {
		return ErrPacketIDRequired
	}
	return nil
}

// PubrecPacket represents an MQTT PUBREC packet.
// MQTT v3.1.1 spec: Section 3.5
type PubrecPacket struct {
	PacketID uint16
}

// Type returns the packet type.
func (p *PubrecPacket) Type() PacketType { return PacketPUBREC }

// GetPacketID returns the packet identifier.
func (p *PubrecPacket) GetPacketID() uint16 { return p.PacketID }

// SetPacketID sets the packet identifier.
func (p *PubrecPacket) SetPacketID(id uint16) { p.PacketID = id }

// Encode writes the packet to the writer.
func (p *PubrecPacket) Encode(w io.Writer) (int, error) {
	return encodeAck(w, PacketPUBREC, 0x00, p.PacketID)
}

// Decode reads the packet from the reader.
func (p *PubrecPacket) Decode(r io.Reader, header FixedHeader) (int, error) {
	if header.PacketType != PacketPUBREC {
		return 0, ErrInvalidPacketType
	}
	var (
		n   int
		err error
	)
	p.PacketID, n, err = decodeAck(r, header)
	return n, err
}

// Validate validates the packet contents.
func (p *PubrecPacket) Validate() error {
	if p.PacketID == 0 {
		return ErrPacketIDRequired
	}
	return nil
}

// PubrelPacket represents an MQTT PUBREL packet.
// MQTT v3.1.1 spec: Section 3.6
type PubrelPacket struct {
	PacketID uint16
}

// Type returns the packet type.
func (p *PubrelPacket) Type() PacketType { return PacketPUBREL }

// GetPacketID returns the packet identifier.
func (p *PubrelPacket) GetPacketID() uint16 { return p.PacketID }

// SetPacketID sets the packet identifier.
func (p *PubrelPacket) SetPacketID(id uint16) { p.PacketID = id }

// Encode writes the packet to the writer.
// PUBREL has fixed header flags 0x02.
func (p *PubrelPacket) Encode(w io.Writer) (int, error) {
	return encodeAck(w, PacketPUBREL, 0x02, p.PacketID)
}

// Decode reads the packet from the reader.
func (p *PubrelPacket) Decode(r io.Reader, header FixedHeader) (int, error) {
	if header.PacketType != PacketPUBREL {
		return 0, ErrInvalidPacketType
	}
	if header.Flags != 0x02 {
		return 0, ErrInvalidPacketFlags
	}
	var (
		n   int
		err error
	)
	p.PacketID, n, err = decodeAck(r, header)
	return n, err
}

// Validate validates the packet contents.
func (p *PubrelPacket) Validate() error {
	if p.PacketID == 0 {
		return ErrPacketIDRequired
	}
	return nil
}

// PubcompPacket represents an MQTT PUBCOMP packet.
// MQTT v3.1.1 spec: Section 3.7
type PubcompPacket struct {
	PacketID uint16
}

// Type returns the packet type.
func (p *PubcompPacket) Type() PacketType { return PacketPUBCOMP }

// GetPacketID returns the packet identifier.
func (p *PubcompPacket) GetPacketID() uint16 { return p.PacketID }

// SetPacketID sets the packet identifier.
func (p *PubcompPacket) SetPacketID(id uint16) { p.PacketID = id }

// Encode writes the packet to the writer.
func (p *PubcompPacket) Encode(w io.Writer) (int, error) {
	return encodeAck(w, PacketPUBCOMP, 0x00, p.PacketID)
}

// Decode reads the packet from the reader.
func (p *PubcompPacket) Decode(r io.Reader, header FixedHeader) (int, error) {
	if header.PacketType != PacketPUBCOMP {
		return 0, ErrInvalidPacketType
	}
	var (
		n   int
		err error
	)
	p.PacketID, n, err = decodeAck(r, header)
	return n, err
}

// Validate validates the packet contents.
func (p *PubcompPacket) Validate() error {
	if p.PacketID == 0 {
		return ErrPacketIDRequired
	}
	return nil
}

// UnsubackPacket represents an MQTT UNSUBACK packet.
// MQTT v3.1.1 spec: Section 3.11
type UnsubackPacket struct {
	PacketID uint16
}

// Type returns the packet type.
func (p *UnsubackPacket) Type() PacketType { return PacketUNSUBACK }

// GetPacketID returns the packet identifier.
func (p *UnsubackPacket) GetPacketID() uint16 { return p.PacketID }

// SetPacketID sets the packet identifier.
func (p *UnsubackPacket) SetPacketID(id uint16) { p.PacketID = id }

// Encode writes the packet to the writer.
func (p *UnsubackPacket) Encode(w io.Writer) (int, error) {
	return encodeAck(w, PacketUNSUBACK, 0x00, p.PacketID)
}

// Decode reads the packet from the reader.
func (p *UnsubackPacket) Decode(r io.Reader, header FixedHeader) (int, error) {
	if header.PacketType != PacketUNSUBACK {
		return 0, ErrInvalidPacketType
	}
	var (
		n   int
		err error
	)
	p.PacketID, n, err = decodeAck(r, header)
	return n, err
}

// Validate validates the packet contents.
func (p *UnsubackPacket) Validate() error {
	if p.PacketID == 0 {
		return ErrPacketIDRequired
	}
	return nil
}
