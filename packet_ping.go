package iotmqtt

import "io"

// PingreqPacket represents an MQTT PINGREQ packet.
// MQTT v3.1.1 spec: Section 3.12
type PingreqPacket struct{}

// Type returns the packet type.
func (p *PingreqPacket) Type() PacketType { return PacketPINGREQ }

// Encode writes the packet to the writer.
func (p *PingreqPacket) Encode(w io.Writer) (int, error) {
	return writeWithHeader(w, PacketPINGREQ, 0x00, nil)
}

// Decode reads the packet from the reader.
func (p *PingreqPacket) Decode(_ io.Reader, header FixedHeader) (int, error) {
	return 0, decodeEmpty(header, PacketPINGREQ)
}

// Validate validates the packet contents.
func (p *PingreqPacket) Validate() error {
	return nil
}

// PingrespPacket represents an MQTT PINGRESP packet.
// MQTT v3.1.1 spec: Section 3.13
type PingrespPacket struct{}

// Type returns the packet type.
func (p *PingrespPacket) Type() PacketType { return PacketPINGRESP }

// Encode writes the packet to the writer.
func (p *PingrespPacket) Encode(w io.Writer) (int, error) {
	return writeWithHeader(w, PacketPINGRESP, 0x00, nil)
}

// Decode reads the packet from the reader.
func (p *PingrespPacket) Decode(_ io.Reader, header FixedHeader) (int, error) {
	return 0, decodeEmpty(header, PacketPINGRESP)
}

// Validate validates the packet contents.
func (p *PingrespPacket) Validate() error {
	return nil
}

// DisconnectPacket represents an MQTT DISCONNECT packet.
// MQTT v3.1.1 spec: Section 3.14
type DisconnectPacket struct{}

// Type returns the packet type.
func (p *DisconnectPacket) Type() PacketType { return PacketDISCONNECT }

// Encode writes the packet to the writer.
func (p *DisconnectPacket) Encode(w io.Writer) (int, error) {
	return writeWithHeader(w, PacketDISCONNECT, 0x00, nil)
}

// Decode reads the packet from the reader.
func (p *DisconnectPacket) Decode(_ io.Reader, header FixedHeader) (int, error) {
	return 0, decodeEmpty(header, PacketDISCONNECT)
}

// Validate validates the packet contents.
func (p *DisconnectPacket) Validate() error {
	return nil
}

func decodeEmpty(header FixedHeader, want PacketType) error {
	if header.PacketType != want {
		return ErrInvalidPacketType
	}
	if header.Flags != 0x00 {
		return ErrInvalidPacketFlags
	}
	if header.RemainingLength != 0 {
		return ErrMalformedPacket
	}
	return nil
}
