package iotmqtt

import (
	"errors"
	"fmt"
	"io"
)

var (
	ErrPacketTooLarge    = errors.New("iotmqtt: packet exceeds maximum size")
	ErrUnknownPacketType = errors.New("iotmqtt: unknown packet type")
)

// newPacket returns an empty packet for the given type.
func newPacket(packetType PacketType) (Packet, error) {
	switch packetType {
	case PacketCONNECT:
		return &ConnectPacket{}, nil
	case PacketCONNACK:
		return &ConnackPacket{}, nil
	case PacketPUBLISH:
		return &PublishPacket{}, nil
	case PacketPUBACK:
		return &PubackPacket{}, nil
	case PacketPUBREC:
		return &PubrecPacket{}, nil
	case PacketPUBREL:
		return &PubrelPacket{}, nil
	case PacketPUBCOMP:
		return &PubcompPacket{}, nil
	case PacketSUBSCRIBE:
		return &SubscribePacket{}, nil
	case PacketSUBACK:
		return &SubackPacket{}, nil
	case PacketUNSUBSCRIBE:
		return &UnsubscribePacket{}, nil
	case PacketUNSUBACK:
		return &UnsubackPacket{}, nil
	case PacketPINGREQ:
		return &PingreqPacket{}, nil
	case PacketPINGRESP:
		return &PingrespPacket{}, nil
	case PacketDISCONNECT:
		return &DisconnectPacket{}, nil
	default:
		return nil, ErrUnknownPacketType
	}
}

// decodeBody decodes a packet body that is already fully buffered.
func decodeBody(header FixedHeader, body []byte) (Packet, error) {
	if err := header.ValidateFlags(); err != nil {
		return nil, err
	}

	packet, err := newPacket(header.PacketType)
	if err != nil {
		return nil, err
	}

	reader := acquireReader(body)
	defer releaseReader(reader)

	if _, err := packet.Decode(reader, header); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrMalformedPacket
		}
		return nil, err
	}

	// Every byte of the remaining length must be consumed
	if reader.remaining() != 0 {
		return nil, ErrMalformedPacket
	}

	return packet, nil
}

// ReadPacket reads a complete MQTT packet from the reader.
// If maxSize is greater than 0, packets larger than maxSize will return ErrPacketTooLarge.
func ReadPacket(r io.Reader, maxSize uint32) (Packet, int, error) {
	var header FixedHeader
	n, err := header.Decode(r)
	if err != nil {
		return nil, n, err
	}

	if maxSize > 0 && header.RemainingLength > maxSize {
		return nil, n, ErrPacketTooLarge
	}

	remaining := make([]byte, header.RemainingLength)
	if header.RemainingLength > 0 {
		rn, err := io.ReadFull(r, remaining)
		n += rn
		if err != nil {
			return nil, n, err
		}
	}

	packet, err := decodeBody(header, remaining)
	if err != nil {
		return nil, n, err
	}

	return packet, n, nil
}

// WritePacket writes a complete MQTT packet to the writer.
// If maxSize is greater than 0, packets larger than maxSize will return ErrPacketTooLarge.
func WritePacket(w io.Writer, packet Packet, maxSize uint32) (int, error) {
	data, err := Serialize(packet)
	if err != nil {
		return 0, err
	}

	if maxSize > 0 && uint32(len(data)) > maxSize {
		return 0, ErrPacketTooLarge
	}

	return w.Write(data)
}

// Serialize encodes a packet into a newly allocated wire-format buffer.
// Oversized strings or binary fields fail with an error wrapping ErrBadParameter.
func Serialize(packet Packet) ([]byte, error) {
	buf := acquireBuffer()
	defer releaseBuffer(buf)

	if _, err := packet.Encode(buf); err != nil {
		return nil, fmt.Errorf("serialize %s: %w", packet.Type(), err)
	}

	return buf.clone(), nil
}

// Deserialize parses one complete packet from the head of buf.
// It returns the packet and the number of bytes consumed. ErrIncompleteData
// means buf does not yet hold a whole packet; the caller should read more
// bytes and retry. Any other error wraps ErrProtocol.
func Deserialize(buf []byte) (Packet, int, error) {
	return deserialize(buf, 0)
}

func deserialize(buf []byte, maxSize uint32) (Packet, int, error) {
	var header FixedHeader

	headerLen, err := header.parse(buf)
	if err != nil {
		if errors.Is(err, ErrIncompleteData) {
			return nil, 0, ErrIncompleteData
		}
		return nil, 0, NewProtocolError(header.PacketType, err)
	}

	if maxSize > 0 && header.RemainingLength > maxSize {
		return nil, 0, NewProtocolError(header.PacketType, ErrPacketTooLarge)
	}

	total := headerLen + int(header.RemainingLength)
	if len(buf) < total {
		return nil, 0, ErrIncompleteData
	}

	packet, err := decodeBody(header, buf[headerLen:total])
	if err != nil {
		return nil, 0, NewProtocolError(header.PacketType, err)
	}

	return packet, total, nil
}
