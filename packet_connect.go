package iotmqtt

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

// Protocol constants.
// MQTT v3.1.1 spec: Section 3.1.2.1, 3.1.2.2
const (
	protocolName  = "MQTT"
	protocolLevel = 4
)

// Connect flags.
// MQTT v3.1.1 spec: Section 3.1.2.3
const (
	connectFlagCleanSession = 0x02
	connectFlagWillFlag     = 0x04
	connectFlagWillRetain   = 0x20
	connectFlagPasswordFlag = 0x40
	connectFlagUsernameFlag = 0x80
)

// CONNECT packet errors.
var (
	ErrInvalidProtocolName  = errors.New("invalid protocol name")
	ErrInvalidProtocolLevel = errors.New("unsupported protocol level")
	ErrInvalidConnectFlags  = errors.New("invalid connect flags")
	ErrPasswordWithoutUser  = fmt.Errorf("%w: password requires a user name", ErrBadParameter)
)

// ConnectPacket represents an MQTT CONNECT packet.
// MQTT v3.1.1 spec: Section 3.1
type ConnectPacket struct {
	// ClientID is the client identifier.
	ClientID string

	// CleanSession asks the broker to discard any previous session.
	CleanSession bool

	// KeepAlive is the keep-alive interval in seconds.
	KeepAlive uint16

	// Username for authentication.
	Username string

	// Password for authentication.
	Password []byte

	// Will message.
	WillFlag    bool
	WillRetain  bool
	WillQoS     byte
	WillTopic   string
	WillPayload []byte
}

// Type returns the packet type.
func (p *ConnectPacket) Type() PacketType {
	return PacketCONNECT
}

func (p *ConnectPacket) connectFlags() byte {
	var flags byte

	if p.CleanSession {
		flags |= connectFlagCleanSession
	}

	if p.WillFlag {
		flags |= connectFlagWillFlag
		flags |= (p.WillQoS & 0x03) << 3
		if p.WillRetain {
			flags |= connectFlagWillRetain
		}
	}

	if len(p.Password) > 0 {
		flags |= connectFlagPasswordFlag
	}

	if p.Username != "" {
		flags |= connectFlagUsernameFlag
	}

	return flags
}

func (p *ConnectPacket) setConnectFlags(flags byte) error {
	// Reserved bit must be zero
	if flags&0x01 != 0 {
		return ErrInvalidConnectFlags
	}

	p.CleanSession = flags&connectFlagCleanSession != 0
	p.WillFlag = flags&connectFlagWillFlag != 0
	p.WillQoS = (flags >> 3) & 0x03
	p.WillRetain = flags&connectFlagWillRetain != 0

	if !p.WillFlag && (p.WillQoS != 0 || p.WillRetain) {
		return ErrInvalidConnectFlags
	}

	if p.WillQoS > 2 {
		return ErrInvalidConnectFlags
	}

	if flags&connectFlagUsernameFlag == 0 && flags&connectFlagPasswordFlag != 0 {
		return ErrInvalidConnectFlags
	}

	return nil
}

// Encode writes the packet to the writer.
func (p *ConnectPacket) Encode(w io.Writer) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}

	var buf bytes.Buffer

	// Variable header
	if _, err := encodeString(&buf, protocolName); err != nil {
		return 0, err
	}

	buf.WriteByte(protocolLevel)
	buf.WriteByte(p.connectFlags())

	if _, err := encodeUint16(&buf, p.KeepAlive); err != nil {
		return 0, err
	}

	// Payload
	if _, err := encodeString(&buf, p.ClientID); err != nil {
		return 0, err
	}

	if p.WillFlag {
		if _, err := encodeString(&buf, p.WillTopic); err != nil {
			return 0, err
		}

		if _, err := encodeBinary(&buf, p.WillPayload); err != nil {
			return 0, err
		}
	}

	if p.Username != "" {
		if _, err := encodeString(&buf, p.Username); err != nil {
			return 0, err
		}
	}

	if len(p.Password) > 0 {
		if _, err := encodeBinary(&buf, p.Password); err != nil {
			return 0, err
		}
	}

	return writeWithHeader(w, PacketCONNECT, 0x00, buf.Bytes())
}

// Decode reads the packet from the reader.
func (p *ConnectPacket) Decode(r io.Reader, header FixedHeader) (int, error) {
	if header.PacketType != PacketCONNECT {
		return 0, ErrInvalidPacketType
	}

	var totalRead int

	protoName, n, err := decodeString(r)
	totalRead += n
	if err != nil {
		return totalRead, err
	}
	if protoName != protocolName {
		return totalRead, ErrInvalidProtocolName
	}

	var hdr [2]byte
	n, err = io.ReadFull(r, hdr[:])
	totalRead += n
	if err != nil {
		return totalRead, err
	}
	if hdr[0] != protocolLevel {
		return totalRead, ErrInvalidProtocolLevel
	}
	if err := p.setConnectFlags(hdr[1]); err != nil {
		return totalRead, err
	}

	usernameFlag := hdr[1]&connectFlagUsernameFlag != 0
	passwordFlag := hdr[1]&connectFlagPasswordFlag != 0

	p.KeepAlive, n, err = decodeUint16(r)
	totalRead += n
	if err != nil {
		return totalRead, err
	}

	p.ClientID, n, err = decodeString(r)
	totalRead += n
	if err != nil {
		return totalRead, err
	}

	if p.WillFlag {
		p.WillTopic, n, err = decodeString(r)
		totalRead += n
		if err != nil {
			return totalRead, err
		}

		p.WillPayload, n, err = decodeBinary(r)
		totalRead += n
		if err != nil {
			return totalRead, err
		}
	}

	if usernameFlag {
		p.Username, n, err = decodeString(r)
		totalRead += n
		if err != nil {
			return totalRead, err
		}
	}

	if passwordFlag {
		p.Password, n, err = decodeBinary(r)
		totalRead += n
		if err != nil {
			return totalRead, err
		}
	}

	return totalRead, nil
}

// Validate validates the packet contents.
func (p *ConnectPacket) Validate() error {
	if !p.CleanSession && p.ClientID == "" {
		return ErrClientIDRequired
	}

	if p.WillFlag {
		if p.WillQoS > 2 {
			return ErrInvalidQoS
		}
		if err := ValidateTopicName(p.WillTopic); err != nil {
			return err
		}
	}

	if len(p.Password) > 0 && p.Username == "" {
		return ErrPasswordWithoutUser
	}

	return nil
}
