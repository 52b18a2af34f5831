package iotmqtt

import (
	"errors"
	"io"
)

// PacketType represents an MQTT control packet type.
type PacketType byte

// MQTT v3.1.1 control packet types.
const (
	PacketCONNECT     PacketType = 1
	PacketCONNACK     PacketType = 2
	PacketPUBLISH     PacketType = 3
	PacketPUBACK      PacketType = 4
	PacketPUBREC      PacketType = 5
	PacketPUBREL      PacketType = 6
	PacketPUBCOMP     PacketType = 7
	PacketSUBSCRIBE   PacketType = 8
	PacketSUBACK      PacketType = 9
	PacketUNSUBSCRIBE PacketType = 10
	PacketUNSUBACK    PacketType = 11
	PacketPINGREQ     PacketType = 12
	PacketPINGRESP    PacketType = 13
	PacketDISCONNECT  PacketType = 14
)

// PUBLISH fixed header flag bits.
const (
	publishFlagRetain byte = 0x01
	publishFlagQoS    byte = 0x06
	publishFlagDUP    byte = 0x08
)

var packetTypeNames = [...]string{
	PacketCONNECT:     "CONNECT",
	PacketCONNACK:     "CONNACK",
	PacketPUBLISH:     "PUBLISH",
	PacketPUBACK:      "PUBACK",
	PacketPUBREC:      "PUBREC",
	PacketPUBREL:      "PUBREL",
	PacketPUBCOMP:     "PUBCOMP",
	PacketSUBSCRIBE:   "SUBSCRIBE",
	PacketSUBACK:      "SUBACK",
	PacketUNSUBSCRIBE: "UNSUBSCRIBE",
	PacketUNSUBACK:    "UNSUBACK",
	PacketPINGREQ:     "PINGREQ",
	PacketPINGRESP:    "PINGRESP",
	PacketDISCONNECT:  "DISCONNECT",
}

// MQTT v3.1.1 spec: Section 2.2.2, the flags every non-PUBLISH packet must carry.
var requiredFlags = [...]byte{
	PacketPUBREL:      0x02,
	PacketSUBSCRIBE:   0x02,
	PacketUNSUBSCRIBE: 0x02,
	PacketDISCONNECT:  0x00,
}

// String returns the control packet name, or "UNKNOWN".
func (p PacketType) String() string {
	if !p.Valid() {
		return "UNKNOWN"
	}
	return packetTypeNames[p]
}

// Valid reports whether p is a control packet type defined by 3.1.1.
func (p PacketType) Valid() bool {
	return p >= PacketCONNECT && p <= PacketDISCONNECT
}

// Fixed header errors.
var (
	ErrInvalidPacketType  = errors.New("invalid packet type")
	ErrInvalidPacketFlags = errors.New("invalid packet flags")
)

// FixedHeader is the first 2-5 bytes of every control packet.
type FixedHeader struct {
	PacketType      PacketType
	Flags           byte
	RemainingLength uint32
}

func (h *FixedHeader) setFirstByte(b byte) error {
	h.PacketType = PacketType(b >> 4)
	h.Flags = b & 0x0F

	if !h.PacketType.Valid() {
		return ErrInvalidPacketType
	}
	return nil
}

// Encode writes the header and returns the bytes written.
func (h *FixedHeader) Encode(w io.Writer) (int, error) {
	if !h.PacketType.Valid() {
		return 0, ErrInvalidPacketType
	}

	var arr [5]byte
	buf, err := appendVarint(append(arr[:0], byte(h.PacketType)<<4|h.Flags&0x0F), h.RemainingLength)
	if err != nil {
		return 0, err
	}

	return w.Write(buf)
}

// Decode reads the header from a stream and returns the bytes read.
func (h *FixedHeader) Decode(r io.Reader) (int, error) {
	var first [1]byte
	if _, err := io.ReadFull(r, first[:]); err != nil {
		return 0, err
	}

	if err := h.setFirstByte(first[0]); err != nil {
		return 1, err
	}

	length, n, err := decodeVarint(r)
	h.RemainingLength = length

	return 1 + n, err
}

// parse reads the header from the head of buf.
// It returns ErrIncompleteData when buf does not yet hold the whole header.
func (h *FixedHeader) parse(buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, ErrIncompleteData
	}

	if err := h.setFirstByte(buf[0]); err != nil {
		return 1, err
	}

	length, n, err := parseVarint(buf[1:])
	h.RemainingLength = length

	return 1 + n, err
}

// Size returns the encoded header length.
func (h *FixedHeader) Size() int {
	return 1 + varintSize(h.RemainingLength)
}

// ValidateFlags checks the reserved flag bits for the packet type.
func (h *FixedHeader) ValidateFlags() error {
	if !h.PacketType.Valid() {
		return ErrInvalidPacketType
	}

	if h.PacketType == PacketPUBLISH {
		// QoS 3 is reserved.
		if h.QoS() > QoS2 {
			return ErrInvalidPacketFlags
		}
		return nil
	}

	var want byte
	if int(h.PacketType) < len(requiredFlags) {
		want = requiredFlags[h.PacketType]
	}
	if h.Flags != want {
		return ErrInvalidPacketFlags
	}

	return nil
}

func (h *FixedHeader) setFlag(mask byte, on bool) {
	if on {
		h.Flags |= mask
	} else {
		h.Flags &^= mask
	}
}

// DUP reports the PUBLISH duplicate delivery flag.
func (h *FixedHeader) DUP() bool { return h.Flags&publishFlagDUP != 0 }

// SetDUP sets the PUBLISH duplicate delivery flag.
func (h *FixedHeader) SetDUP(dup bool) { h.setFlag(publishFlagDUP, dup) }

// QoS returns the PUBLISH QoS level.
func (h *FixedHeader) QoS() byte { return (h.Flags & publishFlagQoS) >> 1 }

// SetQoS sets the PUBLISH QoS level.
func (h *FixedHeader) SetQoS(qos byte) {
	h.Flags = h.Flags&^publishFlagQoS | (qos<<1)&publishFlagQoS
}

// Retain reports the PUBLISH retain flag.
func (h *FixedHeader) Retain() bool { return h.Flags&publishFlagRetain != 0 }

// SetRetain sets the PUBLISH retain flag.
func (h *FixedHeader) SetRetain(retain bool) { h.setFlag(publishFlagRetain, retain) }
