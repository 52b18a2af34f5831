package iotmqtt

// ConnectReturnCode is the CONNACK return code.
// MQTT v3.1.1 spec: Section 3.2.2.3
type ConnectReturnCode byte

// CONNACK return codes.
const (
	ConnectAccepted                   ConnectReturnCode = 0x00
	ConnectRefusedProtocolVersion     ConnectReturnCode = 0x01
	ConnectRefusedIdentifierRejected  ConnectReturnCode = 0x02
	ConnectRefusedServerUnavailable   ConnectReturnCode = 0x03
	ConnectRefusedBadUsernamePassword ConnectReturnCode = 0x04
	ConnectRefusedNotAuthorized       ConnectReturnCode = 0x05
)

const maxConnectReturnCode = ConnectRefusedNotAuthorized

// String returns the string representation of the return code.
func (c ConnectReturnCode) String() string {
	switch c {
	case ConnectAccepted:
		return "connection accepted"
	case ConnectRefusedProtocolVersion:
		return "unacceptable protocol version"
	case ConnectRefusedIdentifierRejected:
		return "identifier rejected"
	case ConnectRefusedServerUnavailable:
		return "server unavailable"
	case ConnectRefusedBadUsernamePassword:
		return "bad user name or password"
	case ConnectRefusedNotAuthorized:
		return "not authorized"
	default:
		return "unknown return code"
	}
}

// Valid returns true if the return code is defined by the protocol.
func (c ConnectReturnCode) Valid() bool {
	return c <= maxConnectReturnCode
}

// SubackFailure is the SUBACK return code for a rejected filter.
// MQTT v3.1.1 spec: Section 3.9.3
const SubackFailure byte = 0x80
