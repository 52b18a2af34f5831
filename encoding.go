package iotmqtt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"
)

// Encoding errors. Errors produced while building a packet wrap ErrBadParameter.
var (
	ErrStringTooLong      = fmt.Errorf("%w: string exceeds maximum length of 65535 bytes", ErrBadParameter)
	ErrBinaryTooLong      = fmt.Errorf("%w: binary data exceeds maximum length of 65535 bytes", ErrBadParameter)
	ErrInvalidUTF8        = fmt.Errorf("%w: invalid UTF-8 string", ErrBadParameter)
	ErrStringContainsNull = fmt.Errorf("%w: string contains null character", ErrBadParameter)
	ErrVarintTooLarge     = fmt.Errorf("%w: remaining length exceeds maximum value", ErrBadParameter)
	ErrVarintMalformed    = errors.New("malformed remaining length")
)

const (
	maxUint16         = 65535
	maxVarint         = 268435455 // 0x0FFFFFFF
	varintContinueBit = 0x80
	varintValueMask   = 0x7F
)

func validateString(s string) error {
	if len(s) > maxUint16 {
		return ErrStringTooLong
	}

	if !utf8.ValidString(s) {
		return ErrInvalidUTF8
	}

	for i := range len(s) {
		if s[i] == 0 {
			return ErrStringContainsNull
		}
	}

	return nil
}

// encodeString writes a UTF-8 string with 2-byte length prefix to w.
// Returns the number of bytes written.
func encodeString(w io.Writer, s string) (int, error) {
	if err := validateString(s); err != nil {
		return 0, err
	}

	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(s)))

	n, err := w.Write(lenBuf[:])
	if err != nil {
		return n, err
	}

	n2, err := io.WriteString(w, s)
	return n + n2, err
}

// decodeString reads a UTF-8 string with 2-byte length prefix from r.
func decodeString(r io.Reader) (string, int, error) {
	buf, n, err := decodeBinary(r)
	if err != nil {
		return "", n, err
	}

	if !utf8.Valid(buf) {
		return "", n, ErrInvalidUTF8
	}

	for i := range len(buf) {
		if buf[i] == 0 {
			return "", n, ErrStringContainsNull
		}
	}

	return string(buf), n, nil
}

// encodeBinary writes binary data with 2-byte length prefix to w.
// Returns the number of bytes written.
func encodeBinary(w io.Writer, data []byte) (int, error) {
	if len(data) > maxUint16 {
		return 0, ErrBinaryTooLong
	}

	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(data)))

	n, err := w.Write(lenBuf[:])
	if err != nil {
		return n, err
	}

	n2, err := w.Write(data)
	return n + n2, err
}

// decodeBinary reads binary data with 2-byte length prefix from r.
func decodeBinary(r io.Reader) ([]byte, int, error) {
	var lenBuf [2]byte
	n, err := io.ReadFull(r, lenBuf[:])
	if err != nil {
		return nil, n, err
	}

	length := binary.BigEndian.Uint16(lenBuf[:])
	if length == 0 {
		return nil, n, nil
	}

	buf := make([]byte, length)
	n2, err := io.ReadFull(r, buf)
	n += n2
	if err != nil {
		return nil, n, err
	}

	return buf, n, nil
}

func encodeUint16(w io.Writer, v uint16) (int, error) {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	return w.Write(buf[:])
}

func decodeUint16(r io.Reader) (uint16, int, error) {
	var buf [2]byte
	n, err := io.ReadFull(r, buf[:])
	if err != nil {
		return 0, n, err
	}
	return binary.BigEndian.Uint16(buf[:]), n, nil
}

// appendVarint appends the minimal variable length encoding of value to dst.
func appendVarint(dst []byte, value uint32) ([]byte, error) {
	if value > maxVarint {
		return dst, ErrVarintTooLarge
	}

	for {
		encodedByte := byte(value & varintValueMask)
		value >>= 7

		if value > 0 {
			encodedByte |= varintContinueBit
		}

		dst = append(dst, encodedByte)

		if value == 0 {
			return dst, nil
		}
	}
}

// encodeVarint writes a variable byte integer to w.
// Returns the number of bytes written.
func encodeVarint(w io.Writer, value uint32) (int, error) {
	var buf [4]byte

	out, err := appendVarint(buf[:0], value)
	if err != nil {
		return 0, err
	}

	return w.Write(out)
}

// decodeVarint reads a variable byte integer from r.
// Returns the value, number of bytes read, and any error.
func decodeVarint(r io.Reader) (uint32, int, error) {
	var value uint32
	var multiplier uint32 = 1
	var buf [1]byte
	bytesRead := 0

	for {
		n, err := io.ReadFull(r, buf[:])
		bytesRead += n
		if err != nil {
			return 0, bytesRead, err
		}

		encodedByte := buf[0]
		value += uint32(encodedByte&varintValueMask) * multiplier

		if encodedByte&varintContinueBit == 0 {
			break
		}

		if bytesRead == 4 {
			return 0, bytesRead, ErrVarintMalformed
		}

		multiplier *= 128
	}

	return value, bytesRead, nil
}

// parseVarint decodes a variable byte integer from the head of buf.
// It returns ErrIncompleteData when buf ends before the last length byte.
func parseVarint(buf []byte) (uint32, int, error) {
	var value uint32
	var multiplier uint32 = 1

	for i := range 4 {
		if i >= len(buf) {
			return 0, i, ErrIncompleteData
		}

		encodedByte := buf[i]
		value += uint32(encodedByte&varintValueMask) * multiplier

		if encodedByte&varintContinueBit == 0 {
			return value, i + 1, nil
		}

		multiplier *= 128
	}

	return 0, 4, ErrVarintMalformed
}

// varintSize returns the number of bytes needed to encode a variable byte integer.
func varintSize(value uint32) int {
	switch {
	case value < 128:
		return 1
	case value < 16384:
		return 2
	case value < 2097152:
		return 3
	default:
		return 4
	}
}
