// Package wire implements the fixed 12-byte frame header codec: pure
// encode/decode with no I/O, endian-safe on hosts of either native order.
package wire

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the fixed size of a frame header in bytes.
const HeaderSize = 12

// MaxPayloadLength is the largest payload a frame may carry.
const MaxPayloadLength = 1024

// CurrentVersion is the only protocol version this codec accepts.
const CurrentVersion uint16 = 1

// Message types defined by the protocol. The command dispatcher acts on
// TypeHeartbeat and TypeData; any other type, TypeAck and TypeError
// included, takes its unknown-type path. The codec itself does not reject
// unknown types; only BadVersion and PayloadTooLarge are codec errors.
const (
	TypeHeartbeat uint16 = 0x01
	TypeData      uint16 = 0x02
	TypeAck       uint16 = 0x03
	TypeError     uint16 = 0xFF
)

// Header is the decoded form of the 12-byte wire header.
type Header struct {
	Version        uint16
	Type           uint16
	SequenceNumber uint32
	PayloadLength  uint32
}

// FramingError classifies a codec-level rejection (bad version, oversize
// payload) distinctly from a transport error.
type FramingError struct {
	Kind string
	Err  error
}

func (e *FramingError) Error() string { return fmt.Sprintf("framing: %s: %v", e.Kind, e.Err) }
func (e *FramingError) Unwrap() error { return e.Err }

// ErrBadVersion and ErrPayloadTooLarge are the two codec-level failure kinds.
var (
	ErrBadVersion      = &FramingError{Kind: "bad_version", Err: fmt.Errorf("version must be %d", CurrentVersion)}
	ErrPayloadTooLarge = &FramingError{Kind: "payload_too_large", Err: fmt.Errorf("payload_length exceeds %d", MaxPayloadLength)}
)

// Encode writes h into a fresh 12-byte big-endian header.
func Encode(h Header) [HeaderSize]byte {
	var buf [HeaderSize]byte
	binary.BigEndian.PutUint16(buf[0:2], h.Version)
	binary.BigEndian.PutUint16(buf[2:4], h.Type)
	binary.BigEndian.PutUint32(buf[4:8], h.SequenceNumber)
	binary.BigEndian.PutUint32(buf[8:12], h.PayloadLength)
	return buf
}

// Decode parses a 12-byte big-endian header, rejecting bad version or an
// oversized payload_length. Unknown type values are not a codec error.
func Decode(buf [HeaderSize]byte) (Header, error) {
	h := Header{
		Version:        binary.BigEndian.Uint16(buf[0:2]),
		Type:           binary.BigEndian.Uint16(buf[2:4]),
		SequenceNumber: binary.BigEndian.Uint32(buf[4:8]),
		PayloadLength:  binary.BigEndian.Uint32(buf[8:12]),
	}
	if h.Version != CurrentVersion {
		return Header{}, ErrBadVersion
	}
	if h.PayloadLength > MaxPayloadLength {
		return Header{}, ErrPayloadTooLarge
	}
	return h, nil
}
