package protocol

import (
	"encoding/binary"
	"fmt"
)

// MessageType identifies the kind of frame on the wire.
type MessageType byte

// Wire message types.
const (
	TypeResponse     MessageType = 0
	TypePing         MessageType = 6
	TypeHardwareSync MessageType = 16
	TypeDeviceInfo   MessageType = 17
	TypeHardware     MessageType = 20
	TypeLogin        MessageType = 29
)

// StatusSuccess is the only status code ever sent to a device.
// The protocol is fail-open: internal errors are never reported on the wire.
const StatusSuccess uint16 = 200

// Frame size constraints.
const (
	// HeaderSize is the fixed frame header: type(1) + id(2) + length(2).
	HeaderSize = 5

	// MaxBodySize is the largest body the 2-byte length field can declare.
	MaxBodySize = 65535
)

// Frame is one protocol message unit.
type Frame struct {
	// Type is the message type code.
	Type MessageType

	// ID is the message identifier, echoed back in responses.
	ID uint16

	// Body is the raw frame payload (may be empty).
	Body []byte
}

// String returns a human-readable representation for logging.
func (f *Frame) String() string {
	return fmt.Sprintf("Frame{type:%s, id:%d, len:%d}", f.Type, f.ID, len(f.Body))
}

// String returns the symbolic name of the message type.
func (t MessageType) String() string {
	switch t {
	case TypeResponse:
		return "RESPONSE"
	case TypePing:
		return "PING"
	case TypeHardwareSync:
		return "HARDWARE_SYNC"
	case TypeDeviceInfo:
		return "DEVICE_INFO"
	case TypeHardware:
		return "HARDWARE"
	case TypeLogin:
		return "LOGIN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", byte(t))
	}
}

// DecodeFrame attempts to decode one frame from the front of buf.
//
// It returns the decoded frame and the number of bytes consumed. A nil frame
// with zero consumed means the buffer does not yet hold a complete frame
// (header incomplete, or declared body length exceeds the buffered bytes).
// This is not an error: callers must retain unread bytes and retry once more
// data arrives.
func DecodeFrame(buf []byte) (*Frame, int) {
	if len(buf) < HeaderSize {
		return nil, 0
	}

	bodyLen := int(binary.BigEndian.Uint16(buf[3:5]))
	total := HeaderSize + bodyLen
	if len(buf) < total {
		return nil, 0
	}

	// Copy the body so the caller can compact its read buffer freely.
	var body []byte
	if bodyLen > 0 {
		body = make([]byte, bodyLen)
		copy(body, buf[HeaderSize:total])
	}

	return &Frame{
		Type: MessageType(buf[0]),
		ID:   binary.BigEndian.Uint16(buf[1:3]),
		Body: body,
	}, total
}

// EncodeFrame encodes a frame to wire format.
// The result is exactly HeaderSize+len(body) bytes.
func EncodeFrame(t MessageType, id uint16, body []byte) []byte {
	buf := make([]byte, HeaderSize+len(body))
	buf[0] = byte(t)
	binary.BigEndian.PutUint16(buf[1:3], id)
	binary.BigEndian.PutUint16(buf[3:5], uint16(len(body))) //nolint:gosec // bounded by the 2-byte length field
	copy(buf[HeaderSize:], body)
	return buf
}

// EncodeResponse encodes a RESPONSE frame carrying a status code.
// The status travels as a 2-byte big-endian body so response frames follow
// the same framing as every other message type.
func EncodeResponse(id uint16, status uint16) []byte {
	body := make([]byte, 2)
	binary.BigEndian.PutUint16(body, status)
	return EncodeFrame(TypeResponse, id, body)
}
