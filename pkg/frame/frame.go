package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// HeaderSize is the size of the frame header in bytes.
	HeaderSize = 8

	// MaxLength is the largest length the 3-byte field can carry.
	MaxLength = 1<<24 - 1

	// DefaultMaxFrameSize is the default payload limit (1 MiB).
	DefaultMaxFrameSize = 1 << 20
)

var (
	// ErrNeedMoreData means the buffer does not yet hold a complete frame.
	// It is not a failure.
	ErrNeedMoreData = errors.New("need more data")

	// ErrTooLarge indicates a declared payload length above the limit.
	ErrTooLarge = errors.New("frame too large")

	// ErrMalformedHeader indicates an unknown frame type.
	ErrMalformedHeader = errors.New("malformed frame header")

	// ErrMalformedPayload indicates a control frame with a payload of the
	// wrong size.
	ErrMalformedPayload = errors.New("malformed control payload")

	// ErrTruncated indicates the stream ended inside a frame.
	ErrTruncated = errors.New("frame truncated")
)

// Type is the frame type.
type Type uint8

const (
	TypeSYN          Type = 1
	TypeACK          Type = 2
	TypeData         Type = 3
	TypeWindowUpdate Type = 4
	TypePing         Type = 5
	TypePong         Type = 6
	TypeFIN          Type = 7
	TypeRST          Type = 8
	TypeGoAway       Type = 9
)

// String returns the type name.
func (t Type) String() string {
	switch t {
	case TypeSYN:
		return "SYN"
	case TypeACK:
		return "ACK"
	case TypeData:
		return "DATA"
	case TypeWindowUpdate:
		return "WINDOW_UPDATE"
	case TypePing:
		return "PING"
	case TypePong:
		return "PONG"
	case TypeFIN:
		return "FIN"
	case TypeRST:
		return "RST"
	case TypeGoAway:
		return "GO_AWAY"
	default:
		return fmt.Sprintf("TYPE(%d)", uint8(t))
	}
}

// Valid reports whether t is a known frame type.
func (t Type) Valid() bool {
	return t >= TypeSYN && t <= TypeGoAway
}

// IsControl reports whether frames of this type carry session or flow
// control rather than stream data.
func (t Type) IsControl() bool {
	switch t {
	case TypeWindowUpdate, TypePing, TypePong, TypeRST, TypeGoAway:
		return true
	}
	return false
}

// Frame is one multiplexer frame.
type Frame struct {
	StreamID uint32
	Type     Type
	Payload  []byte
}

// String summarizes the frame for logs and test failures.
func (f Frame) String() string {
	return fmt.Sprintf("%s stream=%d len=%d", f.Type, f.StreamID, len(f.Payload))
}

// Header is the fixed-size frame header.
type Header struct {
	StreamID uint32
	Type     Type
	Length   uint32
}

// ParseHeader decodes a header from the first HeaderSize bytes of b.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrNeedMoreData
	}
	h := Header{
		StreamID: binary.BigEndian.Uint32(b[0:4]),
		Type:     Type(b[4]),
		Length:   uint32(b[5])<<16 | uint32(b[6])<<8 | uint32(b[7]),
	}
	if !h.Type.Valid() {
		return Header{}, fmt.Errorf("%w: type %d", ErrMalformedHeader, b[4])
	}
	return h, nil
}

// Put writes the header into the first HeaderSize bytes of b.
func (h Header) Put(b []byte) {
	binary.BigEndian.PutUint32(b[0:4], h.StreamID)
	b[4] = byte(h.Type)
	b[5] = byte(h.Length >> 16)
	b[6] = byte(h.Length >> 8)
	b[7] = byte(h.Length)
}

// Encode returns the wire form of f.
func Encode(f Frame) ([]byte, error) {
	return Append(make([]byte, 0, HeaderSize+len(f.Payload)), f)
}

// Append appends the wire form of f to dst.
func Append(dst []byte, f Frame) ([]byte, error) {
	if !f.Type.Valid() {
		return dst, fmt.Errorf("%w: type %d", ErrMalformedHeader, uint8(f.Type))
	}
	if len(f.Payload) > MaxLength {
		return dst, fmt.Errorf("%w: %d > %d", ErrTooLarge, len(f.Payload), MaxLength)
	}
	var hdr [HeaderSize]byte
	Header{StreamID: f.StreamID, Type: f.Type, Length: uint32(len(f.Payload))}.Put(hdr[:])
	dst = append(dst, hdr[:]...)
	return append(dst, f.Payload...), nil
}

// Decode decodes one frame from the front of buf. It returns the frame and
// the number of bytes consumed, ErrNeedMoreData when buf holds only part
// of a frame, or a fatal error. maxSize 0 means DefaultMaxFrameSize.
//
// The returned payload is a copy; buf may be reused.
func Decode(buf []byte, maxSize uint32) (Frame, int, error) {
	h, err := ParseHeader(buf)
	if err != nil {
		return Frame{}, 0, err
	}
	if err := checkLength(h, maxSize); err != nil {
		return Frame{}, 0, err
	}
	total := HeaderSize + int(h.Length)
	if len(buf) < total {
		return Frame{}, 0, ErrNeedMoreData
	}
	f := Frame{StreamID: h.StreamID, Type: h.Type}
	if h.Length > 0 {
		f.Payload = append([]byte(nil), buf[HeaderSize:total]...)
	}
	return f, total, nil
}

func checkLength(h Header, maxSize uint32) error {
	if maxSize == 0 {
		maxSize = DefaultMaxFrameSize
	}
	if h.Length > maxSize {
		return fmt.Errorf("%w: %d > %d (stream %d, %s)", ErrTooLarge, h.Length, maxSize, h.StreamID, h.Type)
	}
	return nil
}
