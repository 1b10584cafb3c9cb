package frame

import (
	"encoding/binary"
	"fmt"
)

// StreamID 0 addresses the session itself (PING, PONG, GO_AWAY).
const SessionStreamID = 0

// WindowUpdate builds a WINDOW_UPDATE frame granting delta bytes.
func WindowUpdate(streamID, delta uint32) Frame {
	return Frame{StreamID: streamID, Type: TypeWindowUpdate, Payload: be32(delta)}
}

// Ping builds a PING frame carrying an opaque sequence number.
func Ping(seq uint32) Frame {
	return Frame{StreamID: SessionStreamID, Type: TypePing, Payload: be32(seq)}
}

// Pong answers a PING with the same sequence number.
func Pong(seq uint32) Frame {
	return Frame{StreamID: SessionStreamID, Type: TypePong, Payload: be32(seq)}
}

// Reset builds an RST frame with a one-byte reason code.
func Reset(streamID uint32, code uint8) Frame {
	return Frame{StreamID: streamID, Type: TypeRST, Payload: []byte{code}}
}

// GoAway builds a GO_AWAY frame.
func GoAway(code uint32) Frame {
	return Frame{StreamID: SessionStreamID, Type: TypeGoAway, Payload: be32(code)}
}

// Uint32 decodes the 4-byte payload of WINDOW_UPDATE, PING, PONG and
// GO_AWAY frames.
func (f Frame) Uint32() (uint32, error) {
	if len(f.Payload) != 4 {
		return 0, fmt.Errorf("%w: %s payload of %d bytes", ErrMalformedPayload, f.Type, len(f.Payload))
	}
	return binary.BigEndian.Uint32(f.Payload), nil
}

// ResetCode decodes the RST reason code. An empty payload reads as 0.
func (f Frame) ResetCode() (uint8, error) {
	switch len(f.Payload) {
	case 0:
		return 0, nil
	case 1:
		return f.Payload[0], nil
	default:
		return 0, fmt.Errorf("%w: RST payload of %d bytes", ErrMalformedPayload, len(f.Payload))
	}
}

func be32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}
