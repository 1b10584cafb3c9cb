package log

import "time"

// MaxFrameDataSize caps the payload bytes copied into a FrameEvent.
const MaxFrameDataSize = 4096

// Event is a protocol log event captured at any layer.
// CBOR encoding uses integer keys for compactness.
type Event struct {
	// Timestamp when the event occurred (nanosecond precision).
	Timestamp time.Time `cbor:"1,keyasint"`

	// ConnectionID identifies the session (UUID).
	ConnectionID string `cbor:"2,keyasint"`

	Direction Direction `cbor:"3,keyasint"`
	Layer     Layer     `cbor:"4,keyasint"`
	Category  Category  `cbor:"5,keyasint"`

	// LocalRole is the local side of the handshake.
	LocalRole Role `cbor:"6,keyasint,omitempty"`

	// RemoteAddr is the peer address, if the transport has one.
	RemoteAddr string `cbor:"7,keyasint,omitempty"`

	// PeerID is the verified remote identity (set after the handshake).
	PeerID string `cbor:"8,keyasint,omitempty"`

	// Type-specific payload (one of these will be set).
	Frame       *FrameEvent       `cbor:"10,keyasint,omitempty"`
	Handshake   *HandshakeEvent   `cbor:"11,keyasint,omitempty"`
	StateChange *StateChangeEvent `cbor:"12,keyasint,omitempty"`
	ControlMsg  *ControlMsgEvent  `cbor:"13,keyasint,omitempty"`
	Error       *ErrorEventData   `cbor:"14,keyasint,omitempty"`
}

// Direction indicates the direction of traffic.
type Direction uint8

const (
	DirectionIn  Direction = 0
	DirectionOut Direction = 1
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// Layer indicates which component captured the event.
type Layer uint8

const (
	// LayerSecure is the handshake and encrypted record layer.
	LayerSecure Layer = 0
	// LayerMux is the frame and stream multiplexing layer.
	LayerMux Layer = 1
	// LayerProtocol is the sub-protocol dispatch layer.
	LayerProtocol Layer = 2
)

// String returns the layer name.
func (l Layer) String() string {
	switch l {
	case LayerSecure:
		return "SECURE"
	case LayerMux:
		return "MUX"
	case LayerProtocol:
		return "PROTOCOL"
	default:
		return "UNKNOWN"
	}
}

// Category classifies the event type.
type Category uint8

const (
	// CategoryMessage is a data-bearing frame or handshake message.
	CategoryMessage Category = 0
	// CategoryControl is a session control frame (ping/pong/go-away/window update).
	CategoryControl Category = 1
	// CategoryState is a state change.
	CategoryState Category = 2
	// CategoryError is an error.
	CategoryError Category = 3
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryMessage:
		return "MESSAGE"
	case CategoryControl:
		return "CONTROL"
	case CategoryState:
		return "STATE"
	case CategoryError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Role is the local side of a connection.
type Role uint8

const (
	RoleUnknown   Role = 0
	RoleInitiator Role = 1
	RoleResponder Role = 2
)

// String returns the role name.
func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "INITIATOR"
	case RoleResponder:
		return "RESPONDER"
	default:
		return "UNKNOWN"
	}
}

// FrameEvent captures a multiplexer frame.
type FrameEvent struct {
	StreamID uint32 `cbor:"1,keyasint"`

	// Type is the frame type name (SYN, DATA, ...).
	Type string `cbor:"2,keyasint"`

	// Length is the declared payload length.
	Length int `cbor:"3,keyasint"`

	// Data is the payload, truncated at MaxFrameDataSize.
	Data []byte `cbor:"4,keyasint,omitempty"`

	Truncated bool `cbor:"5,keyasint,omitempty"`
}

// NewFrameEvent builds a FrameEvent, copying at most MaxFrameDataSize
// payload bytes.
func NewFrameEvent(streamID uint32, typ string, payload []byte) *FrameEvent {
	fe := &FrameEvent{StreamID: streamID, Type: typ, Length: len(payload)}
	if len(payload) == 0 {
		return fe
	}
	n := len(payload)
	if n > MaxFrameDataSize {
		n = MaxFrameDataSize
		fe.Truncated = true
	}
	fe.Data = append([]byte(nil), payload[:n]...)
	return fe
}

// HandshakeEvent captures one step of the secure handshake.
type HandshakeEvent struct {
	// Step names the handshake message (PROPOSE, EXCHANGE, CONFIRM).
	Step string `cbor:"1,keyasint"`

	// Exchange is the selected key exchange, once known.
	Exchange string `cbor:"2,keyasint,omitempty"`

	// Cipher is the selected AEAD cipher, once known.
	Cipher string `cbor:"3,keyasint,omitempty"`

	// Size is the encoded message size in bytes.
	Size int `cbor:"4,keyasint,omitempty"`
}

// StateChangeEvent captures session, stream and protocol lifecycle changes.
type StateChangeEvent struct {
	Entity StateEntity `cbor:"1,keyasint"`

	// StreamID is set for stream and protocol entities.
	StreamID uint32 `cbor:"2,keyasint,omitempty"`

	// ProtocolID is set for protocol entities.
	ProtocolID uint32 `cbor:"3,keyasint,omitempty"`

	OldState string `cbor:"4,keyasint,omitempty"`
	NewState string `cbor:"5,keyasint"`

	// Reason for the change (if available).
	Reason string `cbor:"6,keyasint,omitempty"`
}

// StateEntity indicates what changed state.
type StateEntity uint8

const (
	StateEntityHandshake StateEntity = 0
	StateEntitySession   StateEntity = 1
	StateEntityStream    StateEntity = 2
	StateEntityProtocol  StateEntity = 3
)

// String returns the state entity name.
func (s StateEntity) String() string {
	switch s {
	case StateEntityHandshake:
		return "HANDSHAKE"
	case StateEntitySession:
		return "SESSION"
	case StateEntityStream:
		return "STREAM"
	case StateEntityProtocol:
		return "PROTOCOL"
	default:
		return "UNKNOWN"
	}
}

// ControlMsgEvent captures session control frames.
type ControlMsgEvent struct {
	Type ControlMsgType `cbor:"1,keyasint"`

	// StreamID is set for window updates and resets.
	StreamID uint32 `cbor:"2,keyasint,omitempty"`

	// Value is the ping sequence, window delta, or reset/go-away code.
	Value uint32 `cbor:"3,keyasint,omitempty"`
}

// ControlMsgType indicates the type of control frame.
type ControlMsgType uint8

const (
	ControlMsgPing         ControlMsgType = 0
	ControlMsgPong         ControlMsgType = 1
	ControlMsgGoAway       ControlMsgType = 2
	ControlMsgWindowUpdate ControlMsgType = 3
	ControlMsgReset        ControlMsgType = 4
)

// String returns the control message type name.
func (c ControlMsgType) String() string {
	switch c {
	case ControlMsgPing:
		return "PING"
	case ControlMsgPong:
		return "PONG"
	case ControlMsgGoAway:
		return "GO_AWAY"
	case ControlMsgWindowUpdate:
		return "WINDOW_UPDATE"
	case ControlMsgReset:
		return "RST"
	default:
		return "UNKNOWN"
	}
}

// ErrorEventData captures errors at any layer.
type ErrorEventData struct {
	Layer   Layer  `cbor:"1,keyasint"`
	Message string `cbor:"2,keyasint"`

	// Code is the wire code, if the error carries one.
	Code *int `cbor:"3,keyasint,omitempty"`

	// Context describes what operation was being performed.
	Context string `cbor:"4,keyasint,omitempty"`
}
