package ping

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ErrInvalidMessage indicates an undecodable or unknown ping message.
var ErrInvalidMessage = errors.New("invalid ping message")

// Kind distinguishes pings from pongs.
type Kind uint8

const (
	KindPing Kind = 1
	KindPong Kind = 2
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindPing:
		return "PING"
	case KindPong:
		return "PONG"
	default:
		return fmt.Sprintf("KIND(%d)", k)
	}
}

// Message is one ping or pong.
type Message struct {
	Kind  Kind   `cbor:"1,keyasint"`
	Nonce uint32 `cbor:"2,keyasint"`
}

// Encode returns the CBOR encoding of m.
func (m Message) Encode() ([]byte, error) {
	return cbor.Marshal(m)
}

// Decode parses a message and checks its kind.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := cbor.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	if m.Kind != KindPing && m.Kind != KindPong {
		return m, fmt.Errorf("%w: kind %d", ErrInvalidMessage, m.Kind)
	}
	return m, nil
}
