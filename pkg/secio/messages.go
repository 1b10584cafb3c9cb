package secio

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

const (
	// NonceSize is the size of the handshake nonce.
	NonceSize = 16

	// maxHandshakeMessage bounds a single handshake message.
	maxHandshakeMessage = 64 * 1024

	exchangeSignatureTag = "tentacle-secio-exchange-v1"
	keyDerivationTag     = "tentacle-secio-keys-v1"
)

// propose is the first handshake message.
// CBOR: { 1: nonce, 2: publicKey, 3: exchanges, 4: ciphers }
type propose struct {
	Nonce     []byte   `cbor:"1,keyasint"`
	PublicKey []byte   `cbor:"2,keyasint"`
	Exchanges []string `cbor:"3,keyasint"`
	Ciphers   []string `cbor:"4,keyasint"`
}

// exchange carries the signed ephemeral public key.
// CBOR: { 1: ephemeralKey, 2: signature }
type exchange struct {
	EphemeralKey []byte `cbor:"1,keyasint"`
	Signature    []byte `cbor:"2,keyasint"`
}

var handshakeEncMode cbor.EncMode

func init() {
	var err error
	handshakeEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("secio: cbor encoder mode: %v", err))
	}
}

// writeMessage writes a length-prefixed CBOR message with a single Write
// and returns the encoded body.
func writeMessage(w io.Writer, msg any) ([]byte, error) {
	data, err := handshakeEncMode.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)
	if _, err := w.Write(buf); err != nil {
		return nil, fmt.Errorf("write message: %w", err)
	}
	return data, nil
}

// readMessage reads one length-prefixed message body.
func readMessage(r io.Reader) ([]byte, error) {
	var length [4]byte
	if _, err := io.ReadFull(r, length[:]); err != nil {
		return nil, fmt.Errorf("read length: %w", err)
	}
	n := binary.BigEndian.Uint32(length[:])
	if n > maxHandshakeMessage {
		return nil, fmt.Errorf("%w: handshake message of %d bytes", ErrKeyExchangeFailed, n)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read message: %w", err)
	}
	return data, nil
}

// readMessageWithContext reads a message, giving up when ctx is done.
func readMessageWithContext(ctx context.Context, r io.Reader) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}
	resultCh := make(chan result, 1)

	go func() {
		data, err := readMessage(r)
		resultCh <- result{data, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-resultCh:
		return r.data, r.err
	}
}

func decodeMessage(data []byte, v any) error {
	if err := cbor.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: decode: %v", ErrKeyExchangeFailed, err)
	}
	return nil
}
