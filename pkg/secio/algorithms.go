package secio

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

// Key exchange names as advertised on the wire.
const (
	ExchangeX25519 = "X25519"
	ExchangeP256   = "P-256"
	ExchangeP384   = "P-384"
)

// Cipher names as advertised on the wire.
const (
	CipherChaCha20Poly1305 = "CHACHA20_POLY1305"
	CipherAES256GCM        = "AES_256_GCM"
	CipherAES128GCM        = "AES_128_GCM"
)

// DefaultExchanges is the default key exchange preference order.
var DefaultExchanges = []string{ExchangeX25519, ExchangeP256, ExchangeP384}

// DefaultCiphers is the default cipher preference order.
var DefaultCiphers = []string{CipherChaCha20Poly1305, CipherAES256GCM, CipherAES128GCM}

// Select returns the first entry of initiator that responder also lists.
// Both peers call it with the same arguments and get the same answer.
func Select(initiator, responder []string) (string, error) {
	for _, a := range initiator {
		for _, b := range responder {
			if a == b {
				return a, nil
			}
		}
	}
	return "", fmt.Errorf("%w: %v vs %v", ErrProtocolMismatch, initiator, responder)
}

// ephemeral is one side's ephemeral key exchange state.
type ephemeral interface {
	Public() []byte
	Shared(peer []byte) ([]byte, error)
}

func newEphemeral(name string) (ephemeral, error) {
	switch name {
	case ExchangeX25519:
		var e x25519Ephemeral
		if _, err := rand.Read(e.priv[:]); err != nil {
			return nil, err
		}
		pub, err := curve25519.X25519(e.priv[:], curve25519.Basepoint)
		if err != nil {
			return nil, err
		}
		e.pub = pub
		return &e, nil
	case ExchangeP256:
		return newECDHEphemeral(ecdh.P256())
	case ExchangeP384:
		return newECDHEphemeral(ecdh.P384())
	default:
		return nil, fmt.Errorf("%w: exchange %q", ErrUnsupportedAlgorithm, name)
	}
}

type x25519Ephemeral struct {
	priv [curve25519.ScalarSize]byte
	pub  []byte
}

func (e *x25519Ephemeral) Public() []byte { return e.pub }

func (e *x25519Ephemeral) Shared(peer []byte) ([]byte, error) {
	// Fails on low-order points (all-zero output).
	return curve25519.X25519(e.priv[:], peer)
}

type ecdhEphemeral struct {
	curve ecdh.Curve
	priv  *ecdh.PrivateKey
}

func newECDHEphemeral(curve ecdh.Curve) (*ecdhEphemeral, error) {
	priv, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &ecdhEphemeral{curve: curve, priv: priv}, nil
}

func (e *ecdhEphemeral) Public() []byte { return e.priv.PublicKey().Bytes() }

func (e *ecdhEphemeral) Shared(peer []byte) ([]byte, error) {
	pub, err := e.curve.NewPublicKey(peer)
	if err != nil {
		return nil, err
	}
	return e.priv.ECDH(pub)
}

// cipherKeySize returns the key length for a cipher name.
func cipherKeySize(name string) (int, error) {
	switch name {
	case CipherChaCha20Poly1305:
		return chacha20poly1305.KeySize, nil
	case CipherAES256GCM:
		return 32, nil
	case CipherAES128GCM:
		return 16, nil
	default:
		return 0, fmt.Errorf("%w: cipher %q", ErrUnsupportedAlgorithm, name)
	}
}

func newAEAD(name string, key []byte) (cipher.AEAD, error) {
	switch name {
	case CipherChaCha20Poly1305:
		return chacha20poly1305.New(key)
	case CipherAES256GCM, CipherAES128GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	default:
		return nil, fmt.Errorf("%w: cipher %q", ErrUnsupportedAlgorithm, name)
	}
}

func checkSupported(exchanges, ciphers []string) error {
	for _, e := range exchanges {
		switch e {
		case ExchangeX25519, ExchangeP256, ExchangeP384:
		default:
			return fmt.Errorf("%w: exchange %q", ErrUnsupportedAlgorithm, e)
		}
	}
	for _, c := range ciphers {
		if _, err := cipherKeySize(c); err != nil {
			return err
		}
	}
	return nil
}
