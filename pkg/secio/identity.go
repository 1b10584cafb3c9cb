package secio

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// PeerIDSize is the size of a PeerID in bytes.
const PeerIDSize = sha256.Size

// ErrInvalidPeerID indicates a malformed PeerID string.
var ErrInvalidPeerID = errors.New("invalid peer id")

// PeerID identifies a peer by the digest of its static public key.
type PeerID [PeerIDSize]byte

// PeerIDFromPublicKey derives the PeerID for a static public key.
func PeerIDFromPublicKey(pub ed25519.PublicKey) PeerID {
	return PeerID(sha256.Sum256(pub))
}

// ParsePeerID parses the hex form produced by String.
func ParsePeerID(s string) (PeerID, error) {
	var id PeerID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("%w: %v", ErrInvalidPeerID, err)
	}
	if len(b) != PeerIDSize {
		return id, fmt.Errorf("%w: %d bytes", ErrInvalidPeerID, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// String returns the lowercase hex encoding.
func (p PeerID) String() string {
	return hex.EncodeToString(p[:])
}

// Short returns the first 8 hex characters, for log output.
func (p PeerID) Short() string {
	return hex.EncodeToString(p[:4])
}

// IsZero reports whether p is unset.
func (p PeerID) IsZero() bool {
	return p == PeerID{}
}

// MatchesPublicKey reports whether pub hashes to p.
func (p PeerID) MatchesPublicKey(pub ed25519.PublicKey) bool {
	return PeerIDFromPublicKey(pub) == p
}

// KeyPair is a static Ed25519 identity.
type KeyPair struct {
	Private ed25519.PrivateKey
	Public  ed25519.PublicKey
}

// GenerateKeyPair creates a fresh identity.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate identity key: %w", err)
	}
	return &KeyPair{Private: priv, Public: pub}, nil
}

// PeerID returns the identity's PeerID.
func (k *KeyPair) PeerID() PeerID {
	return PeerIDFromPublicKey(k.Public)
}

// MarshalPEM encodes the private key as a PKCS#8 PEM block.
func (k *KeyPair) MarshalPEM() ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(k.Private)
	if err != nil {
		return nil, fmt.Errorf("marshal identity key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// ParseKeyPairPEM decodes a PKCS#8 PEM-encoded Ed25519 private key.
func ParseKeyPairPEM(data []byte) (*KeyPair, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "PRIVATE KEY" {
		return nil, errors.New("identity key: no PRIVATE KEY block")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("identity key: %w", err)
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("identity key: unsupported key type %T", key)
	}
	return &KeyPair{Private: priv, Public: priv.Public().(ed25519.PublicKey)}, nil
}

// LoadOrGenerateKeyPair reads the identity stored at path, creating and
// saving a new one (mode 0600) if the file does not exist.
func LoadOrGenerateKeyPair(path string) (*KeyPair, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return ParseKeyPairPEM(data)
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read identity key: %w", err)
	}

	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	data, err = kp.MarshalPEM()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return nil, fmt.Errorf("write identity key: %w", err)
	}
	return kp, nil
}
