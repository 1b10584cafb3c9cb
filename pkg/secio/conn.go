package secio

import (
	"crypto/cipher"
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"
)

const (
	// DefaultMaxRecordSize is the default plaintext limit per record.
	DefaultMaxRecordSize = 64 * 1024

	recordLengthSize  = 4
	recordCounterSize = 8
)

// Record layer errors. All are permanent for the channel.
var (
	ErrReplay           = errors.New("record counter out of sequence")
	ErrDecrypt          = errors.New("record authentication failed")
	ErrRecordTooLarge   = errors.New("record too large")
	ErrCounterExhausted = errors.New("record counter exhausted")
)

// SecureConn is an encrypted, authenticated duplex channel produced by
// Handshake. Reads and writes may proceed concurrently; concurrent writers
// are serialized per record.
type SecureConn struct {
	conn io.ReadWriteCloser

	role       Role
	localPeer  PeerID
	remotePeer PeerID
	remotePub  ed25519.PublicKey
	exchange   string
	cipher     string
	maxRecord  int

	wmu      sync.Mutex
	seal     cipher.AEAD
	sendCtr  uint64
	writeBuf []byte
	writeErr error

	rmu     sync.Mutex
	open    cipher.AEAD
	recvCtr uint64
	pending []byte
	readBuf []byte
	readErr error

	closeOnce sync.Once
	closeErr  error
}

func newSecureConn(conn io.ReadWriteCloser, sendKey, recvKey []byte, cipherName string, maxRecord int) (*SecureConn, error) {
	seal, err := newAEAD(cipherName, sendKey)
	if err != nil {
		return nil, err
	}
	open, err := newAEAD(cipherName, recvKey)
	if err != nil {
		return nil, err
	}
	return &SecureConn{
		conn:      conn,
		cipher:    cipherName,
		maxRecord: maxRecord,
		seal:      seal,
		open:      open,
	}, nil
}

// Write seals p into one or more records.
func (c *SecureConn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if c.writeErr != nil {
		return 0, c.writeErr
	}
	written := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > c.maxRecord {
			chunk = chunk[:c.maxRecord]
		}
		if err := c.writeRecord(chunk); err != nil {
			c.writeErr = err
			return written, err
		}
		written += len(chunk)
		p = p[len(chunk):]
	}
	return written, nil
}

func (c *SecureConn) writeRecord(plain []byte) error {
	if c.sendCtr == math.MaxUint64 {
		return ErrCounterExhausted
	}
	bodyLen := recordCounterSize + len(plain) + c.seal.Overhead()
	need := recordLengthSize + bodyLen
	if cap(c.writeBuf) < need {
		c.writeBuf = make([]byte, need)
	}
	buf := c.writeBuf[:recordLengthSize+recordCounterSize]
	binary.BigEndian.PutUint32(buf[0:4], uint32(bodyLen))
	var counter [recordCounterSize]byte
	binary.BigEndian.PutUint64(counter[:], c.sendCtr)
	copy(buf[4:12], counter[:])

	buf = c.seal.Seal(buf, recordNonce(c.seal, c.sendCtr), plain, counter[:])
	if _, err := c.conn.Write(buf); err != nil {
		return err
	}
	c.sendCtr++
	return nil
}

// Read returns decrypted plaintext, reading a new record when the
// previous one is drained.
func (c *SecureConn) Read(p []byte) (int, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	for len(c.pending) == 0 {
		if c.readErr != nil {
			return 0, c.readErr
		}
		if err := c.readRecord(); err != nil {
			c.readErr = err
			return 0, err
		}
	}
	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

func (c *SecureConn) readRecord() error {
	var hdr [recordLengthSize]byte
	if _, err := io.ReadFull(c.conn, hdr[:]); err != nil {
		return err
	}
	bodyLen := int(binary.BigEndian.Uint32(hdr[:]))
	if bodyLen < recordCounterSize+c.open.Overhead() || bodyLen > recordCounterSize+c.maxRecord+c.open.Overhead() {
		return fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, bodyLen)
	}
	if cap(c.readBuf) < bodyLen {
		c.readBuf = make([]byte, bodyLen)
	}
	body := c.readBuf[:bodyLen]
	if _, err := io.ReadFull(c.conn, body); err != nil {
		if errors.Is(err, io.EOF) {
			return io.ErrUnexpectedEOF
		}
		return err
	}

	var aad [recordCounterSize]byte
	copy(aad[:], body[:recordCounterSize])
	counter := binary.BigEndian.Uint64(aad[:])
	if counter != c.recvCtr {
		return fmt.Errorf("%w: got %d, want %d", ErrReplay, counter, c.recvCtr)
	}
	ciphertext := body[recordCounterSize:]
	plain, err := c.open.Open(ciphertext[:0], recordNonce(c.open, counter), ciphertext, aad[:])
	if err != nil {
		return ErrDecrypt
	}
	c.recvCtr++
	c.pending = plain
	return nil
}

// recordNonce is 4 zero bytes followed by the big-endian counter.
func recordNonce(aead cipher.AEAD, counter uint64) []byte {
	nonce := make([]byte, aead.NonceSize())
	binary.BigEndian.PutUint64(nonce[len(nonce)-8:], counter)
	return nonce
}

// Close closes the underlying connection.
func (c *SecureConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// LocalPeer returns the local PeerID.
func (c *SecureConn) LocalPeer() PeerID { return c.localPeer }

// RemotePeer returns the verified remote PeerID.
func (c *SecureConn) RemotePeer() PeerID { return c.remotePeer }

// RemotePublicKey returns the remote static public key.
func (c *SecureConn) RemotePublicKey() ed25519.PublicKey { return c.remotePub }

// Role returns the local handshake role.
func (c *SecureConn) Role() Role { return c.role }

// Exchange returns the negotiated key exchange.
func (c *SecureConn) Exchange() string { return c.exchange }

// Cipher returns the negotiated AEAD cipher.
func (c *SecureConn) Cipher() string { return c.cipher }

type deadliner interface {
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// SetReadDeadline forwards to the underlying connection if it supports
// deadlines.
func (c *SecureConn) SetReadDeadline(t time.Time) error {
	if d, ok := c.conn.(deadliner); ok {
		return d.SetReadDeadline(t)
	}
	return errors.ErrUnsupported
}

// SetWriteDeadline forwards to the underlying connection if it supports
// deadlines.
func (c *SecureConn) SetWriteDeadline(t time.Time) error {
	if d, ok := c.conn.(deadliner); ok {
		return d.SetWriteDeadline(t)
	}
	return errors.ErrUnsupported
}
