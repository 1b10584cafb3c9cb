package secio

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/tentacle-p2p/tentacle-go/pkg/log"
)

// Handshake errors.
var (
	ErrProtocolMismatch  = errors.New("no common algorithm")
	ErrSignatureInvalid  = errors.New("invalid exchange signature")
	ErrKeyExchangeFailed = errors.New("key exchange failed")
	ErrTimeout           = errors.New("handshake timeout")
	ErrIdentityMismatch  = errors.New("peer identity mismatch")

	// ErrConnectSelf indicates the remote presented our own identity.
	ErrConnectSelf = errors.New("connected to self")

	// ErrUnsupportedAlgorithm indicates a local configuration naming an
	// algorithm this package does not implement.
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")

	// ErrNoIdentity indicates a Config without a KeyPair.
	ErrNoIdentity = errors.New("no identity key pair")
)

// DefaultHandshakeTimeout bounds the whole handshake.
const DefaultHandshakeTimeout = 10 * time.Second

// Role is the side of the handshake.
type Role uint8

const (
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

func (r Role) peer() Role {
	if r == RoleInitiator {
		return RoleResponder
	}
	return RoleInitiator
}

// Config configures a handshake.
type Config struct {
	// KeyPair is the local static identity. Required.
	KeyPair *KeyPair

	// Exchanges and Ciphers are the local preference lists.
	// Nil means DefaultExchanges / DefaultCiphers.
	Exchanges []string
	Ciphers   []string

	// Timeout bounds the handshake. Zero means DefaultHandshakeTimeout.
	Timeout time.Duration

	// MaxRecordSize is the largest plaintext per record.
	// Zero means DefaultMaxRecordSize.
	MaxRecordSize int

	// ExpectedPeer pins the remote identity when non-zero.
	ExpectedPeer PeerID

	// ProtocolLogger receives handshake events (optional).
	ProtocolLogger log.Logger
	ConnectionID   string
}

func (c *Config) applyDefaults() {
	if c.Exchanges == nil {
		c.Exchanges = DefaultExchanges
	}
	if c.Ciphers == nil {
		c.Ciphers = DefaultCiphers
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultHandshakeTimeout
	}
	if c.MaxRecordSize <= 0 {
		c.MaxRecordSize = DefaultMaxRecordSize
	}
	c.ProtocolLogger = log.OrNoop(c.ProtocolLogger)
}

// Validate checks the configuration before any bytes are exchanged.
func (c Config) Validate() error {
	if c.KeyPair == nil || len(c.KeyPair.Private) != ed25519.PrivateKeySize {
		return ErrNoIdentity
	}
	if len(c.Exchanges) == 0 && c.Exchanges != nil {
		return fmt.Errorf("%w: empty exchange list", ErrUnsupportedAlgorithm)
	}
	if len(c.Ciphers) == 0 && c.Ciphers != nil {
		return fmt.Errorf("%w: empty cipher list", ErrUnsupportedAlgorithm)
	}
	return checkSupported(c.Exchanges, c.Ciphers)
}

// Handshake authenticates and encrypts conn.
//
// On success the returned SecureConn owns conn. On failure conn is closed
// and no channel is returned. Errors wrap one of ErrProtocolMismatch,
// ErrSignatureInvalid, ErrKeyExchangeFailed, ErrTimeout,
// ErrIdentityMismatch or ErrConnectSelf, or are ctx.Err() if the caller
// cancelled.
func Handshake(ctx context.Context, conn io.ReadWriteCloser, role Role, cfg Config) (*SecureConn, error) {
	if err := cfg.Validate(); err != nil {
		conn.Close()
		return nil, err
	}
	cfg.applyDefaults()

	hctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	// Unblock pending reads and writes when the deadline passes. settled
	// decides the race between the watcher and a completing handshake.
	var settled atomic.Bool
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-hctx.Done():
			if settled.CompareAndSwap(false, true) {
				conn.Close()
			}
		case <-done:
		}
	}()

	h := &handshake{conn: conn, role: role, cfg: cfg}
	sc, err := h.run(hctx)
	if err == nil && !settled.CompareAndSwap(false, true) {
		err = hctx.Err()
	}
	if err != nil {
		conn.Close()
		if ctx.Err() != nil {
			err = ctx.Err()
		} else if errors.Is(hctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s: %v", ErrTimeout, cfg.Timeout, err)
		}
		h.logFailure(err)
		return nil, err
	}
	h.logState("ESTABLISHED", "")
	return sc, nil
}

type handshake struct {
	conn io.ReadWriteCloser
	role Role
	cfg  Config

	exchange string
	cipher   string
}

func (h *handshake) run(ctx context.Context) (*SecureConn, error) {
	local := propose{
		Nonce:     make([]byte, NonceSize),
		PublicKey: h.cfg.KeyPair.Public,
		Exchanges: h.cfg.Exchanges,
		Ciphers:   h.cfg.Ciphers,
	}
	if _, err := rand.Read(local.Nonce); err != nil {
		return nil, fmt.Errorf("%w: nonce: %v", ErrKeyExchangeFailed, err)
	}

	// Step 1: propose. The initiator speaks first.
	var localRaw, remoteRaw []byte
	var err error
	if h.role == RoleInitiator {
		if localRaw, err = h.send(local, "PROPOSE"); err != nil {
			return nil, err
		}
		if remoteRaw, err = h.recv(ctx, "PROPOSE"); err != nil {
			return nil, err
		}
	} else {
		if remoteRaw, err = h.recv(ctx, "PROPOSE"); err != nil {
			return nil, err
		}
		if localRaw, err = h.send(local, "PROPOSE"); err != nil {
			return nil, err
		}
	}

	var remote propose
	if err := decodeMessage(remoteRaw, &remote); err != nil {
		return nil, err
	}
	if len(remote.PublicKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: public key of %d bytes", ErrKeyExchangeFailed, len(remote.PublicKey))
	}
	if len(remote.Nonce) != NonceSize {
		return nil, fmt.Errorf("%w: nonce of %d bytes", ErrKeyExchangeFailed, len(remote.Nonce))
	}
	remotePub := ed25519.PublicKey(remote.PublicKey)
	remotePeer := PeerIDFromPublicKey(remotePub)
	if bytes.Equal(remotePub, h.cfg.KeyPair.Public) || bytes.Equal(remote.Nonce, local.Nonce) {
		return nil, ErrConnectSelf
	}
	if !h.cfg.ExpectedPeer.IsZero() && h.cfg.ExpectedPeer != remotePeer {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrIdentityMismatch, h.cfg.ExpectedPeer.Short(), remotePeer.Short())
	}

	// Step 2: select algorithms in the initiator's order.
	initProp, respProp := local, remote
	initRaw, respRaw := localRaw, remoteRaw
	if h.role == RoleResponder {
		initProp, respProp = remote, local
		initRaw, respRaw = remoteRaw, localRaw
	}
	if h.exchange, err = Select(initProp.Exchanges, respProp.Exchanges); err != nil {
		return nil, err
	}
	if h.cipher, err = Select(initProp.Ciphers, respProp.Ciphers); err != nil {
		return nil, err
	}
	transcript := transcriptHash(initRaw, respRaw)

	// Step 3: signed ephemeral exchange.
	eph, err := newEphemeral(h.exchange)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyExchangeFailed, err)
	}
	localEx := exchange{
		EphemeralKey: eph.Public(),
		Signature:    ed25519.Sign(h.cfg.KeyPair.Private, signedExchange(transcript, h.role, eph.Public())),
	}
	var remoteExRaw []byte
	if h.role == RoleInitiator {
		if _, err = h.send(localEx, "EXCHANGE"); err != nil {
			return nil, err
		}
		if remoteExRaw, err = h.recv(ctx, "EXCHANGE"); err != nil {
			return nil, err
		}
	} else {
		if remoteExRaw, err = h.recv(ctx, "EXCHANGE"); err != nil {
			return nil, err
		}
		if _, err = h.send(localEx, "EXCHANGE"); err != nil {
			return nil, err
		}
	}
	var remoteEx exchange
	if err := decodeMessage(remoteExRaw, &remoteEx); err != nil {
		return nil, err
	}
	if !ed25519.Verify(remotePub, signedExchange(transcript, h.role.peer(), remoteEx.EphemeralKey), remoteEx.Signature) {
		return nil, ErrSignatureInvalid
	}
	shared, err := eph.Shared(remoteEx.EphemeralKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyExchangeFailed, err)
	}

	// Step 4: derive direction keys.
	initNonce, respNonce := initProp.Nonce, respProp.Nonce
	keys, err := deriveKeys(shared, initNonce, respNonce, transcript, h.cipher)
	if err != nil {
		return nil, err
	}
	sendKey, recvKey := keys.initiator, keys.responder
	if h.role == RoleResponder {
		sendKey, recvKey = recvKey, sendKey
	}
	sc, err := newSecureConn(h.conn, sendKey, recvKey, h.cipher, h.cfg.MaxRecordSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyExchangeFailed, err)
	}
	sc.role = h.role
	sc.localPeer = h.cfg.KeyPair.PeerID()
	sc.remotePeer = remotePeer
	sc.remotePub = remotePub
	sc.exchange = h.exchange

	// Step 5: confirm both directions by echoing the peer's nonce.
	if err := h.confirm(ctx, sc, remote.Nonce, local.Nonce); err != nil {
		return nil, err
	}
	return sc, nil
}

func (h *handshake) confirm(ctx context.Context, sc *SecureConn, remoteNonce, localNonce []byte) error {
	write := func() error {
		if _, err := sc.Write(remoteNonce); err != nil {
			return fmt.Errorf("%w: confirm: %v", ErrKeyExchangeFailed, err)
		}
		h.logStep(log.DirectionOut, "CONFIRM", len(remoteNonce))
		return nil
	}
	read := func() error {
		type result struct {
			n   int
			err error
		}
		buf := make([]byte, NonceSize)
		ch := make(chan result, 1)
		go func() {
			n, err := io.ReadFull(sc, buf)
			ch <- result{n, err}
		}()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r := <-ch:
			if r.err != nil {
				return fmt.Errorf("%w: confirm: %v", ErrKeyExchangeFailed, r.err)
			}
		}
		if !bytes.Equal(buf, localNonce) {
			return fmt.Errorf("%w: confirmation nonce mismatch", ErrKeyExchangeFailed)
		}
		h.logStep(log.DirectionIn, "CONFIRM", len(buf))
		return nil
	}
	if h.role == RoleInitiator {
		if err := write(); err != nil {
			return err
		}
		return read()
	}
	if err := read(); err != nil {
		return err
	}
	return write()
}

func (h *handshake) send(msg any, step string) ([]byte, error) {
	raw, err := writeMessage(h.conn, msg)
	if err != nil {
		return nil, err
	}
	h.logStep(log.DirectionOut, step, len(raw))
	return raw, nil
}

func (h *handshake) recv(ctx context.Context, step string) ([]byte, error) {
	raw, err := readMessageWithContext(ctx, h.conn)
	if err != nil {
		return nil, err
	}
	h.logStep(log.DirectionIn, step, len(raw))
	return raw, nil
}

func transcriptHash(initiatorPropose, responderPropose []byte) []byte {
	d := sha256.New()
	d.Write(initiatorPropose)
	d.Write(responderPropose)
	return d.Sum(nil)
}

// signedExchange is the message covered by an exchange signature.
func signedExchange(transcript []byte, signer Role, ephemeralKey []byte) []byte {
	msg := make([]byte, 0, len(exchangeSignatureTag)+len(transcript)+1+len(ephemeralKey))
	msg = append(msg, exchangeSignatureTag...)
	msg = append(msg, transcript...)
	msg = append(msg, byte(signer))
	return append(msg, ephemeralKey...)
}

type directionKeys struct {
	initiator []byte // initiator -> responder
	responder []byte // responder -> initiator
}

// deriveKeys expands the shared secret into one key per direction.
func deriveKeys(shared, initNonce, respNonce, transcript []byte, cipherName string) (directionKeys, error) {
	size, err := cipherKeySize(cipherName)
	if err != nil {
		return directionKeys{}, err
	}
	salt := append(append([]byte{}, initNonce...), respNonce...)
	info := append([]byte(keyDerivationTag), transcript...)

	r := hkdf.New(sha256.New, shared, salt, info)
	keys := directionKeys{initiator: make([]byte, size), responder: make([]byte, size)}
	if _, err := io.ReadFull(r, keys.initiator); err != nil {
		return directionKeys{}, fmt.Errorf("%w: hkdf: %v", ErrKeyExchangeFailed, err)
	}
	if _, err := io.ReadFull(r, keys.responder); err != nil {
		return directionKeys{}, fmt.Errorf("%w: hkdf: %v", ErrKeyExchangeFailed, err)
	}
	return keys, nil
}

func (h *handshake) logStep(dir log.Direction, step string, size int) {
	h.cfg.ProtocolLogger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: h.cfg.ConnectionID,
		Direction:    dir,
		Layer:        log.LayerSecure,
		Category:     log.CategoryMessage,
		LocalRole:    log.Role(h.role),
		Handshake:    &log.HandshakeEvent{Step: step, Exchange: h.exchange, Cipher: h.cipher, Size: size},
	})
}

func (h *handshake) logState(state, reason string) {
	h.cfg.ProtocolLogger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: h.cfg.ConnectionID,
		Layer:        log.LayerSecure,
		Category:     log.CategoryState,
		LocalRole:    log.Role(h.role),
		StateChange:  &log.StateChangeEvent{Entity: log.StateEntityHandshake, NewState: state, Reason: reason},
	})
}

func (h *handshake) logFailure(err error) {
	h.logState("FAILED", err.Error())
	h.cfg.ProtocolLogger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: h.cfg.ConnectionID,
		Layer:        log.LayerSecure,
		Category:     log.CategoryError,
		LocalRole:    log.Role(h.role),
		Error:        &log.ErrorEventData{Layer: log.LayerSecure, Message: err.Error(), Context: "handshake"},
	})
}
