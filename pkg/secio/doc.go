// Package secio turns a raw duplex byte stream into an authenticated,
// encrypted channel.
//
// # Handshake
//
// Both peers exchange a Propose carrying a fresh nonce, their static
// Ed25519 public key and their ordered key-exchange and cipher
// preferences. Each side independently picks the first entry of the
// initiator's list that the responder also supports, so both converge
// without another round trip.
//
// Each side then sends an ephemeral public key signed with its static key
// over the handshake transcript. The shared secret is expanded with
// HKDF-SHA256 (salted with both nonces) into one key per direction.
// Finally each side sends an encrypted confirmation carrying the peer's
// nonce.
//
// # Records
//
// After the handshake every Write is sealed into records:
//
//	length (4) | counter (8) | AEAD ciphertext
//
// Counters start at zero and increase by one per record and direction.
// A record whose counter is not the expected next value fails the
// channel with ErrReplay.
//
// # Identity
//
// A PeerID is the SHA-256 digest of the static public key. Callers may pin
// the expected PeerID; a mismatch fails with ErrIdentityMismatch.
package secio
