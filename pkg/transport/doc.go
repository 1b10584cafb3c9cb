// Package transport provides the byte-stream collaborator for sessions:
// a TCP accept loop and a dialer. It knows nothing about the secure
// handshake or multiplexing; it hands raw connections to its caller.
//
// # Protocol Stack
//
//	┌────────────────────────────────┐
//	│   Sub-protocol messages        │
//	├────────────────────────────────┤
//	│   Multiplexed streams          │
//	├────────────────────────────────┤
//	│   Secure channel (AEAD)        │
//	├────────────────────────────────┤
//	│           TCP                  │  <- this package
//	└────────────────────────────────┘
//
// Connections accepted by a Server are tracked until the OnConnect
// callback returns, so Stop can abort handshakes still in progress.
// Once OnConnect returns, the connection belongs to the callback.
package transport
