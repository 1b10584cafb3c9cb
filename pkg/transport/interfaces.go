package transport

import (
	"context"
	"net"
)

// ContextDialer opens outbound connections.
// Implemented by Dialer.
type ContextDialer interface {
	// Dial connects to address (host:port).
	Dial(ctx context.Context, address string) (net.Conn, error)
}

// TransportServer accepts inbound connections.
// Implemented by Server.
type TransportServer interface {
	// Start begins accepting connections.
	Start(ctx context.Context) error

	// Stop closes the listener and aborts connections still being set up.
	Stop() error

	// Addr returns the listen address.
	Addr() net.Addr

	// ConnectionCount returns the number of connections being set up.
	ConnectionCount() int
}

// Compile-time interface satisfaction checks.
var (
	_ ContextDialer   = (*Dialer)(nil)
	_ TransportServer = (*Server)(nil)
)
