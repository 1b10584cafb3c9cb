package transport

import (
	"context"
	"fmt"
	"net"
	"time"
)

// DefaultConnectTimeout bounds Dial when ctx has no deadline.
const DefaultConnectTimeout = 30 * time.Second

// DialerConfig configures a Dialer.
type DialerConfig struct {
	// ConnectTimeout is the connection timeout (default: 30s).
	ConnectTimeout time.Duration

	// KeepAlive is the TCP keep-alive period. Zero uses the system
	// default; negative disables it.
	KeepAlive time.Duration

	// LocalAddr is an optional local address to dial from.
	LocalAddr net.Addr
}

// Dialer opens TCP connections.
type Dialer struct {
	config DialerConfig
}

// NewDialer creates a dialer.
func NewDialer(config DialerConfig) *Dialer {
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = DefaultConnectTimeout
	}
	return &Dialer{config: config}
}

// Dial connects to address.
func (d *Dialer) Dial(ctx context.Context, address string) (net.Conn, error) {
	// Apply timeout from config if context doesn't have one
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.config.ConnectTimeout)
		defer cancel()
	}

	dialer := &net.Dialer{
		KeepAlive: d.config.KeepAlive,
		LocalAddr: d.config.LocalAddr,
	}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", address, err)
	}
	return conn, nil
}
