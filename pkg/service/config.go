package service

import (
	"fmt"
	"log/slog"

	"github.com/tentacle-p2p/tentacle-go/pkg/log"
	"github.com/tentacle-p2p/tentacle-go/pkg/mux"
	"github.com/tentacle-p2p/tentacle-go/pkg/protocol"
	"github.com/tentacle-p2p/tentacle-go/pkg/secio"
	"github.com/tentacle-p2p/tentacle-go/pkg/transport"
)

// DefaultHandlerQueueSize is the per-stream inbound message queue.
const DefaultHandlerQueueSize = 64

// Config configures a Service.
type Config struct {
	// Secio configures the handshake. KeyPair is required.
	Secio secio.Config

	// Mux configures each session's multiplexer.
	Mux mux.Config

	// MaxSessions caps established sessions plus handshakes in progress
	// (0 = unlimited).
	MaxSessions int

	// MaxStreamsPerProtocol caps concurrent streams of one protocol on
	// one session (0 = unlimited).
	MaxStreamsPerProtocol int

	// ProtocolStreamLimits overrides MaxStreamsPerProtocol by protocol
	// name. A value of 0 means unlimited for that protocol.
	ProtocolStreamLimits map[string]int

	// MaxMessageSize bounds one sub-protocol message
	// (default: protocol.DefaultMaxMessageSize).
	MaxMessageSize uint32

	// HandlerQueueSize is the inbound message queue per stream
	// (default: 64).
	HandlerQueueSize int

	// Dialer opens outbound connections (default: a transport.Dialer).
	Dialer transport.ContextDialer

	// Logger is the optional logger for debug output.
	// If nil, logging is disabled.
	Logger *slog.Logger

	// ProtocolLogger captures handshake, frame and protocol events
	// (optional).
	ProtocolLogger log.Logger
}

// DefaultConfig returns a configuration with defaults; the caller
// supplies Secio.KeyPair.
func DefaultConfig() Config {
	return Config{
		Mux:              mux.DefaultConfig(),
		MaxMessageSize:   protocol.DefaultMaxMessageSize,
		HandlerQueueSize: DefaultHandlerQueueSize,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := c.Secio.Validate(); err != nil {
		return fmt.Errorf("%w: secio: %w", ErrInvalidConfig, err)
	}
	if err := c.Mux.Validate(); err != nil {
		return fmt.Errorf("%w: mux: %w", ErrInvalidConfig, err)
	}
	if c.MaxSessions < 0 {
		return fmt.Errorf("%w: negative max sessions", ErrInvalidConfig)
	}
	if c.MaxStreamsPerProtocol < 0 {
		return fmt.Errorf("%w: negative max streams per protocol", ErrInvalidConfig)
	}
	for name, n := range c.ProtocolStreamLimits {
		if n < 0 {
			return fmt.Errorf("%w: negative stream limit for %q", ErrInvalidConfig, name)
		}
	}
	if c.HandlerQueueSize < 0 {
		return fmt.Errorf("%w: negative handler queue size", ErrInvalidConfig)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = protocol.DefaultMaxMessageSize
	}
	if c.HandlerQueueSize == 0 {
		c.HandlerQueueSize = DefaultHandlerQueueSize
	}
	if c.Dialer == nil {
		c.Dialer = transport.NewDialer(transport.DialerConfig{})
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	c.ProtocolLogger = log.OrNoop(c.ProtocolLogger)
}

// streamLimit returns the stream cap for meta, 0 meaning unlimited.
func (c Config) streamLimit(meta protocol.Meta) int {
	if n, ok := c.ProtocolStreamLimits[meta.Name]; ok {
		return n
	}
	return c.MaxStreamsPerProtocol
}
