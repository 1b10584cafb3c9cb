package mux

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/tentacle-p2p/tentacle-go/pkg/frame"
	"github.com/tentacle-p2p/tentacle-go/pkg/log"
)

const (
	// BaseStreamWindow is the window both sides assume when a stream opens.
	BaseStreamWindow = 256 * 1024

	DefaultKeepAliveInterval          = 30 * time.Second
	DefaultKeepAliveTimeoutMultiplier = 3
	DefaultWriteTimeout               = 30 * time.Second
	DefaultAcceptBacklog              = 256
	DefaultMaxStreams                 = 1024
	DefaultCloseTimeout               = 2 * time.Second
)

// Config configures a Session.
type Config struct {
	// MaxFrameSize bounds frame payloads in both directions.
	MaxFrameSize uint32

	// InitialStreamWindow is the receive window granted per stream.
	// Must be at least BaseStreamWindow.
	InitialStreamWindow uint32

	// WindowUpdateThreshold is the amount of consumed data that triggers a
	// WINDOW_UPDATE. Zero means half of InitialStreamWindow.
	WindowUpdateThreshold uint32

	// KeepAliveInterval is the idle time before a PING. Negative disables
	// keepalive.
	KeepAliveInterval time.Duration

	// KeepAliveTimeoutMultiplier sets the dead-connection limit to
	// KeepAliveInterval times this value without inbound traffic.
	KeepAliveTimeoutMultiplier int

	// WriteTimeout bounds how long a write may wait for window credit.
	// Negative disables the timeout.
	WriteTimeout time.Duration

	// AcceptBacklog is the number of inbound streams waiting for Accept.
	AcceptBacklog int

	// MaxStreams caps concurrently open streams. Negative means unlimited.
	MaxStreams int

	// CloseTimeout bounds the final flush when the session closes, and the
	// wait for a writer still blocked after the connection is closed.
	CloseTimeout time.Duration

	// Logger receives operational logs (optional).
	Logger *slog.Logger

	// ProtocolLogger receives frame and state events (optional).
	ProtocolLogger log.Logger

	// ConnectionID is stamped on protocol log events.
	ConnectionID string
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() Config {
	return Config{
		MaxFrameSize:               frame.DefaultMaxFrameSize,
		InitialStreamWindow:        BaseStreamWindow,
		KeepAliveInterval:          DefaultKeepAliveInterval,
		KeepAliveTimeoutMultiplier: DefaultKeepAliveTimeoutMultiplier,
		WriteTimeout:               DefaultWriteTimeout,
		AcceptBacklog:              DefaultAcceptBacklog,
		MaxStreams:                 DefaultMaxStreams,
		CloseTimeout:               DefaultCloseTimeout,
	}
}

func (c *Config) applyDefaults() {
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = frame.DefaultMaxFrameSize
	}
	if c.InitialStreamWindow == 0 {
		c.InitialStreamWindow = BaseStreamWindow
	}
	if c.WindowUpdateThreshold == 0 {
		c.WindowUpdateThreshold = c.InitialStreamWindow / 2
	}
	if c.KeepAliveInterval == 0 {
		c.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if c.KeepAliveTimeoutMultiplier <= 0 {
		c.KeepAliveTimeoutMultiplier = DefaultKeepAliveTimeoutMultiplier
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.AcceptBacklog <= 0 {
		c.AcceptBacklog = DefaultAcceptBacklog
	}
	if c.MaxStreams == 0 {
		c.MaxStreams = DefaultMaxStreams
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = DefaultCloseTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	c.ProtocolLogger = log.OrNoop(c.ProtocolLogger)
}

// Validate checks the configuration. Zero values are checked against the
// defaults they resolve to.
func (c Config) Validate() error {
	if c.MaxFrameSize > frame.MaxLength {
		return fmt.Errorf("max frame size %d exceeds %d", c.MaxFrameSize, frame.MaxLength)
	}
	if c.InitialStreamWindow != 0 && c.InitialStreamWindow < BaseStreamWindow {
		return fmt.Errorf("initial stream window %d below %d", c.InitialStreamWindow, BaseStreamWindow)
	}
	if window := c.effectiveWindow(); c.WindowUpdateThreshold > window {
		return fmt.Errorf("window update threshold %d exceeds window %d", c.WindowUpdateThreshold, window)
	}
	return nil
}

// effectiveWindow is the receive window in force once defaults apply.
func (c Config) effectiveWindow() uint32 {
	return max(c.InitialStreamWindow, BaseStreamWindow)
}
