package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/tentacle-p2p/tentacle-go/pkg/connection"
	"github.com/tentacle-p2p/tentacle-go/pkg/frame"
	"github.com/tentacle-p2p/tentacle-go/pkg/mux"
	"github.com/tentacle-p2p/tentacle-go/pkg/protocol"
	"github.com/tentacle-p2p/tentacle-go/pkg/secio"
	"github.com/tentacle-p2p/tentacle-go/pkg/service"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is a node configuration file.
type Config struct {
	// Listen is the TCP listen address; empty disables inbound sessions.
	Listen string `yaml:"listen"`

	// KeyFile holds the node's identity; it is created if missing.
	KeyFile string `yaml:"key_file"`

	// ProtocolLog is a CBOR protocol event log path (optional).
	ProtocolLog string `yaml:"protocol_log,omitempty"`

	// LogLevel is debug, info, warn or error.
	LogLevel string `yaml:"log_level"`

	// MaxSessions caps concurrent sessions (0 = unlimited).
	MaxSessions int `yaml:"max_sessions"`

	// Bootnodes are dialed at startup and redialed when lost.
	Bootnodes []string `yaml:"bootnodes,omitempty"`

	Handshake HandshakeConfig `yaml:"handshake"`
	Mux       MuxConfig       `yaml:"mux"`
	Protocols ProtocolsConfig `yaml:"protocols"`
	MDNS      MDNSConfig      `yaml:"mdns"`
	Redial    RedialConfig    `yaml:"redial"`
}

// HandshakeConfig configures the secure handshake.
type HandshakeConfig struct {
	Timeout   Duration `yaml:"timeout"`
	Exchanges []string `yaml:"exchanges,omitempty"`
	Ciphers   []string `yaml:"ciphers,omitempty"`
}

// MuxConfig configures the stream multiplexer.
type MuxConfig struct {
	MaxFrameSize               uint32   `yaml:"max_frame_size"`
	InitialStreamWindow        uint32   `yaml:"initial_stream_window"`
	WindowUpdateThreshold      uint32   `yaml:"window_update_threshold,omitempty"`
	KeepAliveInterval          Duration `yaml:"keepalive_interval"`
	KeepAliveTimeoutMultiplier int      `yaml:"keepalive_timeout_multiplier"`
	WriteTimeout               Duration `yaml:"write_timeout"`
	MaxStreams                 int      `yaml:"max_streams"`
}

// ProtocolsConfig limits sub-protocol streams.
type ProtocolsConfig struct {
	// MaxStreams caps concurrent streams of one protocol per session
	// (0 = unlimited).
	MaxStreams int `yaml:"max_streams"`

	// Limits overrides MaxStreams by protocol name.
	Limits map[string]int `yaml:"limits,omitempty"`

	// MaxMessageSize bounds one message.
	MaxMessageSize uint32 `yaml:"max_message_size"`
}

// MDNSConfig configures LAN discovery.
type MDNSConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Interface string `yaml:"interface,omitempty"`
}

// RedialConfig configures bootnode reconnection.
type RedialConfig struct {
	Initial     Duration `yaml:"initial"`
	Max         Duration `yaml:"max"`
	MaxAttempts int      `yaml:"max_attempts,omitempty"`
}

// Default returns the default configuration.
func Default() *Config {
	m := mux.DefaultConfig()
	return &Config{
		Listen:      ":1337",
		KeyFile:     "node.key",
		LogLevel:    "info",
		MaxSessions: 64,
		Handshake: HandshakeConfig{
			Timeout: Duration(secio.DefaultHandshakeTimeout),
		},
		Mux: MuxConfig{
			MaxFrameSize:               m.MaxFrameSize,
			InitialStreamWindow:        m.InitialStreamWindow,
			KeepAliveInterval:          Duration(m.KeepAliveInterval),
			KeepAliveTimeoutMultiplier: m.KeepAliveTimeoutMultiplier,
			WriteTimeout:               Duration(m.WriteTimeout),
			MaxStreams:                 m.MaxStreams,
		},
		Protocols: ProtocolsConfig{
			MaxMessageSize: protocol.DefaultMaxMessageSize,
		},
		Redial: RedialConfig{
			Initial: Duration(connection.DefaultInitialBackoff),
			Max:     Duration(connection.DefaultMaxBackoff),
		},
	}
}

// LoadError reports a configuration file that could not be loaded.
type LoadError struct {
	File    string
	Message string
	Cause   error
}

func (e *LoadError) Error() string {
	msg := e.Message
	if e.File != "" {
		msg = e.File + ": " + msg
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *LoadError) Unwrap() error { return e.Cause }

// Parse decodes YAML over the defaults and validates the result.
// Unknown keys are errors.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, &LoadError{Message: "failed to parse YAML", Cause: err}
	}
	if err := cfg.Validate(); err != nil {
		return nil, &LoadError{Message: "validation failed", Cause: err}
	}
	return cfg, nil
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{File: path, Message: "failed to read file", Cause: err}
	}
	cfg, err := Parse(data)
	if err != nil {
		var le *LoadError
		if errors.As(err, &le) {
			le.File = path
		}
		return nil, err
	}
	return cfg, nil
}

// Marshal encodes the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Validate checks every field and reports all problems together.
func (c *Config) Validate() error {
	var result *multierror.Error
	add := func(format string, args ...any) {
		result = multierror.Append(result, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if c.KeyFile == "" {
		add("key_file is required")
	}
	if _, err := c.Level(); err != nil {
		add("log_level: %v", err)
	}
	if c.MaxSessions < 0 {
		add("max_sessions must not be negative")
	}
	for _, b := range c.Bootnodes {
		if _, err := ParseBootnode(b); err != nil {
			add("bootnode %q: %v", b, err)
		}
	}

	if c.Handshake.Timeout < 0 {
		add("handshake.timeout must not be negative")
	}
	for _, x := range c.Handshake.Exchanges {
		if !slices.Contains(secio.DefaultExchanges, x) {
			add("handshake.exchanges: unsupported %q", x)
		}
	}
	for _, x := range c.Handshake.Ciphers {
		if !slices.Contains(secio.DefaultCiphers, x) {
			add("handshake.ciphers: unsupported %q", x)
		}
	}

	if c.Mux.MaxFrameSize > frame.MaxLength {
		add("mux.max_frame_size exceeds %d", frame.MaxLength)
	}
	if c.Mux.InitialStreamWindow != 0 && c.Mux.InitialStreamWindow < mux.BaseStreamWindow {
		add("mux.initial_stream_window below %d", mux.BaseStreamWindow)
	}
	if window := max(c.Mux.InitialStreamWindow, mux.BaseStreamWindow); c.Mux.WindowUpdateThreshold > window {
		add("mux.window_update_threshold exceeds the stream window of %d", window)
	}
	if c.Mux.KeepAliveTimeoutMultiplier < 0 {
		add("mux.keepalive_timeout_multiplier must not be negative")
	}

	if c.Protocols.MaxStreams < 0 {
		add("protocols.max_streams must not be negative")
	}
	for name, n := range c.Protocols.Limits {
		if n < 0 {
			add("protocols.limits.%s must not be negative", name)
		}
	}

	if c.Redial.Initial < 0 || c.Redial.Max < 0 || c.Redial.MaxAttempts < 0 {
		add("redial values must not be negative")
	}
	return result.ErrorOrNil()
}

// Level returns the slog level named by LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	err := level.UnmarshalText([]byte(c.LogLevel))
	return level, err
}

// SecioConfig returns the handshake configuration for kp.
func (c *Config) SecioConfig(kp *secio.KeyPair) secio.Config {
	return secio.Config{
		KeyPair:   kp,
		Exchanges: slices.Clone(c.Handshake.Exchanges),
		Ciphers:   slices.Clone(c.Handshake.Ciphers),
		Timeout:   c.Handshake.Timeout.Std(),
	}
}

// MuxConfig returns the multiplexer configuration.
func (c *Config) MuxConfig() mux.Config {
	m := mux.DefaultConfig()
	m.MaxFrameSize = c.Mux.MaxFrameSize
	m.InitialStreamWindow = c.Mux.InitialStreamWindow
	m.WindowUpdateThreshold = c.Mux.WindowUpdateThreshold
	m.KeepAliveInterval = c.Mux.KeepAliveInterval.Std()
	m.KeepAliveTimeoutMultiplier = c.Mux.KeepAliveTimeoutMultiplier
	m.WriteTimeout = c.Mux.WriteTimeout.Std()
	m.MaxStreams = c.Mux.MaxStreams
	return m
}

// BackoffConfig returns the bootnode redial schedule.
func (c *Config) BackoffConfig() connection.BackoffConfig {
	return connection.BackoffConfig{
		Initial:     c.Redial.Initial.Std(),
		Max:         c.Redial.Max.Std(),
		MaxAttempts: c.Redial.MaxAttempts,
	}
}

// ServiceConfig returns the service configuration for kp. Loggers are
// left for the caller.
func (c *Config) ServiceConfig(kp *secio.KeyPair) service.Config {
	s := service.DefaultConfig()
	s.Secio = c.SecioConfig(kp)
	s.Mux = c.MuxConfig()
	s.MaxSessions = c.MaxSessions
	s.MaxStreamsPerProtocol = c.Protocols.MaxStreams
	if len(c.Protocols.Limits) > 0 {
		s.ProtocolStreamLimits = make(map[string]int, len(c.Protocols.Limits))
		for k, v := range c.Protocols.Limits {
			s.ProtocolStreamLimits[k] = v
		}
	}
	s.MaxMessageSize = c.Protocols.MaxMessageSize
	return s
}
