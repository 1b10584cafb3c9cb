package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tentacle-p2p/tentacle-go/pkg/mux"
	"github.com/tentacle-p2p/tentacle-go/pkg/protocol"
	"github.com/tentacle-p2p/tentacle-go/pkg/secio"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ":1337", cfg.Listen)
	assert.Equal(t, secio.DefaultHandshakeTimeout, cfg.Handshake.Timeout.Std())
	assert.Equal(t, uint32(mux.BaseStreamWindow), cfg.Mux.InitialStreamWindow)
	assert.Equal(t, uint32(protocol.DefaultMaxMessageSize), cfg.Protocols.MaxMessageSize)
}

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
listen: 127.0.0.1:9000
log_level: debug
max_sessions: 8
handshake:
  timeout: 3s
  ciphers: [AES_256_GCM]
mux:
  keepalive_interval: 1m30s
  initial_stream_window: 524288
protocols:
  max_streams: 2
  limits:
    ping: 1
mdns:
  enabled: true
  interface: eth0
`))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Listen)
	assert.Equal(t, "node.key", cfg.KeyFile)
	assert.Equal(t, 8, cfg.MaxSessions)
	assert.Equal(t, 3*time.Second, cfg.Handshake.Timeout.Std())
	assert.Equal(t, []string{secio.CipherAES256GCM}, cfg.Handshake.Ciphers)
	assert.Equal(t, 90*time.Second, cfg.Mux.KeepAliveInterval.Std())
	assert.Equal(t, uint32(524288), cfg.Mux.InitialStreamWindow)
	assert.Equal(t, mux.DefaultWriteTimeout, cfg.Mux.WriteTimeout.Std())
	assert.True(t, cfg.MDNS.Enabled)
	assert.Equal(t, "eth0", cfg.MDNS.Interface)

	level, err := cfg.Level()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}

func TestParseEmptyUsesDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown key", "listen_addr: x\n", "failed to parse YAML"},
		{"bad duration", "handshake:\n  timeout: soon\n", "failed to parse YAML"},
		{"bad level", "log_level: loud\n", "log_level"},
		{"unknown cipher", "handshake:\n  ciphers: [rc4]\n", "unsupported \"rc4\""},
		{"small window", "mux:\n  initial_stream_window: 1024\n", "initial_stream_window"},
		{"threshold over default window", "mux:\n  initial_stream_window: 0\n  window_update_threshold: 524288\n", "window_update_threshold"},
		{"bad bootnode", "bootnodes: [nowhere]\n", "bootnode"},
		{"negative limit", "protocols:\n  limits:\n    ping: -1\n", "protocols.limits.ping"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
			var le *LoadError
			assert.True(t, errors.As(err, &le))
		})
	}
}

func TestValidateCollectsAllProblems(t *testing.T) {
	cfg := Default()
	cfg.KeyFile = ""
	cfg.MaxSessions = -1
	cfg.Protocols.MaxStreams = -1

	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "3 errors occurred")
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_sessions: 3\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.MaxSessions)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.ErrorIs(t, err, os.ErrNotExist)

	require.NoError(t, os.WriteFile(path, []byte("max_sessions: -3\n"), 0o600))
	_, err = Load(path)
	require.ErrorAs(t, err, &le)
	assert.Equal(t, path, le.File)
	assert.True(t, strings.HasPrefix(err.Error(), path+": validation failed"))
}

func TestMarshalRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Bootnodes = []string{"10.0.0.1:1337"}
	cfg.Mux.KeepAliveInterval = Duration(45 * time.Second)

	data, err := cfg.Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(data), "keepalive_interval: 45s")

	back, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, cfg, back)
}

func TestServiceConfig(t *testing.T) {
	kp, err := secio.GenerateKeyPair()
	require.NoError(t, err)

	cfg := Default()
	cfg.MaxSessions = 5
	cfg.Protocols.MaxStreams = 2
	cfg.Protocols.Limits = map[string]int{"ping": 1}
	cfg.Handshake.Exchanges = []string{secio.ExchangeP256}
	cfg.Mux.WriteTimeout = Duration(time.Second)

	sc := cfg.ServiceConfig(kp)
	require.NoError(t, sc.Validate())
	assert.Same(t, kp, sc.Secio.KeyPair)
	assert.Equal(t, []string{secio.ExchangeP256}, sc.Secio.Exchanges)
	assert.Nil(t, sc.Secio.Ciphers)
	assert.Equal(t, 5, sc.MaxSessions)
	assert.Equal(t, 2, sc.MaxStreamsPerProtocol)
	assert.Equal(t, map[string]int{"ping": 1}, sc.ProtocolStreamLimits)
	assert.Equal(t, time.Second, sc.Mux.WriteTimeout)
	assert.Equal(t, mux.DefaultCloseTimeout, sc.Mux.CloseTimeout)

	b := cfg.BackoffConfig()
	assert.Equal(t, 500*time.Millisecond, b.Initial)
	assert.Equal(t, time.Minute, b.Max)
}

func TestParseBootnode(t *testing.T) {
	kp, err := secio.GenerateKeyPair()
	require.NoError(t, err)
	id := kp.PeerID()

	b, err := ParseBootnode(id.String() + "@10.0.0.7:1337")
	require.NoError(t, err)
	assert.Equal(t, id, b.Peer)
	assert.Equal(t, "10.0.0.7:1337", b.Address)
	assert.Equal(t, id.String()+"@10.0.0.7:1337", b.String())

	b, err = ParseBootnode("[::1]:1337")
	require.NoError(t, err)
	assert.True(t, b.Peer.IsZero())
	assert.Equal(t, "[::1]:1337", b.String())

	for _, bad := range []string{"", "host", ":1337", "zz@10.0.0.7:1337", id.String() + "@"} {
		_, err := ParseBootnode(bad)
		assert.ErrorIs(t, err, ErrInvalidBootnode, bad)
	}
}

func TestParsedBootnodes(t *testing.T) {
	cfg := Default()
	cfg.Bootnodes = []string{"a.example:1", "b.example:2"}
	nodes, err := cfg.ParsedBootnodes()
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, "b.example:2", nodes[1].Address)
}
