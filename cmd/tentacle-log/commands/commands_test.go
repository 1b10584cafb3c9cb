package commands

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tentacle-p2p/tentacle-go/pkg/log"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func writeLog(t *testing.T, events ...log.Event) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "node.tlog")
	logger, err := log.NewFileLogger(path)
	require.NoError(t, err)
	for _, e := range events {
		logger.Log(e)
	}
	require.NoError(t, logger.Close())
	return path
}

func sampleEvents() []log.Event {
	return []log.Event{
		{
			Timestamp:    base,
			ConnectionID: "aaaaaaaa-1111",
			Direction:    log.DirectionOut,
			Layer:        log.LayerSecure,
			Category:     log.CategoryMessage,
			Handshake:    &log.HandshakeEvent{Step: "PROPOSE", Size: 120},
		},
		{
			Timestamp:    base.Add(time.Millisecond),
			ConnectionID: "aaaaaaaa-1111",
			Direction:    log.DirectionIn,
			Layer:        log.LayerSecure,
			Category:     log.CategoryState,
			PeerID:       "0123456789abcdef",
			Handshake:    &log.HandshakeEvent{Step: "CONFIRM", Exchange: "X25519", Cipher: "CHACHA20_POLY1305"},
		},
		{
			Timestamp:    base.Add(2 * time.Millisecond),
			ConnectionID: "aaaaaaaa-1111",
			Direction:    log.DirectionOut,
			Layer:        log.LayerMux,
			Category:     log.CategoryMessage,
			Frame:        log.NewFrameEvent(1, "DATA", []byte{0xca, 0xfe}),
		},
		{
			Timestamp:    base.Add(3 * time.Millisecond),
			ConnectionID: "bbbbbbbb-2222",
			Direction:    log.DirectionIn,
			Layer:        log.LayerMux,
			Category:     log.CategoryControl,
			ControlMsg:   &log.ControlMsgEvent{Type: log.ControlMsgPing, Value: 9},
		},
		{
			Timestamp:    base.Add(time.Second),
			ConnectionID: "bbbbbbbb-2222",
			Layer:        log.LayerProtocol,
			Category:     log.CategoryError,
			Error:        &log.ErrorEventData{Layer: log.LayerProtocol, Message: "unknown protocol", Context: "open"},
		},
	}
}

func TestRunViewFormatsEvents(t *testing.T) {
	path := writeLog(t, sampleEvents()...)

	var out bytes.Buffer
	require.NoError(t, RunView(path, FilterOptions{}, &out))
	s := out.String()

	assert.Contains(t, s, "2026-03-01T12:00:00.000000Z [conn:aaaaaaaa] OUT SECURE PROPOSE")
	assert.Contains(t, s, "Size: 120 bytes")
	assert.Contains(t, s, "Exchange: X25519  Cipher: CHACHA20_POLY1305")
	assert.Contains(t, s, "peer=01234567")
	assert.Contains(t, s, "MUX DATA")
	assert.Contains(t, s, "Data: cafe")
	assert.Contains(t, s, "IN  CTRL PING")
	assert.Contains(t, s, "Message: unknown protocol")
}

func TestRunViewFilters(t *testing.T) {
	path := writeLog(t, sampleEvents()...)

	var out bytes.Buffer
	require.NoError(t, RunView(path, FilterOptions{Layer: "mux", Direction: "out"}, &out))
	assert.Contains(t, out.String(), "MUX DATA")
	assert.NotContains(t, out.String(), "PROPOSE")
	assert.NotContains(t, out.String(), "PING")

	out.Reset()
	require.NoError(t, RunView(path, FilterOptions{ConnID: "bbbbbbbb-2222", Category: "error"}, &out))
	assert.Contains(t, out.String(), "Error")
	assert.NotContains(t, out.String(), "PING")
}

func TestFilterOptionsErrors(t *testing.T) {
	tests := []FilterOptions{
		{Layer: "wire"},
		{Direction: "sideways"},
		{Category: "snapshot"},
		{Stream: "x"},
		{TimeStart: "yesterday"},
		{TimeEnd: "tomorrow"},
	}
	for _, opts := range tests {
		_, err := opts.Build()
		assert.Error(t, err, "%+v", opts)
	}

	f, err := FilterOptions{Stream: "5", Layer: "PROTOCOL"}.Build()
	require.NoError(t, err)
	require.NotNil(t, f.StreamID)
	assert.Equal(t, uint32(5), *f.StreamID)
	assert.Equal(t, log.LayerProtocol, *f.Layer)
}

func TestRunFilter(t *testing.T) {
	path := writeLog(t, sampleEvents()...)
	output := filepath.Join(t.TempDir(), "out.tlog")

	n, err := RunFilter(path, output, FilterOptions{ConnID: "aaaaaaaa-1111"})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	stats, err := Collect(output)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalEvents)
	assert.Len(t, stats.Connections, 1)
}

func TestCollectStats(t *testing.T) {
	path := writeLog(t, sampleEvents()...)

	stats, err := Collect(path)
	require.NoError(t, err)

	assert.Equal(t, 5, stats.TotalEvents)
	assert.Equal(t, 2, stats.EventsByLayer[log.LayerSecure])
	assert.Equal(t, 1, stats.FramesByType["DATA"])
	assert.Equal(t, 1, stats.Errors)
	assert.True(t, base.Equal(stats.Start))
	assert.True(t, base.Add(time.Second).Equal(stats.End))

	conn := stats.Connections["aaaaaaaa-1111"]
	require.NotNil(t, conn)
	assert.Equal(t, 3, conn.Events)
	assert.Equal(t, "0123456789abcdef", conn.PeerID)
	assert.Equal(t, "CHACHA20_POLY1305", conn.Cipher)
	assert.Equal(t, 2, conn.Bytes)

	var out bytes.Buffer
	require.NoError(t, RunStats(path, &out))
	assert.Contains(t, out.String(), "Total Events: 5")
	assert.Contains(t, out.String(), "Connections: 2")
	assert.Contains(t, out.String(), "Errors: 1")
}

func TestRunViewMissingFile(t *testing.T) {
	err := RunView(filepath.Join(t.TempDir(), "none.tlog"), FilterOptions{}, &bytes.Buffer{})
	assert.Error(t, err)
}
