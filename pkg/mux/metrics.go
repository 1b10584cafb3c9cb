package mux

import (
	"github.com/armon/go-metrics"

	"github.com/tentacle-p2p/tentacle-go/pkg/frame"
)

var (
	metricBytesSent      = []string{"tentacle", "mux", "bytes_sent"}
	metricBytesReceived  = []string{"tentacle", "mux", "bytes_received"}
	metricStreamsOpened  = []string{"tentacle", "mux", "streams_opened"}
	metricStreamsReset   = []string{"tentacle", "mux", "streams_reset"}
	metricStreamsRefused = []string{"tentacle", "mux", "streams_refused"}
	metricSessionClosed  = []string{"tentacle", "mux", "session_closed"}
	metricKeepAliveRTT   = []string{"tentacle", "mux", "keepalive_rtt"}
)

func recordFrameSent(f frame.Frame) {
	metrics.IncrCounter(metricBytesSent, float32(frame.HeaderSize+len(f.Payload)))
}

func recordFrameReceived(f frame.Frame) {
	metrics.IncrCounter(metricBytesReceived, float32(frame.HeaderSize+len(f.Payload)))
}

func recordStreamOpened(outbound bool) {
	dir := "inbound"
	if outbound {
		dir = "outbound"
	}
	metrics.IncrCounterWithLabels(metricStreamsOpened, 1, []metrics.Label{{Name: "direction", Value: dir}})
}

func recordStreamReset(code ResetCode, remote bool) {
	side := "local"
	if remote {
		side = "remote"
	}
	metrics.IncrCounterWithLabels(metricStreamsReset, 1, []metrics.Label{
		{Name: "code", Value: code.String()},
		{Name: "side", Value: side},
	})
}

func recordSessionClosed(reason CloseReason) {
	metrics.IncrCounterWithLabels(metricSessionClosed, 1, []metrics.Label{{Name: "reason", Value: reason.String()}})
}
