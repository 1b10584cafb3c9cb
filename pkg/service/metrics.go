package service

import (
	"github.com/armon/go-metrics"
)

var (
	metricSessions        = []string{"tentacle", "service", "sessions"}
	metricHandshakeFailed = []string{"tentacle", "service", "handshake_failed"}
	metricProtocolOpened  = []string{"tentacle", "protocol", "opened"}
	metricProtocolReject  = []string{"tentacle", "protocol", "rejected"}
)

func recordSessions(n int) {
	metrics.SetGauge(metricSessions, float32(n))
}

func recordHandshakeFailed() {
	metrics.IncrCounter(metricHandshakeFailed, 1)
}

func recordProtocolOpened(name string) {
	metrics.IncrCounterWithLabels(metricProtocolOpened, 1, []metrics.Label{{Name: "protocol", Value: name}})
}

func recordProtocolRejected(reason string) {
	metrics.IncrCounterWithLabels(metricProtocolReject, 1, []metrics.Label{{Name: "reason", Value: reason}})
}
