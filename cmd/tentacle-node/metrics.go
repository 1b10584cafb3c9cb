package main

import (
	"time"

	"github.com/armon/go-metrics"
)

// metricsSink is the in-memory sink and its SIGUSR1 dump handler.
type metricsSink struct {
	inm    *metrics.InmemSink
	signal *metrics.InmemSignal
}

// setupMetrics aggregates on 10 second intervals for 1 minute and dumps
// to stderr on SIGUSR1.
func setupMetrics() *metricsSink {
	inm := metrics.NewInmemSink(10*time.Second, time.Minute)
	sig := metrics.DefaultInmemSignal(inm)

	conf := metrics.DefaultConfig("")
	conf.EnableHostname = false
	conf.EnableRuntimeMetrics = false
	_, _ = metrics.NewGlobal(conf, inm)

	return &metricsSink{inm: inm, signal: sig}
}

func (s *metricsSink) Stop() {
	s.signal.Stop()
}
