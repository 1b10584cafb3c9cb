package mux

import "time"

// keepAlive tracks liveness for the run loop. It is not safe for
// concurrent use; only the run loop touches it.
type keepAlive struct {
	interval   time.Duration
	multiplier int

	lastRecv     time.Time
	lastPingTime time.Time
	seq          uint32
	pendingPing  uint32
	hasPending   bool

	stats KeepAliveStats
}

// KeepAliveStats reports keepalive activity.
type KeepAliveStats struct {
	PingsSent     uint64
	PongsReceived uint64
	LastRTT       time.Duration
	LastPongTime  time.Time
}

type keepAliveAction uint8

const (
	keepAliveNone keepAliveAction = iota
	keepAlivePing
	keepAliveDead
)

func newKeepAlive(interval time.Duration, multiplier int, now time.Time) *keepAlive {
	return &keepAlive{interval: interval, multiplier: multiplier, lastRecv: now}
}

// DetectionDelay is the silence after which the connection is dead.
func (ka *keepAlive) DetectionDelay() time.Duration {
	return ka.interval * time.Duration(ka.multiplier)
}

// received records inbound traffic of any kind.
func (ka *keepAlive) received(now time.Time) {
	ka.lastRecv = now
}

// tick decides what to do on a timer tick.
func (ka *keepAlive) tick(now time.Time) keepAliveAction {
	idle := now.Sub(ka.lastRecv)
	if idle >= ka.DetectionDelay() {
		return keepAliveDead
	}
	if idle >= ka.interval && now.Sub(ka.lastPingTime) >= ka.interval {
		return keepAlivePing
	}
	return keepAliveNone
}

// nextPing allocates the sequence number of a PING about to be sent.
func (ka *keepAlive) nextPing(now time.Time) uint32 {
	ka.seq++
	ka.pendingPing = ka.seq
	ka.hasPending = true
	ka.lastPingTime = now
	ka.stats.PingsSent++
	return ka.seq
}

// pong records a PONG and returns the round trip time when it answers the
// outstanding PING. Stale sequence numbers produce no sample.
func (ka *keepAlive) pong(seq uint32, now time.Time) (time.Duration, bool) {
	ka.stats.PongsReceived++
	ka.stats.LastPongTime = now
	if !ka.hasPending || seq != ka.pendingPing {
		return 0, false
	}
	ka.hasPending = false
	ka.stats.LastRTT = now.Sub(ka.lastPingTime)
	return ka.stats.LastRTT, true
}
