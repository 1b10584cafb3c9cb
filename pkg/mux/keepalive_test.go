package mux

import (
	"testing"
	"time"
)

func TestKeepAliveTick(t *testing.T) {
	t0 := time.Unix(1000, 0)
	ka := newKeepAlive(100*time.Millisecond, 3, t0)

	if got := ka.DetectionDelay(); got != 300*time.Millisecond {
		t.Fatalf("DetectionDelay = %v, want 300ms", got)
	}

	steps := []struct {
		at   time.Duration
		recv bool
		want keepAliveAction
	}{
		{at: 50 * time.Millisecond, want: keepAliveNone},
		{at: 100 * time.Millisecond, want: keepAlivePing},
		{at: 150 * time.Millisecond, want: keepAliveNone}, // ping already outstanding
		{at: 200 * time.Millisecond, want: keepAlivePing},
		{at: 250 * time.Millisecond, recv: true, want: keepAliveNone},
		{at: 400 * time.Millisecond, want: keepAlivePing},
		{at: 550 * time.Millisecond, want: keepAliveDead},
	}
	for _, s := range steps {
		now := t0.Add(s.at)
		if s.recv {
			ka.received(now)
		}
		got := ka.tick(now)
		if got != s.want {
			t.Fatalf("tick at %v = %d, want %d", s.at, got, s.want)
		}
		if got == keepAlivePing {
			ka.nextPing(now)
		}
	}
	if ka.stats.PingsSent != 3 {
		t.Errorf("PingsSent = %d, want 3", ka.stats.PingsSent)
	}
}

func TestKeepAlivePong(t *testing.T) {
	t0 := time.Unix(1000, 0)
	ka := newKeepAlive(time.Second, 3, t0)

	seq := ka.nextPing(t0)

	if _, ok := ka.pong(seq+5, t0.Add(time.Millisecond)); ok {
		t.Error("stale pong produced an RTT sample")
	}
	rtt, ok := ka.pong(seq, t0.Add(20*time.Millisecond))
	if !ok || rtt != 20*time.Millisecond {
		t.Errorf("pong = (%v, %v), want (20ms, true)", rtt, ok)
	}
	if _, ok := ka.pong(seq, t0.Add(30*time.Millisecond)); ok {
		t.Error("duplicate pong produced an RTT sample")
	}
	if ka.stats.PongsReceived != 3 {
		t.Errorf("PongsReceived = %d, want 3", ka.stats.PongsReceived)
	}
}
