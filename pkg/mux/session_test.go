package mux

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"math/rand/v2"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tentacle-p2p/tentacle-go/pkg/frame"
)

func acceptOne(t *testing.T, s *Session) *Stream {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	st, err := s.AcceptStream(ctx)
	require.NoError(t, err)
	return st
}

func TestOpenAcceptEcho(t *testing.T) {
	a, b := newSessionPair(t, testConfig(), testConfig())

	opened := make(chan *Stream, 1)
	go func() {
		st := acceptOne(t, b)
		assert.Equal(t, []byte("open-me"), st.OpenPayload())
		assert.False(t, st.Outbound())
		assert.NoError(t, st.Accept([]byte("welcome")))
		opened <- st
	}()

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	sa, err := a.OpenStream(ctx, []byte("open-me"))
	require.NoError(t, err)
	assert.Equal(t, []byte("welcome"), sa.AckPayload())
	assert.Equal(t, StateOpen, sa.State())
	assert.True(t, sa.Outbound())
	sb := <-opened

	_, err = sa.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(sb, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))

	_, err = sb.Write([]byte("pong"))
	require.NoError(t, err)
	_, err = io.ReadFull(sa, buf)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(buf))

	// Half close: a is done writing, b can still answer.
	require.NoError(t, sa.CloseWrite())
	_, err = sb.Read(buf)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, StateRemoteClosed, sb.State())

	_, err = sb.Write([]byte("last"))
	require.NoError(t, err)
	_, err = io.ReadFull(sa, buf)
	require.NoError(t, err)
	assert.Equal(t, "last", string(buf))

	require.NoError(t, sb.CloseWrite())
	_, err = sa.Read(buf)
	assert.ErrorIs(t, err, io.EOF)

	for _, st := range []*Stream{sa, sb} {
		select {
		case <-st.Done():
		case <-time.After(waitTimeout):
			t.Fatal("stream did not close")
		}
		assert.Equal(t, StateClosed, st.State())
		assert.NoError(t, st.Err())
	}
	assert.Eventually(t, func() bool { return a.NumStreams() == 0 && b.NumStreams() == 0 }, waitTimeout, 10*time.Millisecond)
	assert.Nil(t, a.Err())

	stats := a.Stats()
	assert.Greater(t, stats.BytesSent, uint64(0))
	assert.Greater(t, stats.BytesReceived, uint64(0))
}

func TestStreamIDParityAndUniqueness(t *testing.T) {
	a, b := newSessionPair(t, testConfig(), testConfig())

	go func() {
		for {
			st, err := b.AcceptStream(context.Background())
			if err != nil {
				return
			}
			st.Accept(nil)
		}
	}()
	go func() {
		for {
			st, err := a.AcceptStream(context.Background())
			if err != nil {
				return
			}
			st.Accept(nil)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	var mu sync.Mutex
	seen := map[uint32]bool{}
	var wg sync.WaitGroup
	open := func(s *Session, wantOdd bool) {
		defer wg.Done()
		st, err := s.OpenStream(ctx, nil)
		if !assert.NoError(t, err) {
			return
		}
		assert.Equal(t, wantOdd, st.ID()%2 == 1, "stream %d", st.ID())
		mu.Lock()
		assert.False(t, seen[st.ID()], "duplicate id %d", st.ID())
		seen[st.ID()] = true
		mu.Unlock()
	}
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go open(a, true)
		go open(b, false)
	}
	wg.Wait()
	assert.Len(t, seen, 40)
	assert.Equal(t, 40, a.NumStreams())
}

func TestFrameTooLargeClosesSession(t *testing.T) {
	cfg := testConfig()
	cfg.MaxFrameSize = 1024
	sess, peer := newRawPeer(t, RoleResponder, cfg)

	// Header only; the payload is never sent.
	var hdr [frame.HeaderSize]byte
	frame.Header{StreamID: 1, Type: frame.TypeData, Length: 4096}.Put(hdr[:])
	_, err := peer.conn.Write(hdr[:])
	require.NoError(t, err)

	requireReason(t, sess, ReasonProtocolError)
	assert.ErrorIs(t, sess.Err(), ErrProtocol)
	assert.ErrorIs(t, sess.Err(), frame.ErrTooLarge)

	f := peer.expect(frame.TypeGoAway)
	code, _ := f.Uint32()
	assert.Equal(t, uint32(GoAwayProtocolError), code)
}

func TestProtocolViolations(t *testing.T) {
	tests := []struct {
		name   string
		frames []frame.Frame
	}{
		{"data on never opened stream", []frame.Frame{{StreamID: 5, Type: frame.TypeData, Payload: []byte("x")}}},
		{"syn with local parity", []frame.Frame{{StreamID: 2, Type: frame.TypeSYN}}},
		{"syn reusing id", []frame.Frame{{StreamID: 3, Type: frame.TypeSYN}, {StreamID: 1, Type: frame.TypeSYN}}},
		{"data on session stream", []frame.Frame{{StreamID: 0, Type: frame.TypeData}}},
		{"ping on data stream", []frame.Frame{{StreamID: 1, Type: frame.TypeSYN}, {StreamID: 1, Type: frame.TypePing, Payload: []byte{0, 0, 0, 1}}}},
		{"ack on inbound stream", []frame.Frame{{StreamID: 1, Type: frame.TypeSYN}, {StreamID: 1, Type: frame.TypeACK}}},
		{"data after fin", []frame.Frame{{StreamID: 1, Type: frame.TypeSYN}, {StreamID: 1, Type: frame.TypeFIN}, {StreamID: 1, Type: frame.TypeData, Payload: []byte("x")}}},
		{"malformed window update", []frame.Frame{{StreamID: 1, Type: frame.TypeSYN}, {StreamID: 1, Type: frame.TypeWindowUpdate, Payload: []byte{1}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess, peer := newRawPeer(t, RoleResponder, testConfig())
			for _, f := range tt.frames {
				peer.send(f)
			}
			requireReason(t, sess, ReasonProtocolError)
			assert.ErrorIs(t, sess.Err(), ErrProtocol)
		})
	}
}

func TestReceiveWindowViolation(t *testing.T) {
	sess, peer := newRawPeer(t, RoleResponder, testConfig())

	peer.send(frame.Frame{StreamID: 1, Type: frame.TypeSYN})
	peer.send(frame.Frame{StreamID: 1, Type: frame.TypeData, Payload: make([]byte, BaseStreamWindow+1)})

	requireReason(t, sess, ReasonProtocolError)
}

func TestKeepAliveTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.KeepAliveInterval = 40 * time.Millisecond
	cfg.KeepAliveTimeoutMultiplier = 3
	start := time.Now()
	sess, peer := newRawPeer(t, RoleInitiator, cfg)

	// The peer reads but never answers.
	peer.expect(frame.TypePing)
	requireReason(t, sess, ReasonKeepAliveTimeout)
	assert.ErrorIs(t, sess.Err(), ErrKeepAliveTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 120*time.Millisecond)
}

func TestKeepAliveAnswered(t *testing.T) {
	cfg := testConfig()
	cfg.KeepAliveInterval = 30 * time.Millisecond
	cfg.KeepAliveTimeoutMultiplier = 5
	a, b := newSessionPair(t, cfg, cfg)

	time.Sleep(300 * time.Millisecond)
	assert.Nil(t, a.Err())
	assert.Nil(t, b.Err())

	stats := a.KeepAliveStats()
	assert.Greater(t, stats.PingsSent, uint64(0))
	assert.Greater(t, stats.PongsReceived, uint64(0))
	assert.Greater(t, a.Stats().KeepAliveRTT, time.Duration(0))
}

func TestKeepAliveKeptAliveByPongs(t *testing.T) {
	cfg := testConfig()
	cfg.KeepAliveInterval = 30 * time.Millisecond
	cfg.KeepAliveTimeoutMultiplier = 3
	sess, peer := newRawPeer(t, RoleInitiator, cfg)

	deadline := time.Now().Add(400 * time.Millisecond)
	for time.Now().Before(deadline) {
		f := peer.expect(frame.TypePing)
		seq, _ := f.Uint32()
		peer.send(frame.Pong(seq))
	}
	assert.Nil(t, sess.Err())
}

func TestPingAnswered(t *testing.T) {
	_, peer := newRawPeer(t, RoleResponder, testConfig())

	peer.send(frame.Ping(77))
	f := peer.expect(frame.TypePong)
	seq, err := f.Uint32()
	require.NoError(t, err)
	assert.Equal(t, uint32(77), seq)
}

func TestWriteTimeoutResetsOnlyThatStream(t *testing.T) {
	cfg := testConfig()
	cfg.WriteTimeout = 100 * time.Millisecond
	sess, peer := newRawPeer(t, RoleInitiator, cfg)

	// Acknowledge every SYN.
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	type openResult struct {
		st  *Stream
		err error
	}
	open := func() *Stream {
		ch := make(chan openResult, 1)
		go func() {
			st, err := sess.OpenStream(ctx, nil)
			ch <- openResult{st, err}
		}()
		syn := peer.expect(frame.TypeSYN)
		peer.send(frame.Frame{StreamID: syn.StreamID, Type: frame.TypeACK})
		r := <-ch
		require.NoError(t, r.err)
		return r.st
	}
	stalled := open()
	healthy := open()
	require.Equal(t, uint32(1), stalled.ID())
	require.Equal(t, uint32(3), healthy.ID())

	n, err := stalled.Write(make([]byte, BaseStreamWindow+100))
	assert.Equal(t, BaseStreamWindow, n)
	assert.ErrorIs(t, err, ErrWriteTimeout)
	assert.ErrorIs(t, err, ErrStreamReset)
	var re *ResetError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, ResetWriteTimeout, re.Code)
	assert.False(t, re.Remote)

	data := peer.expect(frame.TypeData)
	assert.Equal(t, uint32(1), data.StreamID)
	assert.Len(t, data.Payload, BaseStreamWindow)
	rst := peer.expect(frame.TypeRST)
	assert.Equal(t, uint32(1), rst.StreamID)
	code, _ := rst.ResetCode()
	assert.Equal(t, uint8(ResetWriteTimeout), code)

	<-stalled.Done()
	assert.Equal(t, StateClosed, stalled.State())

	// The other stream and the session are unaffected.
	_, err = healthy.Write([]byte("still here"))
	require.NoError(t, err)
	data = peer.expect(frame.TypeData)
	assert.Equal(t, uint32(3), data.StreamID)
	assert.Equal(t, []byte("still here"), data.Payload)
	assert.Equal(t, StateOpen, healthy.State())
	assert.Nil(t, sess.Err())
}

func TestWriteResumesOnWindowUpdate(t *testing.T) {
	sess, peer := newRawPeer(t, RoleResponder, testConfig())

	peer.send(frame.Frame{StreamID: 1, Type: frame.TypeSYN})
	st := acceptOne(t, sess)

	total := 1 << 20
	writeErr := make(chan error, 1)
	go func() {
		_, err := st.Write(bytes.Repeat([]byte{0xab}, total))
		if err == nil {
			err = st.CloseWrite()
		}
		writeErr <- err
	}()

	peer.expect(frame.TypeACK)
	budget := uint64(BaseStreamWindow)
	var received uint64
	for {
		f := <-peer.frames
		if f.Type == frame.TypeFIN {
			break
		}
		require.Equal(t, frame.TypeData, f.Type, "got %s", f)
		received += uint64(len(f.Payload))
		require.LessOrEqual(t, received, budget, "sender exceeded advertised window")
		if received == budget {
			const grant = 100_000
			budget += grant
			peer.send(frame.WindowUpdate(1, grant))
		}
	}
	assert.Equal(t, uint64(total), received)
	require.NoError(t, <-writeErr)
}

func TestWriteTimeoutRestartsOnProgress(t *testing.T) {
	cfg := testConfig()
	cfg.WriteTimeout = 300 * time.Millisecond
	sess, peer := newRawPeer(t, RoleResponder, cfg)

	peer.send(frame.Frame{StreamID: 1, Type: frame.TypeSYN})
	st := acceptOne(t, sess)

	total := 6 * BaseStreamWindow
	type writeResult struct {
		n   int
		err error
	}
	done := make(chan writeResult, 1)
	go func() {
		n, err := st.Write(make([]byte, total))
		done <- writeResult{n, err}
	}()

	// Credit trickles back slower than the whole write but well within
	// the timeout for each step.
	peer.expect(frame.TypeACK)
	start := time.Now()
	received := 0
	for received < total {
		f := peer.expect(frame.TypeData)
		received += len(f.Payload)
		time.Sleep(100 * time.Millisecond)
		peer.send(frame.WindowUpdate(1, uint32(len(f.Payload))))
	}

	r := <-done
	require.NoError(t, r.err)
	assert.Equal(t, total, r.n)
	assert.Greater(t, time.Since(start), cfg.WriteTimeout)
	assert.Equal(t, StateOpen, st.State())
	peer.expectNone(50 * time.Millisecond)
}

func TestWindowInvariantRandomized(t *testing.T) {
	cfg := testConfig()
	cfg.MaxFrameSize = 16 * 1024
	sess, peer := newRawPeer(t, RoleResponder, cfg)

	peer.send(frame.Frame{StreamID: 1, Type: frame.TypeSYN})
	st := acceptOne(t, sess)

	rng := rand.New(rand.NewPCG(7, 11))
	payload := make([]byte, 3*BaseStreamWindow+12345)
	for i := range payload {
		payload[i] = byte(rng.UintN(256))
	}
	var sizes []int
	for rest := len(payload); rest > 0; {
		n := min(1+rng.IntN(100_000), rest)
		sizes = append(sizes, n)
		rest -= n
	}

	writeErr := make(chan error, 1)
	go func() {
		off := 0
		for _, n := range sizes {
			if _, err := st.Write(payload[off : off+n]); err != nil {
				writeErr <- err
				return
			}
			off += n
		}
		writeErr <- st.CloseWrite()
	}()

	peer.expect(frame.TypeACK)
	advertised := uint64(BaseStreamWindow)
	var sent uint64
	var got bytes.Buffer
	for {
		f := <-peer.frames
		if f.Type == frame.TypeFIN {
			break
		}
		require.Equal(t, frame.TypeData, f.Type, "got %s", f)
		require.LessOrEqual(t, len(f.Payload), int(cfg.MaxFrameSize))
		sent += uint64(len(f.Payload))
		got.Write(f.Payload)
		require.LessOrEqual(t, sent, advertised, "unacknowledged bytes exceed the advertised window")

		// Grant at random, and always once the window is used up.
		if sent == advertised || rng.IntN(3) == 0 {
			delta := uint32(1 + rng.IntN(64*1024))
			advertised += uint64(delta)
			peer.send(frame.WindowUpdate(1, delta))
		}
	}
	require.NoError(t, <-writeErr)
	assert.Equal(t, payload, got.Bytes())
}

func TestWindowUpdateThreshold(t *testing.T) {
	cfg := testConfig()
	cfg.WindowUpdateThreshold = 1000
	sess, peer := newRawPeer(t, RoleResponder, cfg)

	peer.send(frame.Frame{StreamID: 1, Type: frame.TypeSYN})
	st := acceptOne(t, sess)
	require.NoError(t, st.Accept(nil))
	peer.expect(frame.TypeACK)

	peer.send(frame.Frame{StreamID: 1, Type: frame.TypeData, Payload: make([]byte, 999)})
	_, err := io.ReadFull(st, make([]byte, 999))
	require.NoError(t, err)
	peer.expectNone(50 * time.Millisecond)

	peer.send(frame.Frame{StreamID: 1, Type: frame.TypeData, Payload: []byte{1}})
	_, err = io.ReadFull(st, make([]byte, 1))
	require.NoError(t, err)

	wu := peer.expect(frame.TypeWindowUpdate)
	assert.Equal(t, uint32(1), wu.StreamID)
	delta, _ := wu.Uint32()
	assert.Equal(t, uint32(1000), delta)
}

func TestInitialWindowGrantedAfterSyn(t *testing.T) {
	cfg := testConfig()
	cfg.InitialStreamWindow = 4 * BaseStreamWindow
	sess, peer := newRawPeer(t, RoleInitiator, cfg)

	go sess.OpenStream(context.Background(), []byte("x"))
	syn := peer.expect(frame.TypeSYN)
	wu := peer.expect(frame.TypeWindowUpdate)
	assert.Equal(t, syn.StreamID, wu.StreamID)
	delta, _ := wu.Uint32()
	assert.Equal(t, uint32(3*BaseStreamWindow), delta)

	// The larger window is honoured.
	peer.send(frame.Frame{StreamID: syn.StreamID, Type: frame.TypeACK})
	peer.send(frame.Frame{StreamID: syn.StreamID, Type: frame.TypeData, Payload: make([]byte, 2*BaseStreamWindow)})
	peer.send(frame.Ping(1))
	peer.expect(frame.TypePong)
	assert.Nil(t, sess.Err())
}

func TestImplicitAckOnData(t *testing.T) {
	sess, peer := newRawPeer(t, RoleInitiator, testConfig())

	type openResult struct {
		st  *Stream
		err error
	}
	ch := make(chan openResult, 1)
	go func() {
		st, err := sess.OpenStream(context.Background(), nil)
		ch <- openResult{st, err}
	}()
	syn := peer.expect(frame.TypeSYN)
	peer.send(frame.Frame{StreamID: syn.StreamID, Type: frame.TypeData, Payload: []byte("early")})

	r := <-ch
	require.NoError(t, r.err)
	buf := make([]byte, 5)
	_, err := io.ReadFull(r.st, buf)
	require.NoError(t, err)
	assert.Equal(t, "early", string(buf))
	assert.Equal(t, StateOpen, r.st.State())
}

func TestRejectedOpen(t *testing.T) {
	a, b := newSessionPair(t, testConfig(), testConfig())

	go func() {
		st := acceptOne(t, b)
		st.Reject(ResetUnknownProtocol)
	}()

	_, err := a.OpenStream(context.Background(), []byte("nope"))
	var re *ResetError
	require.True(t, errors.As(err, &re), "error %v", err)
	assert.Equal(t, ResetUnknownProtocol, re.Code)
	assert.True(t, re.Remote)
	assert.Nil(t, a.Err())
}

func TestOpenStreamContextCancel(t *testing.T) {
	sess, peer := newRawPeer(t, RoleInitiator, testConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := sess.OpenStream(ctx, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	syn := peer.expect(frame.TypeSYN)
	rst := peer.expect(frame.TypeRST)
	assert.Equal(t, syn.StreamID, rst.StreamID)
	code, _ := rst.ResetCode()
	assert.Equal(t, uint8(ResetCancel), code)

	// A late ACK for the cancelled stream is dropped.
	peer.send(frame.Frame{StreamID: syn.StreamID, Type: frame.TypeACK})
	peer.send(frame.Ping(5))
	peer.expect(frame.TypePong)
	assert.Nil(t, sess.Err())
	assert.Zero(t, sess.NumStreams())
}

func TestResetIsolatesStream(t *testing.T) {
	a, b := newSessionPair(t, testConfig(), testConfig())

	accepted := make(chan *Stream, 2)
	go func() {
		for i := 0; i < 2; i++ {
			st := acceptOne(t, b)
			st.Accept(nil)
			accepted <- st
		}
	}()

	ctx := context.Background()
	s1, err := a.OpenStream(ctx, nil)
	require.NoError(t, err)
	r1 := <-accepted
	s2, err := a.OpenStream(ctx, nil)
	require.NoError(t, err)
	r2 := <-accepted

	require.NoError(t, s1.Reset(ResetCancel))
	_, err = r1.Read(make([]byte, 1))
	var re *ResetError
	require.True(t, errors.As(err, &re), "error %v", err)
	assert.True(t, re.Remote)
	assert.Equal(t, ResetCancel, re.Code)

	_, err = s1.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrStreamReset)

	_, err = s2.Write([]byte("ok"))
	require.NoError(t, err)
	buf := make([]byte, 2)
	_, err = io.ReadFull(r2, buf)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(buf))
}

func TestGoAwayDrains(t *testing.T) {
	a, b := newSessionPair(t, testConfig(), testConfig())

	accepted := make(chan *Stream, 1)
	go func() {
		st := acceptOne(t, b)
		st.Accept(nil)
		accepted <- st
	}()
	sa, err := a.OpenStream(context.Background(), nil)
	require.NoError(t, err)
	sb := <-accepted

	require.NoError(t, b.GoAway(GoAwayNormal))
	require.Eventually(t, a.RemoteGoAway, waitTimeout, 5*time.Millisecond)

	_, err = a.OpenStream(context.Background(), nil)
	assert.ErrorIs(t, err, ErrRemoteGoAway)
	_, err = b.OpenStream(context.Background(), nil)
	assert.ErrorIs(t, err, ErrLocalGoAway)

	// The existing stream still works.
	_, err = sa.Write([]byte("drain"))
	require.NoError(t, err)
	buf := make([]byte, 5)
	_, err = io.ReadFull(sb, buf)
	require.NoError(t, err)

	require.NoError(t, sa.CloseWrite())
	require.NoError(t, sb.CloseWrite())

	requireReason(t, a, ReasonRemoteGoAway)
	waitDone(t, b)
}

func TestGoAwayRefusesNewStreams(t *testing.T) {
	sess, peer := newRawPeer(t, RoleResponder, testConfig())

	peer.send(frame.Frame{StreamID: 1, Type: frame.TypeSYN})
	acceptOne(t, sess)

	require.NoError(t, sess.GoAway(GoAwayNormal))
	peer.expect(frame.TypeGoAway)

	peer.send(frame.Frame{StreamID: 3, Type: frame.TypeSYN})
	rst := peer.expect(frame.TypeRST)
	assert.Equal(t, uint32(3), rst.StreamID)
	code, _ := rst.ResetCode()
	assert.Equal(t, uint8(ResetRefused), code)
	assert.Nil(t, sess.Err())
}

func TestMaxStreamsRefuses(t *testing.T) {
	cfg := testConfig()
	cfg.MaxStreams = 1
	sess, peer := newRawPeer(t, RoleResponder, cfg)

	peer.send(frame.Frame{StreamID: 1, Type: frame.TypeSYN})
	acceptOne(t, sess)
	peer.send(frame.Frame{StreamID: 3, Type: frame.TypeSYN})

	rst := peer.expect(frame.TypeRST)
	assert.Equal(t, uint32(3), rst.StreamID)

	_, err := sess.OpenStream(context.Background(), nil)
	assert.ErrorIs(t, err, ErrTooManyStreams)
}

func TestLateFramesAfterResetIgnored(t *testing.T) {
	sess, peer := newRawPeer(t, RoleResponder, testConfig())

	peer.send(frame.Frame{StreamID: 1, Type: frame.TypeSYN})
	st := acceptOne(t, sess)
	require.NoError(t, st.Reset(ResetCancel))
	peer.expect(frame.TypeRST)

	peer.send(frame.Frame{StreamID: 1, Type: frame.TypeData, Payload: []byte("late")})
	peer.send(frame.WindowUpdate(1, 10))
	peer.send(frame.Frame{StreamID: 1, Type: frame.TypeFIN})
	peer.send(frame.Ping(9))
	peer.expect(frame.TypePong)
	assert.Nil(t, sess.Err())
}

func TestCloseDiscardsAndCredits(t *testing.T) {
	cfg := testConfig()
	cfg.WindowUpdateThreshold = 100
	sess, peer := newRawPeer(t, RoleResponder, cfg)

	peer.send(frame.Frame{StreamID: 1, Type: frame.TypeSYN})
	st := acceptOne(t, sess)
	peer.send(frame.Frame{StreamID: 1, Type: frame.TypeData, Payload: make([]byte, 60)})
	peer.send(frame.Ping(1))
	peer.expect(frame.TypePong)

	require.NoError(t, st.Close())
	_, err := st.Read(make([]byte, 1))
	assert.ErrorIs(t, err, ErrStreamClosed)
	_, err = st.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrStreamClosed)

	peer.expect(frame.TypeACK)
	peer.expect(frame.TypeFIN)

	// Data arriving after Close is dropped but credited back.
	peer.send(frame.Frame{StreamID: 1, Type: frame.TypeData, Payload: make([]byte, 40)})
	wu := peer.expect(frame.TypeWindowUpdate)
	delta, _ := wu.Uint32()
	assert.Equal(t, uint32(100), delta)

	peer.send(frame.Frame{StreamID: 1, Type: frame.TypeFIN})
	<-st.Done()
	assert.NoError(t, st.Err())
}

func TestSessionCloseFailsStreams(t *testing.T) {
	a, b := newSessionPair(t, testConfig(), testConfig())

	accepted := make(chan *Stream, 1)
	go func() {
		st := acceptOne(t, b)
		st.Accept(nil)
		accepted <- st
	}()
	sa, err := a.OpenStream(context.Background(), nil)
	require.NoError(t, err)
	sb := <-accepted

	require.NoError(t, a.Close())
	requireReason(t, a, ReasonLocalClose)

	_, err = sa.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrSessionClosed)
	_, err = sa.Read(make([]byte, 1))
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.ErrorIs(t, sa.Err(), ErrSessionClosed)

	waitDone(t, b)
	_, err = sb.Read(make([]byte, 1))
	assert.Error(t, err)

	_, err = a.OpenStream(context.Background(), nil)
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestRemoteCloseReason(t *testing.T) {
	sess, peer := newRawPeer(t, RoleResponder, testConfig())
	peer.conn.Close()
	requireReason(t, sess, ReasonRemoteClosed)
}

// stuckConn fails reads on demand and blocks writes until released,
// ignoring Close.
type stuckConn struct {
	failRead chan struct{}
	writing  chan struct{}
	release  chan struct{}
	once     sync.Once
}

func (c *stuckConn) Read([]byte) (int, error) {
	<-c.failRead
	return 0, io.ErrClosedPipe
}

func (c *stuckConn) Write([]byte) (int, error) {
	c.once.Do(func() { close(c.writing) })
	<-c.release
	return 0, io.ErrClosedPipe
}

func (c *stuckConn) Close() error { return nil }

func TestTeardownDoesNotWaitForeverOnStuckWriter(t *testing.T) {
	conn := &stuckConn{
		failRead: make(chan struct{}),
		writing:  make(chan struct{}),
		release:  make(chan struct{}),
	}
	defer close(conn.release)

	cfg := testConfig()
	cfg.CloseTimeout = 100 * time.Millisecond
	sess, err := NewSession(conn, RoleInitiator, cfg)
	require.NoError(t, err)

	go sess.OpenStream(context.Background(), nil)
	select {
	case <-conn.writing:
	case <-time.After(waitTimeout):
		t.Fatal("writer never started")
	}

	close(conn.failRead)
	requireReason(t, sess, ReasonTransportError)
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())

	cfg.InitialStreamWindow = BaseStreamWindow - 1
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.WindowUpdateThreshold = cfg.InitialStreamWindow + 1
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.MaxFrameSize = frame.MaxLength + 1
	assert.Error(t, cfg.Validate())

	// An unset window resolves to BaseStreamWindow.
	cfg = Config{WindowUpdateThreshold: 2 * BaseStreamWindow}
	assert.Error(t, cfg.Validate())
	cfg = Config{WindowUpdateThreshold: BaseStreamWindow}
	assert.NoError(t, cfg.Validate())
}

func TestNewSessionRejectsThresholdOverDefaultWindow(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	_, err := NewSession(a, RoleResponder, Config{WindowUpdateThreshold: 2 * BaseStreamWindow})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "window update threshold")
}

func TestResetErrorMatching(t *testing.T) {
	err := error(&ResetError{Code: ResetWriteTimeout})
	assert.ErrorIs(t, err, ErrStreamReset)
	assert.ErrorIs(t, err, ErrWriteTimeout)

	err = &ResetError{Code: ResetProtocolLimit, Remote: true}
	assert.ErrorIs(t, err, ErrStreamReset)
	assert.NotErrorIs(t, err, ErrWriteTimeout)
	assert.Equal(t, "stream reset by peer: PROTOCOL_LIMIT", err.Error())
}

func TestGoAwayPayloadLayout(t *testing.T) {
	f := frame.GoAway(uint32(GoAwayInternalError))
	assert.Equal(t, uint32(2), binary.BigEndian.Uint32(f.Payload))
}
