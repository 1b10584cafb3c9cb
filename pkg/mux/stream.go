package mux

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// StreamState is the lifecycle state of a stream.
type StreamState uint32

const (
	// StateInit is a locally opened stream waiting for ACK.
	StateInit StreamState = iota
	StateOpen
	// StateLocalClosed means FIN was sent.
	StateLocalClosed
	// StateRemoteClosed means FIN was received.
	StateRemoteClosed
	StateClosed
)

// String returns the state name.
func (s StreamState) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateOpen:
		return "OPEN"
	case StateLocalClosed:
		return "LOCAL_CLOSED"
	case StateRemoteClosed:
		return "REMOTE_CLOSED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Priority orders a stream's outgoing data against other streams.
type Priority uint8

const (
	PriorityNormal Priority = iota
	// PriorityHigh data is written ahead of data queued by other streams.
	// Bytes of one stream are never reordered.
	PriorityHigh
)

// Stream is a handle to one logical stream. It carries the stream id and
// a channel to the owning session; all state changes go through the
// session's run loop.
type Stream struct {
	id       uint32
	sess     *Session
	outbound bool

	openPayload []byte
	ackPayload  []byte

	state       atomic.Uint32
	established chan struct{}
	done        chan struct{}
	err         error

	// Receive buffer, filled by the run loop and drained by Read.
	mu       sync.Mutex
	chunks   [][]byte
	readErr  error
	unacked  uint32
	readable chan struct{}
}

func newStream(sess *Session, id uint32, outbound bool, openPayload []byte) *Stream {
	st := &Stream{
		id:          id,
		sess:        sess,
		outbound:    outbound,
		openPayload: openPayload,
		established: make(chan struct{}),
		done:        make(chan struct{}),
		readable:    make(chan struct{}, 1),
	}
	if outbound {
		st.state.Store(uint32(StateInit))
	} else {
		st.state.Store(uint32(StateOpen))
		close(st.established)
	}
	return st
}

// ID returns the stream id.
func (st *Stream) ID() uint32 { return st.id }

// Outbound reports whether the local side opened the stream.
func (st *Stream) Outbound() bool { return st.outbound }

// State returns the current state.
func (st *Stream) State() StreamState { return StreamState(st.state.Load()) }

// OpenPayload returns the payload carried by the SYN.
func (st *Stream) OpenPayload() []byte { return st.openPayload }

// AckPayload returns the payload carried by the peer's ACK. Only set on
// outbound streams once established.
func (st *Stream) AckPayload() []byte { return st.ackPayload }

// Done is closed when the stream reaches StateClosed.
func (st *Stream) Done() <-chan struct{} { return st.done }

// Err returns why the stream ended: nil after a clean close in both
// directions, a *ResetError, or the session's *CloseError.
func (st *Stream) Err() error {
	select {
	case <-st.done:
		return st.err
	default:
		return nil
	}
}

// Read reads stream data. It returns io.EOF after the peer's FIN once the
// buffer is drained.
func (st *Stream) Read(p []byte) (int, error) {
	for {
		st.mu.Lock()
		if len(st.chunks) > 0 {
			n := 0
			for n < len(p) && len(st.chunks) > 0 {
				c := copy(p[n:], st.chunks[0])
				n += c
				if c == len(st.chunks[0]) {
					st.chunks[0] = nil
					st.chunks = st.chunks[1:]
				} else {
					st.chunks[0] = st.chunks[0][c:]
				}
			}
			delta := st.consumeLocked(n)
			st.mu.Unlock()
			if delta > 0 {
				st.sess.grantWindow(st.id, delta)
			}
			return n, nil
		}
		if st.readErr != nil {
			err := st.readErr
			st.mu.Unlock()
			return 0, err
		}
		st.mu.Unlock()
		<-st.readable
	}
}

// consumeLocked records consumed bytes and returns the window credit to
// grant, or 0 while below the threshold.
func (st *Stream) consumeLocked(n int) uint32 {
	st.unacked += uint32(n)
	if st.unacked < st.sess.cfg.WindowUpdateThreshold {
		return 0
	}
	delta := st.unacked
	st.unacked = 0
	return delta
}

// Write writes p, waiting for window credit as needed. A write that makes
// no progress for longer than the configured write timeout resets the
// stream with ResetWriteTimeout.
func (st *Stream) Write(p []byte) (int, error) {
	return st.WriteContext(context.Background(), p)
}

// WriteContext is Write with cancellation. Cancelling drops the unsent
// remainder and returns the bytes already queued with ctx.Err().
func (st *Stream) WriteContext(ctx context.Context, p []byte) (int, error) {
	return st.WritePriority(ctx, p, PriorityNormal)
}

// WritePriority is WriteContext with a queueing priority for p.
func (st *Stream) WritePriority(ctx context.Context, p []byte, priority Priority) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	op := newWriteOp(p, priority)
	if err := st.sess.do(func() { st.sess.startWrite(st, op) }); err != nil {
		return 0, err
	}

	// The timeout restarts whenever window credit lets more bytes out.
	d := st.sess.cfg.WriteTimeout
	var timer *time.Timer
	var timeout <-chan time.Time
	if d > 0 {
		timer = time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		select {
		case <-op.done:
			return op.sent, op.err
		case <-op.progress:
			if timer != nil {
				timer.Reset(d)
			}
		case <-timeout:
			st.sess.do(func() { st.sess.resetStream(st.id, ResetWriteTimeout) })
			<-op.done
			if op.err == nil {
				// Completed just before the reset was processed.
				return op.sent, nil
			}
			return op.sent, op.err
		case <-ctx.Done():
			st.sess.do(func() { st.sess.cancelWrite(st.id, op) })
			<-op.done
			if op.err != nil {
				return op.sent, op.err
			}
			if len(op.data) == 0 {
				return op.sent, nil
			}
			return op.sent, ctx.Err()
		}
	}
}

// Accept acknowledges an inbound stream with an ACK carrying payload. A
// stream written to before Accept is acknowledged with an empty payload.
func (st *Stream) Accept(payload []byte) error {
	return st.sess.do(func() { st.sess.acceptStream(st.id, payload) })
}

// Reject refuses an inbound stream with an RST carrying code.
func (st *Stream) Reject(code ResetCode) error {
	return st.Reset(code)
}

// CloseWrite sends FIN after any queued data. Reads remain possible.
func (st *Stream) CloseWrite() error {
	var err error
	if serr := st.sess.do(func() { err = st.sess.closeWrite(st) }); serr != nil {
		return serr
	}
	return err
}

// Close sends FIN and stops reading; data that still arrives is
// discarded and credited back to the peer.
func (st *Stream) Close() error {
	st.mu.Lock()
	if st.readErr == nil {
		st.readErr = ErrStreamClosed
	}
	dropped := st.unacked
	st.unacked = 0
	for _, c := range st.chunks {
		dropped += uint32(len(c))
	}
	st.chunks = nil
	st.mu.Unlock()
	st.wake()

	var err error
	if serr := st.sess.do(func() { err = st.sess.closeStream(st, dropped) }); serr != nil {
		return serr
	}
	return err
}

// Reset aborts the stream in both directions with an RST.
func (st *Stream) Reset(code ResetCode) error {
	return st.sess.do(func() { st.sess.resetStream(st.id, code) })
}

// push appends inbound data. Called by the run loop.
func (st *Stream) push(data []byte) {
	st.mu.Lock()
	st.chunks = append(st.chunks, data)
	st.mu.Unlock()
	st.wake()
}

// setReadErr ends reads after buffered data drains. Called by the run loop.
func (st *Stream) setReadErr(err error, discard bool) {
	st.mu.Lock()
	if st.readErr == nil || discard {
		st.readErr = err
	}
	if discard {
		st.chunks = nil
	}
	st.mu.Unlock()
	st.wake()
}

// discarding reports whether Close was called. Called by the run loop.
func (st *Stream) discarding() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.readErr == ErrStreamClosed
}

func (st *Stream) wake() {
	select {
	case st.readable <- struct{}{}:
	default:
	}
}

// finish marks the stream closed. Called once by the run loop.
func (st *Stream) finish(err error) {
	st.err = err
	st.state.Store(uint32(StateClosed))
	close(st.done)
}

var _ io.ReadWriteCloser = (*Stream)(nil)
