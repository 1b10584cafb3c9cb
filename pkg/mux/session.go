package mux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/armon/go-metrics"

	"github.com/tentacle-p2p/tentacle-go/pkg/frame"
	"github.com/tentacle-p2p/tentacle-go/pkg/log"
)

// Role decides which stream ids the local side allocates.
type Role uint8

const (
	// RoleInitiator opens odd stream ids.
	RoleInitiator Role = 1
	// RoleResponder opens even stream ids.
	RoleResponder Role = 2
)

// String returns the role name.
func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "INITIATOR"
	case RoleResponder:
		return "RESPONDER"
	default:
		return "UNKNOWN"
	}
}

// Stats is a snapshot of session counters.
type Stats struct {
	BytesSent     uint64
	BytesReceived uint64
	Streams       int
	KeepAliveRTT  time.Duration
}

type request struct {
	fn   func()
	done chan struct{}
}

// writeOp is one Write call waiting for window credit.
type writeOp struct {
	data     []byte
	sent     int
	err      error
	done     chan struct{}
	finished bool
	priority Priority

	// progress is signalled each time bytes of data are queued.
	progress chan struct{}
}

func newWriteOp(data []byte, priority Priority) *writeOp {
	return &writeOp{
		data:     data,
		priority: priority,
		done:     make(chan struct{}),
		progress: make(chan struct{}, 1),
	}
}

func (op *writeOp) advance(n uint32) {
	op.sent += int(n)
	op.data = op.data[n:]
	select {
	case op.progress <- struct{}{}:
	default:
	}
}

func (op *writeOp) complete(err error) {
	if op.finished {
		return
	}
	op.finished = true
	op.err = err
	close(op.done)
}

// streamCtx is the run loop's record of a stream.
type streamCtx struct {
	st         *Stream
	acked      bool
	localFin   bool
	remoteFin  bool
	finPending bool

	// sendWindow is what the peer still accepts; recvWindow is what the
	// peer may still send.
	sendWindow uint32
	recvWindow uint32

	// discardCredit accumulates data dropped after Close.
	discardCredit uint32

	pending []*writeOp
}

func (sc *streamCtx) state() StreamState {
	switch {
	case sc.localFin && sc.remoteFin:
		return StateClosed
	case sc.localFin:
		return StateLocalClosed
	case sc.remoteFin:
		return StateRemoteClosed
	case sc.st.outbound && !sc.acked:
		return StateInit
	default:
		return StateOpen
	}
}

// Session multiplexes streams over one connection.
type Session struct {
	conn   io.ReadWriteCloser
	role   Role
	cfg    Config
	logger *slog.Logger
	plog   log.Logger

	reqCh        chan request
	frameCh      chan frame.Frame
	readErrCh    chan error
	writeErrCh   chan error
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	acceptCh     chan *Stream
	queue        *writeQueue
	writerDone   chan struct{}
	done         chan struct{}
	closeErr     error

	// Run loop state.
	streams      map[uint32]*streamCtx
	nextLocal    uint32
	idsExhausted bool
	lastRemote   uint32
	localGoAway  bool
	remoteGoAway bool
	ka           *keepAlive
	closing      *CloseError

	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64
	numStreams    atomic.Int64
	rtt           atomic.Int64
	goAwayRecv    atomic.Bool
}

// NewSession starts a session over conn. The session owns conn and closes
// it when the session ends.
func NewSession(conn io.ReadWriteCloser, role Role, cfg Config) (*Session, error) {
	if role != RoleInitiator && role != RoleResponder {
		return nil, fmt.Errorf("invalid role %d", role)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	s := &Session{
		conn:       conn,
		role:       role,
		cfg:        cfg,
		logger:     cfg.Logger.With("conn_id", cfg.ConnectionID, "role", role.String()),
		plog:       cfg.ProtocolLogger,
		reqCh:      make(chan request, 64),
		frameCh:    make(chan frame.Frame, 64),
		readErrCh:  make(chan error, 1),
		writeErrCh: make(chan error, 1),
		shutdownCh: make(chan struct{}),
		acceptCh:   make(chan *Stream, cfg.AcceptBacklog),
		queue:      newWriteQueue(),
		writerDone: make(chan struct{}),
		done:       make(chan struct{}),
		streams:    make(map[uint32]*streamCtx),
		ka:         newKeepAlive(cfg.KeepAliveInterval, cfg.KeepAliveTimeoutMultiplier, time.Now()),
	}
	if role == RoleInitiator {
		s.nextLocal = 1
	} else {
		s.nextLocal = 2
	}

	go s.readLoop()
	go s.writeLoop()
	go s.run()
	return s, nil
}

// Role returns the local role.
func (s *Session) Role() Role { return s.role }

// ConnectionID returns the id used on protocol log events.
func (s *Session) ConnectionID() string { return s.cfg.ConnectionID }

// Done is closed when the session has ended.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the *CloseError once the session has ended, nil before.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.closeErr
	default:
		return nil
	}
}

// NumStreams returns the number of open streams.
func (s *Session) NumStreams() int { return int(s.numStreams.Load()) }

// RemoteGoAway reports whether the peer sent GO_AWAY.
func (s *Session) RemoteGoAway() bool { return s.goAwayRecv.Load() }

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats {
	return Stats{
		BytesSent:     s.bytesSent.Load(),
		BytesReceived: s.bytesReceived.Load(),
		Streams:       s.NumStreams(),
		KeepAliveRTT:  time.Duration(s.rtt.Load()),
	}
}

// KeepAliveStats returns keepalive counters. It returns the zero value
// once the session has ended.
func (s *Session) KeepAliveStats() KeepAliveStats {
	var stats KeepAliveStats
	s.do(func() { stats = s.ka.stats })
	return stats
}

// OpenStream opens a stream whose SYN carries payload and waits for the
// peer's ACK (or first data). An RST from the peer is returned as a
// *ResetError.
func (s *Session) OpenStream(ctx context.Context, payload []byte) (*Stream, error) {
	var st *Stream
	var openErr error
	if err := s.do(func() { st, openErr = s.openStream(payload) }); err != nil {
		return nil, err
	}
	if openErr != nil {
		return nil, openErr
	}

	select {
	case <-st.established:
		return st, nil
	case <-st.done:
		return nil, st.err
	case <-ctx.Done():
		st.Reset(ResetCancel)
		return nil, ctx.Err()
	}
}

// AcceptStream waits for an inbound stream. The caller must Accept or
// Reject it.
func (s *Session) AcceptStream(ctx context.Context) (*Stream, error) {
	select {
	case st := <-s.acceptCh:
		return st, nil
	case <-s.done:
		return nil, s.closeErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// GoAway tells the peer no further streams will be accepted. Existing
// streams continue; the session closes once they have all ended.
func (s *Session) GoAway(code GoAwayCode) error {
	return s.do(func() {
		if s.localGoAway {
			return
		}
		s.localGoAway = true
		s.sendControl(frame.GoAway(uint32(code)))
		s.logControl(log.DirectionOut, log.ControlMsgGoAway, 0, uint32(code))
		s.checkDrained()
	})
}

// Close ends the session, failing all streams with ErrSessionClosed.
func (s *Session) Close() error {
	s.shutdownOnce.Do(func() { close(s.shutdownCh) })
	<-s.done
	return nil
}

// do runs fn on the run loop and waits for it.
func (s *Session) do(fn func()) error {
	r := request{fn: fn, done: make(chan struct{})}
	select {
	case s.reqCh <- r:
	case <-s.done:
		return s.closeErr
	}
	select {
	case <-r.done:
		return nil
	case <-s.done:
		return s.closeErr
	}
}

// grantWindow returns receive credit after Read consumed data.
func (s *Session) grantWindow(id, delta uint32) {
	s.do(func() {
		sc := s.streams[id]
		if sc == nil || sc.remoteFin {
			return
		}
		s.sendWindowUpdate(sc, delta)
	})
}

func (s *Session) readLoop() {
	fr := frame.NewReader(s.conn, s.cfg.MaxFrameSize)
	fr.SetLogger(s.plog, s.cfg.ConnectionID)
	for {
		f, err := fr.ReadFrame()
		if err != nil {
			s.readErrCh <- err
			return
		}
		s.bytesReceived.Add(uint64(frame.HeaderSize + len(f.Payload)))
		recordFrameReceived(f)
		select {
		case s.frameCh <- f:
		case <-s.done:
			return
		}
	}
}

func (s *Session) writeLoop() {
	defer close(s.writerDone)
	fw := frame.NewWriter(s.conn, s.cfg.MaxFrameSize)
	fw.SetLogger(s.plog, s.cfg.ConnectionID)
	for {
		f, ok, closing := s.queue.pop()
		if !ok {
			if closing {
				return
			}
			<-s.queue.notify
			continue
		}
		if err := fw.WriteFrame(f); err != nil {
			select {
			case s.writeErrCh <- err:
			default:
			}
			return
		}
		s.bytesSent.Add(uint64(frame.HeaderSize + len(f.Payload)))
		recordFrameSent(f)
	}
}

func (s *Session) run() {
	var tick <-chan time.Time
	if s.cfg.KeepAliveInterval > 0 {
		period := s.cfg.KeepAliveInterval / 2
		if period <= 0 {
			period = s.cfg.KeepAliveInterval
		}
		t := time.NewTicker(period)
		defer t.Stop()
		tick = t.C
	}

	for s.closing == nil {
		select {
		case f := <-s.frameCh:
			s.onFrame(f)
		case r := <-s.reqCh:
			r.fn()
			close(r.done)
		case err := <-s.readErrCh:
			// Frames decoded before the error come first.
			for drained := false; !drained && s.closing == nil; {
				select {
				case f := <-s.frameCh:
					s.onFrame(f)
				default:
					drained = true
				}
			}
			s.onReadError(err)
		case err := <-s.writeErrCh:
			s.terminate(ReasonTransportError, fmt.Errorf("%w: %w", ErrTransport, err))
		case now := <-tick:
			s.onTick(now)
		case <-s.shutdownCh:
			s.terminate(ReasonLocalClose, ErrSessionClosed)
		}
	}
	s.teardown()
}

func (s *Session) onFrame(f frame.Frame) {
	s.ka.received(time.Now())
	if err := s.handleFrame(f); err != nil {
		s.terminate(ReasonProtocolError, err)
	}
}

func (s *Session) onReadError(err error) {
	switch {
	case errors.Is(err, frame.ErrTooLarge), errors.Is(err, frame.ErrMalformedHeader), errors.Is(err, frame.ErrTruncated):
		s.terminate(ReasonProtocolError, fmt.Errorf("%w: %w", ErrProtocol, err))
	case errors.Is(err, io.EOF) && s.remoteGoAway:
		s.terminate(ReasonRemoteGoAway, ErrRemoteGoAway)
	case errors.Is(err, io.EOF):
		s.terminate(ReasonRemoteClosed, io.EOF)
	default:
		s.terminate(ReasonTransportError, fmt.Errorf("%w: %w", ErrTransport, err))
	}
}

func (s *Session) onTick(now time.Time) {
	switch s.ka.tick(now) {
	case keepAliveDead:
		s.terminate(ReasonKeepAliveTimeout, fmt.Errorf("%w: no traffic for %s", ErrKeepAliveTimeout, s.ka.DetectionDelay()))
	case keepAlivePing:
		seq := s.ka.nextPing(now)
		s.sendControl(frame.Ping(seq))
		s.logControl(log.DirectionOut, log.ControlMsgPing, 0, seq)
	}
}

// terminate records the first reason the session must end. The run loop
// exits after the current event.
func (s *Session) terminate(reason CloseReason, err error) {
	if s.closing == nil {
		s.closing = &CloseError{Reason: reason, Err: err}
	}
}

func (s *Session) teardown() {
	ce := s.closing

	switch ce.Reason {
	case ReasonProtocolError:
		s.queue.pushControl(frame.GoAway(uint32(GoAwayProtocolError)))
	case ReasonLocalClose, ReasonKeepAliveTimeout:
		if !s.localGoAway {
			s.queue.pushControl(frame.GoAway(uint32(GoAwayNormal)))
		}
	}

	for id, sc := range s.streams {
		s.failPending(sc, ce)
		sc.st.setReadErr(ce, true)
		sc.st.finish(ce)
		delete(s.streams, id)
	}
	s.numStreams.Store(0)
	s.closeErr = ce
	s.queue.close()

	flush := ce.Reason != ReasonTransportError && ce.Reason != ReasonRemoteClosed
	if flush {
		s.waitWriter()
	}
	s.conn.Close()
	if !s.waitWriter() {
		s.logger.Warn("writer still blocked after close")
	}

	recordSessionClosed(ce.Reason)
	level := slog.LevelInfo
	if ce.Reason == ReasonProtocolError || ce.Reason == ReasonTransportError {
		level = slog.LevelWarn
	}
	s.logger.Log(context.Background(), level, "session closed", "reason", ce.Reason.String(), "error", ce.Err)
	s.plog.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: s.cfg.ConnectionID,
		Layer:        log.LayerMux,
		Category:     log.CategoryState,
		LocalRole:    log.Role(s.role),
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntitySession,
			OldState: "OPEN",
			NewState: "CLOSED",
			Reason:   ce.Reason.String(),
		},
	})

	close(s.done)
}

// waitWriter waits up to CloseTimeout for the writer goroutine to exit.
func (s *Session) waitWriter() bool {
	t := time.NewTimer(s.cfg.CloseTimeout)
	defer t.Stop()
	select {
	case <-s.writerDone:
		return true
	case <-t.C:
		return false
	}
}

func (s *Session) isLocalID(id uint32) bool {
	return (id%2 == 1) == (s.role == RoleInitiator)
}

// sendControl queues a control frame, failing the session on overflow.
func (s *Session) sendControl(f frame.Frame) {
	if !s.queue.pushControl(f) {
		s.terminate(ReasonProtocolError, protocolErrorf("control queue overflow"))
	}
}

func (s *Session) sendWindowUpdate(sc *streamCtx, delta uint32) {
	sc.recvWindow += delta
	s.sendControl(frame.WindowUpdate(sc.st.id, delta))
	s.logControl(log.DirectionOut, log.ControlMsgWindowUpdate, sc.st.id, delta)
}

func (s *Session) openStream(payload []byte) (*Stream, error) {
	switch {
	case s.remoteGoAway:
		return nil, ErrRemoteGoAway
	case s.localGoAway:
		return nil, ErrLocalGoAway
	case s.idsExhausted:
		return nil, ErrStreamsExhausted
	case s.cfg.MaxStreams > 0 && len(s.streams) >= s.cfg.MaxStreams:
		return nil, ErrTooManyStreams
	case uint32(len(payload)) > s.cfg.MaxFrameSize:
		return nil, fmt.Errorf("%w: open payload of %d bytes", frame.ErrTooLarge, len(payload))
	}

	id := s.nextLocal
	if id >= math.MaxUint32-1 {
		s.idsExhausted = true
	} else {
		s.nextLocal += 2
	}

	st := newStream(s, id, true, payload)
	sc := &streamCtx{st: st, sendWindow: BaseStreamWindow, recvWindow: BaseStreamWindow}
	s.streams[id] = sc
	s.numStreams.Add(1)

	s.queue.pushStream(frame.Frame{StreamID: id, Type: frame.TypeSYN, Payload: payload})
	if extra := s.cfg.InitialStreamWindow - BaseStreamWindow; extra > 0 {
		// Queued behind the SYN so the peer knows the stream.
		sc.recvWindow += extra
		s.queue.pushStream(frame.WindowUpdate(id, extra))
	}

	recordStreamOpened(true)
	s.logStreamState(st, "", StateInit, "")
	s.logger.Debug("stream opened", "stream", id)
	return st, nil
}

func (s *Session) refuse(id uint32) {
	s.queue.pushStream(frame.Reset(id, uint8(ResetRefused)))
	metrics.IncrCounter(metricStreamsRefused, 1)
	s.logControl(log.DirectionOut, log.ControlMsgReset, id, uint32(ResetRefused))
}

func (s *Session) acceptStream(id uint32, payload []byte) {
	sc := s.streams[id]
	if sc == nil || sc.st.outbound || sc.acked {
		return
	}
	sc.acked = true
	s.queue.pushStream(frame.Frame{StreamID: id, Type: frame.TypeACK, Payload: payload})
}

func (s *Session) ensureAck(sc *streamCtx) {
	if !sc.st.outbound && !sc.acked {
		s.acceptStream(sc.st.id, nil)
	}
}

func (s *Session) startWrite(st *Stream, op *writeOp) {
	sc := s.streams[st.id]
	if sc == nil || sc.st != st {
		op.complete(goneErr(st))
		return
	}
	if sc.localFin || sc.finPending {
		op.complete(ErrStreamClosed)
		return
	}
	s.ensureAck(sc)
	sc.pending = append(sc.pending, op)
	s.flushPending(sc)
}

// flushPending moves queued writes to the writer as window allows.
func (s *Session) flushPending(sc *streamCtx) {
	for len(sc.pending) > 0 && sc.sendWindow > 0 {
		op := sc.pending[0]
		n := min(uint32(len(op.data)), sc.sendWindow, s.cfg.MaxFrameSize)
		payload := append([]byte(nil), op.data[:n]...)
		f := frame.Frame{StreamID: sc.st.id, Type: frame.TypeData, Payload: payload}
		if op.priority == PriorityHigh {
			s.queue.pushQuick(f)
		} else {
			s.queue.pushStream(f)
		}
		sc.sendWindow -= n
		op.advance(n)
		if len(op.data) == 0 {
			op.complete(nil)
			sc.pending[0] = nil
			sc.pending = sc.pending[1:]
		}
	}
	if len(sc.pending) == 0 && sc.finPending {
		sc.finPending = false
		s.sendFin(sc)
	}
}

func (s *Session) cancelWrite(id uint32, op *writeOp) {
	if sc := s.streams[id]; sc != nil {
		for i, p := range sc.pending {
			if p == op {
				sc.pending = append(sc.pending[:i], sc.pending[i+1:]...)
				break
			}
		}
		op.complete(nil)
		if len(sc.pending) == 0 && sc.finPending {
			sc.finPending = false
			s.sendFin(sc)
		}
		return
	}
	op.complete(nil)
}

func (s *Session) sendFin(sc *streamCtx) {
	s.ensureAck(sc)
	s.queue.pushStream(frame.Frame{StreamID: sc.st.id, Type: frame.TypeFIN})
	old := sc.state()
	sc.localFin = true
	s.updateState(sc, old)
}

func (s *Session) closeWrite(st *Stream) error {
	sc := s.streams[st.id]
	if sc == nil || sc.st != st {
		return st.err
	}
	if sc.localFin || sc.finPending {
		return nil
	}
	if len(sc.pending) > 0 {
		sc.finPending = true
		return nil
	}
	s.sendFin(sc)
	return nil
}

func (s *Session) closeStream(st *Stream, dropped uint32) error {
	sc := s.streams[st.id]
	if sc == nil || sc.st != st {
		return st.err
	}
	if dropped > 0 && !sc.remoteFin {
		s.creditDiscarded(sc, dropped)
	}
	return s.closeWrite(st)
}

func (s *Session) creditDiscarded(sc *streamCtx, n uint32) {
	sc.discardCredit += n
	if sc.discardCredit >= s.cfg.WindowUpdateThreshold {
		delta := sc.discardCredit
		sc.discardCredit = 0
		s.sendWindowUpdate(sc, delta)
	}
}

func (s *Session) resetStream(id uint32, code ResetCode) {
	sc := s.streams[id]
	if sc == nil {
		return
	}
	s.queue.pushStream(frame.Reset(id, uint8(code)))
	s.logControl(log.DirectionOut, log.ControlMsgReset, id, uint32(code))
	recordStreamReset(code, false)
	s.removeStream(sc, &ResetError{Code: code})
}

// removeStream drops a stream from the table. err is nil after a clean
// close in both directions.
func (s *Session) removeStream(sc *streamCtx, err error) {
	if err != nil {
		s.failPending(sc, err)
		sc.st.setReadErr(err, true)
	} else {
		s.failPending(sc, ErrStreamClosed)
	}
	old := sc.state()
	delete(s.streams, sc.st.id)
	s.numStreams.Add(-1)
	sc.st.finish(err)

	reason := ""
	if err != nil {
		reason = err.Error()
	}
	s.logStreamState(sc.st, old.String(), StateClosed, reason)
	s.logger.Debug("stream closed", "stream", sc.st.id, "error", err)
	s.checkDrained()
}

func (s *Session) failPending(sc *streamCtx, err error) {
	for _, op := range sc.pending {
		op.complete(err)
	}
	sc.pending = nil
}

func (s *Session) updateState(sc *streamCtx, old StreamState) {
	next := sc.state()
	if next == old {
		return
	}
	if next == StateClosed {
		s.removeStream(sc, nil)
		return
	}
	sc.st.state.Store(uint32(next))
	s.logStreamState(sc.st, old.String(), next, "")
}

// checkDrained closes the session once a go-away has been exchanged and
// no streams remain.
func (s *Session) checkDrained() {
	if len(s.streams) > 0 {
		return
	}
	switch {
	case s.remoteGoAway:
		s.terminate(ReasonRemoteGoAway, ErrRemoteGoAway)
	case s.localGoAway:
		s.terminate(ReasonLocalClose, ErrSessionClosed)
	}
}

func goneErr(st *Stream) error {
	select {
	case <-st.done:
		if st.err != nil {
			return st.err
		}
	default:
	}
	return ErrStreamClosed
}

func (s *Session) logStreamState(st *Stream, old string, state StreamState, reason string) {
	s.plog.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: s.cfg.ConnectionID,
		Layer:        log.LayerMux,
		Category:     log.CategoryState,
		LocalRole:    log.Role(s.role),
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityStream,
			StreamID: st.id,
			OldState: old,
			NewState: state.String(),
			Reason:   reason,
		},
	})
}

func (s *Session) logControl(dir log.Direction, typ log.ControlMsgType, streamID, value uint32) {
	s.plog.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: s.cfg.ConnectionID,
		Direction:    dir,
		Layer:        log.LayerMux,
		Category:     log.CategoryControl,
		LocalRole:    log.Role(s.role),
		ControlMsg:   &log.ControlMsgEvent{Type: typ, StreamID: streamID, Value: value},
	})
}
