package mux

import (
	"io"
	"math"
	"time"

	"github.com/armon/go-metrics"

	"github.com/tentacle-p2p/tentacle-go/pkg/frame"
	"github.com/tentacle-p2p/tentacle-go/pkg/log"
)

// handleFrame applies one inbound frame. A non-nil error is a protocol
// violation and ends the session.
func (s *Session) handleFrame(f frame.Frame) error {
	switch f.Type {
	case frame.TypePing, frame.TypePong, frame.TypeGoAway:
		if f.StreamID != frame.SessionStreamID {
			return protocolErrorf("%s on stream %d", f.Type, f.StreamID)
		}
		return s.handleSessionFrame(f)
	}
	if f.StreamID == frame.SessionStreamID {
		return protocolErrorf("%s on session stream", f.Type)
	}
	if f.Type == frame.TypeSYN {
		return s.handleSyn(f)
	}

	sc, err := s.lookup(f)
	if sc == nil {
		return err
	}
	switch f.Type {
	case frame.TypeACK:
		return s.handleAck(sc, f)
	case frame.TypeData:
		return s.handleData(sc, f)
	case frame.TypeWindowUpdate:
		return s.handleWindowUpdate(sc, f)
	case frame.TypeFIN:
		return s.handleFin(sc)
	case frame.TypeRST:
		return s.handleReset(sc, f)
	}
	return protocolErrorf("unexpected %s", f.Type)
}

// lookup finds the stream a frame addresses. It returns (nil, nil) for
// frames that arrive after the stream closed; those are dropped.
func (s *Session) lookup(f frame.Frame) (*streamCtx, error) {
	if sc, ok := s.streams[f.StreamID]; ok {
		return sc, nil
	}
	if s.isLocalID(f.StreamID) {
		if f.StreamID < s.nextLocal || s.idsExhausted {
			return nil, nil
		}
		return nil, protocolErrorf("%s for unopened local stream %d", f.Type, f.StreamID)
	}
	if f.StreamID <= s.lastRemote {
		return nil, nil
	}
	return nil, protocolErrorf("%s on stream %d that was never opened", f.Type, f.StreamID)
}

func (s *Session) handleSessionFrame(f frame.Frame) error {
	v, err := f.Uint32()
	if err != nil {
		return protocolErrorf("%v", err)
	}
	switch f.Type {
	case frame.TypePing:
		s.logControl(log.DirectionIn, log.ControlMsgPing, 0, v)
		s.sendControl(frame.Pong(v))
	case frame.TypePong:
		s.logControl(log.DirectionIn, log.ControlMsgPong, 0, v)
		if rtt, ok := s.ka.pong(v, time.Now()); ok {
			s.rtt.Store(int64(rtt))
			metrics.AddSample(metricKeepAliveRTT, float32(rtt.Milliseconds()))
		}
	case frame.TypeGoAway:
		s.logControl(log.DirectionIn, log.ControlMsgGoAway, 0, v)
		if !s.remoteGoAway {
			s.remoteGoAway = true
			s.goAwayRecv.Store(true)
			s.logger.Info("peer going away", "code", GoAwayCode(v).String(), "streams", len(s.streams))
		}
		s.checkDrained()
	}
	return nil
}

func (s *Session) handleSyn(f frame.Frame) error {
	id := f.StreamID
	if s.isLocalID(id) {
		return protocolErrorf("SYN for stream %d with local parity", id)
	}
	if id <= s.lastRemote {
		return protocolErrorf("SYN reuses stream %d (last %d)", id, s.lastRemote)
	}
	s.lastRemote = id

	if s.localGoAway || s.remoteGoAway || (s.cfg.MaxStreams > 0 && len(s.streams) >= s.cfg.MaxStreams) {
		s.refuse(id)
		return nil
	}

	st := newStream(s, id, false, f.Payload)
	sc := &streamCtx{st: st, sendWindow: BaseStreamWindow, recvWindow: BaseStreamWindow}

	select {
	case s.acceptCh <- st:
	default:
		s.logger.Warn("accept backlog full, refusing stream", "stream", id)
		s.refuse(id)
		return nil
	}
	s.streams[id] = sc
	s.numStreams.Add(1)
	if extra := s.cfg.InitialStreamWindow - BaseStreamWindow; extra > 0 {
		sc.recvWindow += extra
		s.queue.pushStream(frame.WindowUpdate(id, extra))
	}

	recordStreamOpened(false)
	s.logStreamState(st, "", StateOpen, "")
	s.logger.Debug("stream accepted", "stream", id)
	return nil
}

func (s *Session) handleAck(sc *streamCtx, f frame.Frame) error {
	if !sc.st.outbound || sc.acked {
		return protocolErrorf("unexpected ACK on stream %d", sc.st.id)
	}
	sc.st.ackPayload = f.Payload
	s.establish(sc)
	return nil
}

// establish completes a locally opened stream, on ACK or implicitly on the
// first DATA or FIN.
func (s *Session) establish(sc *streamCtx) {
	if !sc.st.outbound || sc.acked {
		return
	}
	old := sc.state()
	sc.acked = true
	s.updateState(sc, old)
	close(sc.st.established)
}

func (s *Session) handleData(sc *streamCtx, f frame.Frame) error {
	if sc.remoteFin {
		return protocolErrorf("DATA after FIN on stream %d", sc.st.id)
	}
	n := uint32(len(f.Payload))
	if n > sc.recvWindow {
		return protocolErrorf("stream %d window exceeded: %d > %d", sc.st.id, n, sc.recvWindow)
	}
	sc.recvWindow -= n

	s.establish(sc)
	if n == 0 {
		return nil
	}
	if sc.st.discarding() {
		s.creditDiscarded(sc, n)
		return nil
	}
	sc.st.push(f.Payload)
	return nil
}

func (s *Session) handleWindowUpdate(sc *streamCtx, f frame.Frame) error {
	delta, err := f.Uint32()
	if err != nil {
		return protocolErrorf("%v", err)
	}
	if uint64(sc.sendWindow)+uint64(delta) > math.MaxUint32 {
		return protocolErrorf("stream %d window overflow", sc.st.id)
	}
	s.logControl(log.DirectionIn, log.ControlMsgWindowUpdate, sc.st.id, delta)
	sc.sendWindow += delta
	s.flushPending(sc)
	return nil
}

func (s *Session) handleFin(sc *streamCtx) error {
	if sc.remoteFin {
		return protocolErrorf("duplicate FIN on stream %d", sc.st.id)
	}
	s.establish(sc)
	old := sc.state()
	sc.remoteFin = true
	s.updateState(sc, old)
	sc.st.setReadErr(io.EOF, false)
	return nil
}

func (s *Session) handleReset(sc *streamCtx, f frame.Frame) error {
	code, err := f.ResetCode()
	if err != nil {
		return protocolErrorf("%v", err)
	}
	s.logControl(log.DirectionIn, log.ControlMsgReset, sc.st.id, uint32(code))
	recordStreamReset(ResetCode(code), true)
	s.removeStream(sc, &ResetError{Code: ResetCode(code), Remote: true})
	return nil
}
