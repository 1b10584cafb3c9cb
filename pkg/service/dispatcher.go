package service

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/tentacle-p2p/tentacle-go/pkg/log"
	"github.com/tentacle-p2p/tentacle-go/pkg/mux"
	"github.com/tentacle-p2p/tentacle-go/pkg/protocol"
)

// Dispatcher routes a session's streams to protocol handlers. Inbound
// streams are negotiated against the registry; each accepted stream gets
// a fresh handler running on its own goroutine.
type Dispatcher struct {
	sess     *Session
	registry *protocol.Registry
	logger   *slog.Logger

	mu      sync.Mutex
	handles map[uint32]*StreamHandle
	counts  map[protocol.ID]int
	stopped bool

	wg sync.WaitGroup
}

func newDispatcher(sess *Session, registry *protocol.Registry, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		sess:     sess,
		registry: registry,
		logger:   logger,
		handles:  make(map[uint32]*StreamHandle),
		counts:   make(map[protocol.ID]int),
	}
}

// serve accepts inbound streams until the session ends.
func (d *Dispatcher) serve() {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			st, err := d.sess.mux.AcceptStream(context.Background())
			if err != nil {
				return
			}
			d.handleInbound(st)
		}
	}()
}

func (d *Dispatcher) handleInbound(st *mux.Stream) {
	req, err := protocol.ParseOpenRequest(st.OpenPayload())
	if err != nil {
		d.reject(st, mux.ResetMalformedOpen, protocol.ID(0), err)
		return
	}

	meta, factory, ok := d.registry.Lookup(req.ID)
	if !ok {
		d.reject(st, mux.ResetUnknownProtocol, req.ID, fmt.Errorf("%w: %d", protocol.ErrUnknownProtocol, req.ID))
		return
	}

	version, err := protocol.Negotiate(meta, req)
	if err != nil {
		code := mux.ResetUnsupportedVersion
		if errors.Is(err, protocol.ErrUnknownProtocol) {
			code = mux.ResetUnknownProtocol
		}
		d.reject(st, code, req.ID, err)
		return
	}

	if !d.reserve(meta) {
		d.reject(st, mux.ResetProtocolLimit, req.ID, fmt.Errorf("%w: %s", protocol.ErrProtocolLimit, meta))
		return
	}

	ack, err := protocol.OpenAck{Version: version}.Marshal()
	if err != nil {
		d.release(meta.ID)
		d.reject(st, mux.ResetCancel, req.ID, err)
		return
	}
	if err := st.Accept(ack); err != nil {
		d.release(meta.ID)
		d.logger.Debug("accept stream failed", "stream_id", st.ID(), "protocol", meta.String(), "error", err)
		return
	}

	if _, err := d.start(st, meta, version, factory(), false); err != nil {
		d.logger.Debug("stream dropped", "stream_id", st.ID(), "error", err)
	}
}

func (d *Dispatcher) reject(st *mux.Stream, code mux.ResetCode, id protocol.ID, err error) {
	st.Reject(code)
	d.logger.Debug("protocol rejected",
		"stream_id", st.ID(),
		"protocol_id", id,
		"code", code.String(),
		"error", err)
	recordProtocolRejected(code.String())
	d.sess.emit(Event{
		Type:       EventProtocolRejected,
		ProtocolID: id,
		Error:      err,
	})
}

// Open opens protocol id toward the peer.
func (d *Dispatcher) Open(ctx context.Context, id protocol.ID) (*StreamHandle, error) {
	meta, factory, ok := d.registry.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", protocol.ErrUnknownProtocol, id)
	}
	if !d.reserve(meta) {
		return nil, fmt.Errorf("%w: %s", protocol.ErrProtocolLimit, meta)
	}

	payload, err := protocol.NewOpenRequest(meta).Marshal()
	if err != nil {
		d.release(meta.ID)
		return nil, err
	}

	st, err := d.sess.mux.OpenStream(ctx, payload)
	if err != nil {
		d.release(meta.ID)
		return nil, fmt.Errorf("open %s: %w", meta, mapRemoteReset(err))
	}

	ack, err := protocol.ParseOpenAck(st.AckPayload())
	if err == nil && !meta.Supports(ack.Version) {
		err = fmt.Errorf("%w: peer selected %q", protocol.ErrUnsupportedVersion, ack.Version)
	}
	if err != nil {
		st.Reset(mux.ResetUnsupportedVersion)
		d.release(meta.ID)
		return nil, fmt.Errorf("open %s: %w", meta, err)
	}

	return d.start(st, meta, ack.Version, factory(), true)
}

// mapRemoteReset translates a peer's open refusal into protocol errors.
// The *mux.ResetError stays in the chain.
func mapRemoteReset(err error) error {
	var rst *mux.ResetError
	if !errors.As(err, &rst) || !rst.Remote {
		return err
	}
	switch rst.Code {
	case mux.ResetUnknownProtocol:
		return fmt.Errorf("%w: %w", protocol.ErrUnknownProtocol, err)
	case mux.ResetUnsupportedVersion:
		return fmt.Errorf("%w: %w", protocol.ErrUnsupportedVersion, err)
	case mux.ResetProtocolLimit:
		return fmt.Errorf("%w: %w", protocol.ErrProtocolLimit, err)
	case mux.ResetMalformedOpen:
		return fmt.Errorf("%w: %w", protocol.ErrMalformedOpen, err)
	default:
		return err
	}
}

func (d *Dispatcher) start(st *mux.Stream, meta protocol.Meta, version string, handler protocol.Handler, outbound bool) (*StreamHandle, error) {
	h := newStreamHandle(d, st, meta, version, handler, outbound)

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		st.Reset(mux.ResetCancel)
		d.release(meta.ID)
		return nil, ErrHandleClosed
	}
	d.handles[st.ID()] = h
	d.wg.Add(1)
	d.mu.Unlock()

	recordProtocolOpened(meta.Name)
	d.logState(h, "", "OPEN", version)
	d.logger.Debug("protocol opened",
		"stream_id", st.ID(),
		"protocol", meta.String(),
		"version", version,
		"outbound", outbound)
	d.sess.emit(Event{
		Type:       EventProtocolOpened,
		Handle:     h,
		ProtocolID: meta.ID,
	})

	go func() {
		defer d.wg.Done()
		h.run()
	}()
	return h, nil
}

// closed is called from the handle's goroutine after OnClose.
func (d *Dispatcher) closed(h *StreamHandle, err error) {
	d.mu.Lock()
	delete(d.handles, h.StreamID())
	d.mu.Unlock()
	d.release(h.meta.ID)

	reason := ""
	if err != nil {
		reason = err.Error()
	}
	d.logState(h, "OPEN", "CLOSED", reason)
	d.sess.emit(Event{
		Type:       EventProtocolClosed,
		Handle:     h,
		ProtocolID: h.meta.ID,
		Error:      err,
	})
}

func (d *Dispatcher) emitMessage(h *StreamHandle, msg []byte) {
	d.sess.emit(Event{
		Type:       EventMessage,
		Handle:     h,
		ProtocolID: h.meta.ID,
		Data:       msg,
	})
}

// reserve takes a slot for meta, reporting false at the cap.
func (d *Dispatcher) reserve(meta protocol.Meta) bool {
	limit := d.sess.svc.cfg.streamLimit(meta)

	d.mu.Lock()
	defer d.mu.Unlock()
	if limit > 0 && d.counts[meta.ID] >= limit {
		return false
	}
	d.counts[meta.ID]++
	return true
}

func (d *Dispatcher) release(id protocol.ID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.counts[id] <= 1 {
		delete(d.counts, id)
		return
	}
	d.counts[id]--
}

// openHandles returns the open handles ordered by stream id.
func (d *Dispatcher) openHandles() []*StreamHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*StreamHandle, 0, len(d.handles))
	for _, h := range d.handles {
		out = append(out, h)
	}
	slices.SortFunc(out, func(a, b *StreamHandle) int {
		return cmp.Compare(a.StreamID(), b.StreamID())
	})
	return out
}

// handleFor returns the oldest open handle of protocol id.
func (d *Dispatcher) handleFor(id protocol.ID) (*StreamHandle, bool) {
	for _, h := range d.openHandles() {
		if h.meta.ID == id && !h.isFinished() {
			return h, true
		}
	}
	return nil, false
}

// wait blocks until the accept loop and all handlers have returned. No
// handler starts afterwards.
func (d *Dispatcher) wait() {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) logState(h *StreamHandle, old, state, reason string) {
	d.sess.svc.cfg.ProtocolLogger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: d.sess.connID,
		Layer:        log.LayerProtocol,
		Category:     log.CategoryState,
		LocalRole:    log.Role(d.sess.direction.muxRole()),
		PeerID:       d.sess.RemotePeer().String(),
		StateChange: &log.StateChangeEvent{
			Entity:     log.StateEntityProtocol,
			StreamID:   h.StreamID(),
			ProtocolID: uint32(h.meta.ID),
			OldState:   old,
			NewState:   state,
			Reason:     reason,
		},
	})
}
