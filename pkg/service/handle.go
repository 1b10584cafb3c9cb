package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/tentacle-p2p/tentacle-go/pkg/mux"
	"github.com/tentacle-p2p/tentacle-go/pkg/protocol"
	"github.com/tentacle-p2p/tentacle-go/pkg/secio"
)

const notifyQueueSize = 16

// StreamHandle is an open sub-protocol stream. It is the
// protocol.Context passed to the stream's handler.
type StreamHandle struct {
	d        *Dispatcher
	st       *mux.Stream
	meta     protocol.Meta
	version  string
	handler  protocol.Handler
	outbound bool
	w        *protocol.MessageWriter
	r        *protocol.MessageReader

	inbox    chan []byte
	notifyCh chan uint64
	done     chan struct{}
	err      error

	mu       sync.Mutex
	timers   map[uint64]chan struct{}
	finished bool
}

func newStreamHandle(d *Dispatcher, st *mux.Stream, meta protocol.Meta, version string, handler protocol.Handler, outbound bool) *StreamHandle {
	cfg := d.sess.svc.cfg
	h := &StreamHandle{
		d:        d,
		st:       st,
		meta:     meta,
		version:  version,
		handler:  handler,
		outbound: outbound,
		w:        protocol.NewMessageWriter(st, cfg.MaxMessageSize),
		r:        protocol.NewMessageReader(st, cfg.MaxMessageSize),
		inbox:    make(chan []byte, cfg.HandlerQueueSize),
		notifyCh: make(chan uint64, notifyQueueSize),
		done:     make(chan struct{}),
		timers:   make(map[uint64]chan struct{}),
	}
	h.w.SetQuickWriter(quickWriter{st})
	h.w.SetLogger(cfg.ProtocolLogger, d.sess.connID, st.ID())
	h.r.SetLogger(cfg.ProtocolLogger, d.sess.connID, st.ID())
	return h
}

// ID returns the protocol id.
func (h *StreamHandle) ID() protocol.ID { return h.meta.ID }

// Protocol returns the protocol description.
func (h *StreamHandle) Protocol() protocol.Meta { return h.meta }

// Version returns the negotiated version.
func (h *StreamHandle) Version() string { return h.version }

// SessionID returns the owning session id.
func (h *StreamHandle) SessionID() uint64 { return h.d.sess.id }

// Session returns the owning session.
func (h *StreamHandle) Session() *Session { return h.d.sess }

// RemotePeer returns the peer's verified identity.
func (h *StreamHandle) RemotePeer() secio.PeerID { return h.d.sess.RemotePeer() }

// StreamID returns the multiplexer stream id.
func (h *StreamHandle) StreamID() uint32 { return h.st.ID() }

// Outbound reports whether the local side opened the stream.
func (h *StreamHandle) Outbound() bool { return h.outbound }

// Done is closed after the handler's OnClose has returned.
func (h *StreamHandle) Done() <-chan struct{} { return h.done }

// Err returns why the stream closed, nil after an orderly close or
// while still open.
func (h *StreamHandle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Send writes one message. It blocks while the send window is exhausted.
func (h *StreamHandle) Send(data []byte) error {
	return h.write(h.d.sess.svc.beforeSend(h.meta.ID, data), mux.PriorityNormal)
}

// QuickSend is Send with the message queued ahead of other streams'
// pending data.
func (h *StreamHandle) QuickSend(data []byte) error {
	return h.write(h.d.sess.svc.beforeSend(h.meta.ID, data), mux.PriorityHigh)
}

// write sends an already transformed message.
func (h *StreamHandle) write(data []byte, priority mux.Priority) error {
	if h.isFinished() {
		return ErrHandleClosed
	}
	var err error
	if priority == mux.PriorityHigh {
		err = h.w.WriteQuickMessage(data)
	} else {
		err = h.w.WriteMessage(data)
	}
	if err != nil {
		return fmt.Errorf("send on %s: %w", h.meta, err)
	}
	return nil
}

// Close half-closes the stream. The handler's OnClose runs once the peer
// has closed its side too.
func (h *StreamHandle) Close() error {
	return h.st.CloseWrite()
}

// Reset aborts the stream.
func (h *StreamHandle) Reset() error {
	return h.st.Reset(mux.ResetCancel)
}

// SetNotify schedules OnNotify(token) every interval. Ticks that find the
// handler busy are coalesced.
func (h *StreamHandle) SetNotify(interval time.Duration, token uint64) error {
	if _, ok := h.handler.(protocol.Notifier); !ok {
		return ErrNotifyUnsupported
	}
	if interval <= 0 {
		return fmt.Errorf("notify interval must be positive, got %s", interval)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.finished {
		return ErrHandleClosed
	}
	if stop, ok := h.timers[token]; ok {
		close(stop)
	}
	stop := make(chan struct{})
	h.timers[token] = stop
	go h.notifyLoop(interval, token, stop)
	return nil
}

// RemoveNotify cancels the timer for token.
func (h *StreamHandle) RemoveNotify(token uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if stop, ok := h.timers[token]; ok {
		close(stop)
		delete(h.timers, token)
	}
}

func (h *StreamHandle) notifyLoop(interval time.Duration, token uint64, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			select {
			case h.notifyCh <- token:
			default:
			}
		case <-stop:
			return
		}
	}
}

func (h *StreamHandle) isFinished() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.finished
}

// run drives the handler until the stream ends.
func (h *StreamHandle) run() {
	readDone := make(chan error, 1)
	go h.readLoop(readDone)

	h.handler.OnOpen(h)
	if ps := h.protocolService(); ps != nil {
		ps.connected(h)
	}

	var readErr error
loop:
	for {
		select {
		case msg := <-h.inbox:
			h.deliver(msg)
		case token := <-h.notifyCh:
			h.notify(token)
		case readErr = <-readDone:
			// Messages queued before the read ended still count.
			for {
				select {
				case msg := <-h.inbox:
					h.deliver(msg)
				default:
					break loop
				}
			}
		}
	}

	err := h.settle(readErr)

	h.mu.Lock()
	h.finished = true
	for token, stop := range h.timers {
		close(stop)
		delete(h.timers, token)
	}
	h.mu.Unlock()

	h.err = err
	h.handler.OnClose(h, err)
	if ps := h.protocolService(); ps != nil {
		ps.disconnected(h)
	}
	h.d.closed(h, err)
	close(h.done)
}

// settle closes the stream according to how reading ended and returns the
// error reported to the handler.
func (h *StreamHandle) settle(readErr error) error {
	switch {
	case errors.Is(readErr, io.EOF):
		// The peer closed its side; close ours to complete the stream.
		h.st.CloseWrite()
		return nil
	case errors.Is(readErr, protocol.ErrMessageTooLarge), errors.Is(readErr, protocol.ErrMessageTruncated):
		h.st.Reset(mux.ResetCancel)
		return readErr
	default:
		return readErr
	}
}

func (h *StreamHandle) readLoop(done chan<- error) {
	for {
		msg, err := h.r.ReadMessage()
		if err != nil {
			done <- err
			return
		}
		h.inbox <- msg
	}
}

func (h *StreamHandle) deliver(msg []byte) {
	h.d.emitMessage(h, msg)
	h.handler.OnMessage(h, msg)
	if ps := h.protocolService(); ps != nil {
		ps.received(h, msg)
	}
}

func (h *StreamHandle) protocolService() *protocolService {
	return h.d.sess.svc.protocols[h.meta.ID]
}

// quickWriter writes to a stream ahead of other streams' queued data.
type quickWriter struct {
	st *mux.Stream
}

func (w quickWriter) Write(p []byte) (int, error) {
	return w.st.WritePriority(context.Background(), p, mux.PriorityHigh)
}

func (h *StreamHandle) notify(token uint64) {
	if n, ok := h.handler.(protocol.Notifier); ok {
		n.OnNotify(h, token)
	}
}

var _ protocol.Context = (*StreamHandle)(nil)
