package service

import (
	"sync"

	"github.com/tentacle-p2p/tentacle-go/pkg/mux"
	"github.com/tentacle-p2p/tentacle-go/pkg/protocol"
	"github.com/tentacle-p2p/tentacle-go/pkg/secio"
)

// EventType identifies a service event.
type EventType uint8

const (
	// EventSessionEstablished - handshake done, session registered.
	EventSessionEstablished EventType = iota

	// EventSessionClosed - session ended; Reason and Error say why.
	EventSessionClosed

	// EventProtocolOpened - a sub-protocol stream opened.
	EventProtocolOpened

	// EventProtocolClosed - a sub-protocol stream closed; Error is nil
	// after an orderly close.
	EventProtocolClosed

	// EventMessage - a message arrived on a sub-protocol stream.
	EventMessage

	// EventProtocolRejected - an inbound open was refused locally.
	EventProtocolRejected

	// EventHandshakeFailed - a connection failed the secure handshake.
	EventHandshakeFailed
)

// String returns the event type name.
func (e EventType) String() string {
	switch e {
	case EventSessionEstablished:
		return "SESSION_ESTABLISHED"
	case EventSessionClosed:
		return "SESSION_CLOSED"
	case EventProtocolOpened:
		return "PROTOCOL_OPENED"
	case EventProtocolClosed:
		return "PROTOCOL_CLOSED"
	case EventMessage:
		return "MESSAGE"
	case EventProtocolRejected:
		return "PROTOCOL_REJECTED"
	case EventHandshakeFailed:
		return "HANDSHAKE_FAILED"
	default:
		return "UNKNOWN"
	}
}

// Event represents a service event.
type Event struct {
	// Type is the event type.
	Type EventType

	// SessionID is the session (zero for EventHandshakeFailed).
	SessionID uint64

	// PeerID is the verified remote identity, once known.
	PeerID secio.PeerID

	// RemoteAddr is the transport address of the peer, if known.
	RemoteAddr string

	// Direction is who initiated the session.
	Direction Direction

	// Handle is the stream (protocol events and messages).
	Handle *StreamHandle

	// ProtocolID is the protocol (protocol events and messages).
	ProtocolID protocol.ID

	// Data is the message payload (EventMessage). Must not be modified.
	Data []byte

	// Reason is why the session ended (EventSessionClosed).
	Reason mux.CloseReason

	// Error is set for failures and closes.
	Error error
}

// EventHandler handles service events.
type EventHandler func(Event)

// eventBus delivers events to handlers in emission order from a single
// goroutine. emit never blocks.
type eventBus struct {
	mu       sync.Mutex
	handlers []EventHandler
	queue    []Event
	closed   bool
	signal   chan struct{}
	done     chan struct{}
}

func newEventBus() *eventBus {
	b := &eventBus{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *eventBus) subscribe(h EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

func (b *eventBus) emit(e Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.queue = append(b.queue, e)
	b.mu.Unlock()

	select {
	case b.signal <- struct{}{}:
	default:
	}
}

// close stops accepting events and waits until queued ones are delivered.
func (b *eventBus) close() {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		select {
		case b.signal <- struct{}{}:
		default:
		}
	}
	b.mu.Unlock()
	<-b.done
}

func (b *eventBus) run() {
	defer close(b.done)
	for {
		b.mu.Lock()
		queue := b.queue
		b.queue = nil
		handlers := b.handlers
		closed := b.closed
		b.mu.Unlock()

		for _, e := range queue {
			for _, h := range handlers {
				h(e)
			}
		}
		if len(queue) > 0 {
			continue
		}
		if closed {
			return
		}
		<-b.signal
	}
}
