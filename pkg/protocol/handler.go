package protocol

import (
	"time"

	"github.com/tentacle-p2p/tentacle-go/pkg/secio"
)

// Context is the capability a handler holds over its stream. It is valid
// from OnOpen until OnClose returns.
type Context interface {
	// ID returns the protocol id.
	ID() ID

	// Protocol returns the protocol description.
	Protocol() Meta

	// Version returns the negotiated version.
	Version() string

	// SessionID returns the id of the session the stream belongs to.
	SessionID() uint64

	// RemotePeer returns the verified identity of the peer.
	RemotePeer() secio.PeerID

	// StreamID returns the multiplexer stream id.
	StreamID() uint32

	// Send queues one message to the peer. It blocks while the stream's
	// send window is exhausted.
	Send(data []byte) error

	// QuickSend is Send with the message queued ahead of other streams'
	// pending data.
	QuickSend(data []byte) error

	// Close half-closes the stream after queued messages are sent.
	Close() error

	// SetNotify delivers token to the handler's OnNotify every interval.
	// Setting an existing token replaces its interval.
	SetNotify(interval time.Duration, token uint64) error

	// RemoveNotify stops the timer for token.
	RemoveNotify(token uint64)
}

// Handler implements a sub-protocol on one stream. Calls for a stream
// are made from a single goroutine, in order: OnOpen, any number of
// OnMessage (and OnNotify), then OnClose.
type Handler interface {
	OnOpen(ctx Context)
	OnMessage(ctx Context, data []byte)

	// OnClose is called once; err is nil after an orderly close.
	OnClose(ctx Context, err error)
}

// Notifier is implemented by handlers that use notify timers.
type Notifier interface {
	OnNotify(ctx Context, token uint64)
}

// Factory creates a handler for a newly opened stream.
type Factory func() Handler

// ServiceContext is the capability a ServiceHandler holds over its
// protocol across all sessions.
type ServiceContext interface {
	// ID returns the protocol id.
	ID() ID

	// Protocol returns the protocol description.
	Protocol() Meta

	// SendTo sends data on this protocol to the given sessions.
	SendTo(data []byte, sessionIDs ...uint64) error

	// Broadcast sends data on this protocol to every session that has it
	// open.
	Broadcast(data []byte) error

	// SetNotify delivers token to the handler's Notify every interval.
	SetNotify(interval time.Duration, token uint64) error

	// RemoveNotify stops the timer for token.
	RemoveNotify(token uint64)
}

// ServiceHandler implements a protocol for the whole service. One
// instance lives as long as the service and sees the protocol's streams
// on every session. Calls are made from a single goroutine: Init first,
// then stream events in the order they happened, interleaved with
// notify ticks.
type ServiceHandler interface {
	Init(ctx ServiceContext)
	Connected(ctx Context, version string)
	Disconnected(ctx Context)
	Received(ctx Context, data []byte)
}

// ServiceNotifier is implemented by service handlers that use notify
// timers.
type ServiceNotifier interface {
	Notify(ctx ServiceContext, token uint64)
}

// BeforeSend transforms every outgoing message of a protocol.
type BeforeSend func(data []byte) []byte

// HandlerFuncs adapts functions to Handler and Notifier. Nil fields are
// no-ops.
type HandlerFuncs struct {
	Open    func(ctx Context)
	Message func(ctx Context, data []byte)
	Closed  func(ctx Context, err error)
	Notify  func(ctx Context, token uint64)
}

// OnOpen calls Open.
func (h HandlerFuncs) OnOpen(ctx Context) {
	if h.Open != nil {
		h.Open(ctx)
	}
}

// OnMessage calls Message.
func (h HandlerFuncs) OnMessage(ctx Context, data []byte) {
	if h.Message != nil {
		h.Message(ctx, data)
	}
}

// OnClose calls Closed.
func (h HandlerFuncs) OnClose(ctx Context, err error) {
	if h.Closed != nil {
		h.Closed(ctx, err)
	}
}

// OnNotify calls Notify.
func (h HandlerFuncs) OnNotify(ctx Context, token uint64) {
	if h.Notify != nil {
		h.Notify(ctx, token)
	}
}

var (
	_ Handler  = HandlerFuncs{}
	_ Notifier = HandlerFuncs{}
)
