package service

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tentacle-p2p/tentacle-go/pkg/protocol"
	"github.com/tentacle-p2p/tentacle-go/pkg/secio"
)

const waitTimeout = 5 * time.Second

const (
	echoID protocol.ID = 1
	sinkID protocol.ID = 2
)

func testConfig(t *testing.T) Config {
	t.Helper()
	kp, err := secio.GenerateKeyPair()
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.Secio.KeyPair = kp
	cfg.Mux.CloseTimeout = 200 * time.Millisecond
	return cfg
}

func newTestService(t *testing.T, cfg Config, reg *protocol.Registry) (*Service, *eventRecorder) {
	t.Helper()
	if reg == nil {
		reg = protocol.NewRegistry()
	}
	svc, err := New(cfg, reg)
	require.NoError(t, err)
	rec := newEventRecorder(svc)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		svc.Shutdown(ctx)
	})
	return svc, rec
}

// connect establishes a session between a (outbound) and b (inbound)
// over net.Pipe.
func connect(t *testing.T, a, b *Service) (*Session, *Session) {
	t.Helper()
	sa, sb, errA, errB := connectRaw(a, b)
	require.NoError(t, errA)
	require.NoError(t, errB)
	return sa, sb
}

func connectRaw(a, b *Service) (*Session, *Session, error, error) {
	return connectWith(a, b, SessionOptions{RemoteAddr: "pipe"})
}

// connectWith is connectRaw with the outbound side's options.
func connectWith(a, b *Service, outbound SessionOptions) (*Session, *Session, error, error) {
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	ca, cb := net.Pipe()
	type result struct {
		sess *Session
		err  error
	}
	inbound := make(chan result, 1)
	go func() {
		sess, err := b.Establish(ctx, cb, DirectionInbound, SessionOptions{RemoteAddr: "pipe"})
		inbound <- result{sess, err}
	}()
	sa, errA := a.Establish(ctx, ca, DirectionOutbound, outbound)
	r := <-inbound
	return sa, r.sess, errA, r.err
}

// eventRecorder buffers a service's events for assertions.
type eventRecorder struct {
	events chan Event
}

func newEventRecorder(svc *Service) *eventRecorder {
	r := &eventRecorder{events: make(chan Event, 1024)}
	svc.OnEvent(func(e Event) {
		select {
		case r.events <- e:
		default:
		}
	})
	return r
}

// next returns the next event of any type.
func (r *eventRecorder) next(t *testing.T) Event {
	t.Helper()
	select {
	case e := <-r.events:
		return e
	case <-time.After(waitTimeout):
		t.Fatal("timeout waiting for an event")
		return Event{}
	}
}

// waitFor returns the next event of typ, skipping others.
func (r *eventRecorder) waitFor(t *testing.T, typ EventType) Event {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case e := <-r.events:
			if e.Type == typ {
				return e
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %s", typ)
			return Event{}
		}
	}
}

// expectNone fails if an event of typ arrives within d.
func (r *eventRecorder) expectNone(t *testing.T, typ EventType, d time.Duration) {
	t.Helper()
	deadline := time.After(d)
	for {
		select {
		case e := <-r.events:
			if e.Type == typ {
				t.Fatalf("unexpected %s event: %+v", typ, e)
			}
		case <-deadline:
			return
		}
	}
}

// echoHandler sends every message back.
func echoHandler() protocol.Handler {
	return protocol.HandlerFuncs{
		Message: func(ctx protocol.Context, data []byte) {
			ctx.Send(data)
		},
	}
}

// sink collects messages and close errors of every stream it serves.
type sink struct {
	messages chan []byte
	opened   chan protocol.Context
	closed   chan error
}

func newSink() *sink {
	return &sink{
		messages: make(chan []byte, 64),
		opened:   make(chan protocol.Context, 16),
		closed:   make(chan error, 16),
	}
}

func (s *sink) factory() protocol.Handler {
	return protocol.HandlerFuncs{
		Open:    func(ctx protocol.Context) { s.opened <- ctx },
		Message: func(_ protocol.Context, data []byte) { s.messages <- data },
		Closed:  func(_ protocol.Context, err error) { s.closed <- err },
	}
}

func (s *sink) nextMessage(t *testing.T) []byte {
	t.Helper()
	select {
	case m := <-s.messages:
		return m
	case <-time.After(waitTimeout):
		t.Fatal("timeout waiting for message")
		return nil
	}
}

func (s *sink) nextClose(t *testing.T) error {
	t.Helper()
	select {
	case err := <-s.closed:
		return err
	case <-time.After(waitTimeout):
		t.Fatal("timeout waiting for close")
		return nil
	}
}

type entry struct {
	meta    protocol.Meta
	factory protocol.Factory
}

func registry(t *testing.T, entries ...entry) *protocol.Registry {
	t.Helper()
	reg := protocol.NewRegistry()
	for _, e := range entries {
		require.NoError(t, reg.Register(e.meta, e.factory))
	}
	return reg
}

func echoMeta() protocol.Meta {
	return protocol.Meta{ID: echoID, Name: "echo", Versions: []string{"1.0"}}
}

func sinkMeta() protocol.Meta {
	return protocol.Meta{ID: sinkID, Name: "sink", Versions: []string{"1.0"}}
}

func waitClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(waitTimeout):
		t.Fatal("timeout waiting for close")
	}
}
