package mux

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tentacle-p2p/tentacle-go/pkg/frame"
)

const waitTimeout = 3 * time.Second

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.CloseTimeout = 200 * time.Millisecond
	return cfg
}

// newSessionPair connects an initiator and a responder over net.Pipe.
func newSessionPair(t *testing.T, initCfg, respCfg Config) (*Session, *Session) {
	t.Helper()
	a, b := net.Pipe()
	initiator, err := NewSession(a, RoleInitiator, initCfg)
	require.NoError(t, err)
	responder, err := NewSession(b, RoleResponder, respCfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		initiator.Close()
		responder.Close()
	})
	return initiator, responder
}

// rawPeer drives a session with hand-built frames.
type rawPeer struct {
	t      *testing.T
	conn   net.Conn
	w      *frame.Writer
	frames chan frame.Frame
}

// newRawPeer starts a session with the given role on one end of a pipe
// and returns a raw peer on the other end.
func newRawPeer(t *testing.T, role Role, cfg Config) (*Session, *rawPeer) {
	t.Helper()
	a, b := net.Pipe()
	sess, err := NewSession(a, role, cfg)
	require.NoError(t, err)

	p := &rawPeer{
		t:      t,
		conn:   b,
		w:      frame.NewWriter(b, frame.MaxLength),
		frames: make(chan frame.Frame, 1024),
	}
	go func() {
		defer close(p.frames)
		fr := frame.NewReader(b, frame.MaxLength)
		for {
			f, err := fr.ReadFrame()
			if err != nil {
				return
			}
			p.frames <- f
		}
	}()
	t.Cleanup(func() {
		sess.Close()
		b.Close()
	})
	return sess, p
}

func (p *rawPeer) send(f frame.Frame) {
	p.t.Helper()
	require.NoError(p.t, p.w.WriteFrame(f))
}

// expect returns the next frame, failing unless it has the given type.
func (p *rawPeer) expect(typ frame.Type) frame.Frame {
	p.t.Helper()
	select {
	case f, ok := <-p.frames:
		require.True(p.t, ok, "connection closed while waiting for %s", typ)
		require.Equal(p.t, typ, f.Type, "got %s", f)
		return f
	case <-time.After(waitTimeout):
		p.t.Fatalf("timed out waiting for %s", typ)
		return frame.Frame{}
	}
}

// expectNone fails if any frame arrives within d.
func (p *rawPeer) expectNone(d time.Duration) {
	p.t.Helper()
	select {
	case f, ok := <-p.frames:
		if ok {
			p.t.Fatalf("unexpected frame %s", f)
		}
	case <-time.After(d):
	}
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(waitTimeout):
		t.Fatal("session did not close")
	}
}

func requireReason(t *testing.T, s *Session, want CloseReason) {
	t.Helper()
	waitDone(t, s)
	got, ok := ReasonOf(s.Err())
	require.True(t, ok, "session error %v is not a CloseError", s.Err())
	require.Equal(t, want, got, "session error: %v", s.Err())
}
