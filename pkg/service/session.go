package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tentacle-p2p/tentacle-go/pkg/mux"
	"github.com/tentacle-p2p/tentacle-go/pkg/protocol"
	"github.com/tentacle-p2p/tentacle-go/pkg/secio"
)

// Session is an established, authenticated connection to one peer.
type Session struct {
	id          uint64
	direction   Direction
	remoteAddr  string
	connID      string
	established time.Time

	svc        *Service
	secure     *secio.SecureConn
	mux        *mux.Session
	dispatcher *Dispatcher
	logger     *slog.Logger

	done chan struct{}
}

// SessionStats is a snapshot of a session.
type SessionStats struct {
	mux.Stats

	// Protocols is the number of open protocol streams.
	Protocols int

	// Established is when the handshake completed.
	Established time.Time
}

// ID returns the service-unique session id.
func (s *Session) ID() uint64 { return s.id }

// Direction returns who initiated the session.
func (s *Session) Direction() Direction { return s.direction }

// RemotePeer returns the peer's verified identity.
func (s *Session) RemotePeer() secio.PeerID { return s.secure.RemotePeer() }

// RemoteAddr returns the transport address of the peer, if known.
func (s *Session) RemoteAddr() string { return s.remoteAddr }

// ConnectionID returns the id stamped on protocol log events.
func (s *Session) ConnectionID() string { return s.connID }

// Cipher returns the negotiated record cipher.
func (s *Session) Cipher() string { return s.secure.Cipher() }

// OpenProtocol opens a stream for protocol id and starts its handler.
func (s *Session) OpenProtocol(ctx context.Context, id protocol.ID) (*StreamHandle, error) {
	return s.dispatcher.Open(ctx, id)
}

// Protocols returns the open protocol streams ordered by stream id.
func (s *Session) Protocols() []*StreamHandle {
	return s.dispatcher.openHandles()
}

// Send writes data on the oldest open stream of protocol id.
func (s *Session) Send(id protocol.ID, data []byte) error {
	return s.send(id, s.svc.beforeSend(id, data), mux.PriorityNormal)
}

// QuickSend is Send with the message queued ahead of other streams'
// pending data.
func (s *Session) QuickSend(id protocol.ID, data []byte) error {
	return s.send(id, s.svc.beforeSend(id, data), mux.PriorityHigh)
}

func (s *Session) send(id protocol.ID, data []byte, priority mux.Priority) error {
	h, ok := s.dispatcher.handleFor(id)
	if !ok {
		return fmt.Errorf("%w: %d on session %d", ErrProtocolNotOpen, id, s.id)
	}
	return h.write(data, priority)
}

// GoAway stops new streams; the session closes once existing streams end.
func (s *Session) GoAway() error {
	return s.mux.GoAway(mux.GoAwayNormal)
}

// Close ends the session. Handlers see their streams fail and run
// OnClose; Done is closed after they have all returned.
func (s *Session) Close() error {
	return s.mux.Close()
}

// Done is closed after the session ended and every handler returned.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns why the session ended, a *mux.CloseError, or nil while open.
func (s *Session) Err() error { return s.mux.Err() }

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() SessionStats {
	return SessionStats{
		Stats:       s.mux.Stats(),
		Protocols:   len(s.dispatcher.openHandles()),
		Established: s.established,
	}
}

// emit stamps the session's identity on e and publishes it.
func (s *Session) emit(e Event) {
	e.SessionID = s.id
	e.PeerID = s.RemotePeer()
	e.RemoteAddr = s.remoteAddr
	e.Direction = s.direction
	s.svc.bus.emit(e)
}

// watch waits for the session to end, then unregisters it.
func (s *Session) watch() {
	<-s.mux.Done()
	s.dispatcher.wait()

	s.svc.unregister(s)

	err := s.mux.Err()
	reason, _ := mux.ReasonOf(err)
	s.logger.Debug("session closed", "reason", reason.String(), "error", err)
	s.emit(Event{
		Type:   EventSessionClosed,
		Reason: reason,
		Error:  err,
	})
	close(s.done)
}
