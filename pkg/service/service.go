package service

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/tentacle-p2p/tentacle-go/pkg/mux"
	"github.com/tentacle-p2p/tentacle-go/pkg/protocol"
	"github.com/tentacle-p2p/tentacle-go/pkg/secio"
	"github.com/tentacle-p2p/tentacle-go/pkg/transport"
)

// SessionOptions configures one Establish or Dial.
type SessionOptions struct {
	// ExpectedPeer pins the remote identity when non-zero.
	ExpectedPeer secio.PeerID

	// RemoteAddr is recorded on the session and its events.
	RemoteAddr string

	// Protocols are opened once the session is established. Failures are
	// logged and do not close the session.
	Protocols []protocol.ID
}

// Service owns the sessions of one local identity.
type Service struct {
	cfg      Config
	registry *protocol.Registry
	logger   *slog.Logger
	bus      *eventBus

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[uint64]*Session
	byPeer   map[secio.PeerID]*Session
	pending  int
	nextID   uint64
	servers  []*transport.Server
	closed   bool

	// protocols holds the service-wide handlers; fixed after New.
	protocols map[protocol.ID]*protocolService
}

// New creates a service. The registry is frozen; protocols must be
// registered beforehand.
func New(cfg Config, registry *protocol.Registry) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if registry == nil {
		return nil, fmt.Errorf("%w: nil registry", ErrInvalidConfig)
	}
	cfg.applyDefaults()
	registry.Freeze()

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:       cfg,
		registry:  registry,
		logger:    cfg.Logger.With("peer_id", cfg.Secio.KeyPair.PeerID().Short()),
		bus:       newEventBus(),
		ctx:       ctx,
		cancel:    cancel,
		sessions:  make(map[uint64]*Session),
		byPeer:    make(map[secio.PeerID]*Session),
		nextID:    1,
		protocols: make(map[protocol.ID]*protocolService),
	}
	for _, meta := range registry.Metas() {
		if h, ok := registry.ServiceHandler(meta.ID); ok {
			s.protocols[meta.ID] = startProtocolService(s, meta, h)
		}
	}
	return s, nil
}

// LocalPeer returns the local identity.
func (s *Service) LocalPeer() secio.PeerID { return s.cfg.Secio.KeyPair.PeerID() }

// Registry returns the protocol registry.
func (s *Service) Registry() *protocol.Registry { return s.registry }

// OnEvent registers an event handler. Handlers run on one goroutine in
// event order and must not block for long.
func (s *Service) OnEvent(handler EventHandler) {
	s.bus.subscribe(handler)
}

// Establish runs the secure handshake over conn and registers the
// resulting session. The service owns conn from this call on; it is
// closed on failure.
func (s *Service) Establish(ctx context.Context, conn io.ReadWriteCloser, dir Direction, opts SessionOptions) (*Session, error) {
	if dir != DirectionOutbound && dir != DirectionInbound {
		conn.Close()
		return nil, fmt.Errorf("invalid direction %d", dir)
	}
	if err := s.reservePending(); err != nil {
		conn.Close()
		return nil, err
	}
	reserved := true
	defer func() {
		if reserved {
			s.releasePending()
		}
	}()

	hctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	connID := uuid.New().String()
	logger := s.logger.With("conn_id", connID, "direction", dir.String(), "remote", opts.RemoteAddr)

	secioCfg := s.cfg.Secio
	secioCfg.ExpectedPeer = opts.ExpectedPeer
	secioCfg.ConnectionID = connID
	secioCfg.ProtocolLogger = s.cfg.ProtocolLogger

	secure, err := secio.Handshake(hctx, conn, dir.secioRole(), secioCfg)
	if err != nil {
		if s.ctx.Err() != nil {
			err = fmt.Errorf("%w: %w", ErrServiceClosed, err)
		}
		logger.Debug("handshake failed", "error", err)
		recordHandshakeFailed()
		s.bus.emit(Event{
			Type:       EventHandshakeFailed,
			PeerID:     opts.ExpectedPeer,
			RemoteAddr: opts.RemoteAddr,
			Direction:  dir,
			Error:      err,
		})
		return nil, fmt.Errorf("handshake: %w", err)
	}

	sess, err := s.register(secure, dir, connID, opts.RemoteAddr, logger)
	reserved = false
	if err != nil {
		secure.Close()
		logger.Debug("session refused", "peer", secure.RemotePeer().Short(), "error", err)
		return nil, err
	}

	logger.Info("session established",
		"session_id", sess.id,
		"peer", sess.RemotePeer().Short(),
		"cipher", secure.Cipher())
	// Emitted before any stream or close event of this session can be.
	sess.emit(Event{Type: EventSessionEstablished})

	sess.dispatcher.serve()
	go sess.watch()

	for _, id := range opts.Protocols {
		if _, err := sess.OpenProtocol(ctx, id); err != nil {
			logger.Warn("failed to open protocol", "protocol_id", id, "error", err)
		}
	}
	return sess, nil
}

func (s *Service) reservePending() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrServiceClosed
	}
	if s.cfg.MaxSessions > 0 && len(s.sessions)+s.pending >= s.cfg.MaxSessions {
		return ErrMaxSessions
	}
	s.pending++
	return nil
}

func (s *Service) releasePending() {
	s.mu.Lock()
	s.pending--
	s.mu.Unlock()
}

// register turns a pending slot into a session.
func (s *Service) register(secure *secio.SecureConn, dir Direction, connID, remoteAddr string, logger *slog.Logger) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending--

	if s.closed {
		return nil, ErrServiceClosed
	}
	peer := secure.RemotePeer()
	if _, ok := s.byPeer[peer]; ok {
		return nil, fmt.Errorf("%w: %s", ErrRepeatedConnection, peer.Short())
	}

	muxCfg := s.cfg.Mux
	muxCfg.ConnectionID = connID
	muxCfg.Logger = logger
	muxCfg.ProtocolLogger = s.cfg.ProtocolLogger
	ms, err := mux.NewSession(secure, dir.muxRole(), muxCfg)
	if err != nil {
		return nil, err
	}

	sess := &Session{
		id:          s.nextID,
		direction:   dir,
		remoteAddr:  remoteAddr,
		connID:      connID,
		established: time.Now(),
		svc:         s,
		secure:      secure,
		mux:         ms,
		logger:      logger,
		done:        make(chan struct{}),
	}
	s.nextID++
	sess.dispatcher = newDispatcher(sess, s.registry, logger)

	s.sessions[sess.id] = sess
	s.byPeer[peer] = sess
	recordSessions(len(s.sessions))
	return sess, nil
}

func (s *Service) unregister(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sess.id)
	if s.byPeer[sess.RemotePeer()] == sess {
		delete(s.byPeer, sess.RemotePeer())
	}
	recordSessions(len(s.sessions))
}

// Dial connects to address and establishes an outbound session.
func (s *Service) Dial(ctx context.Context, address string, opts SessionOptions) (*Session, error) {
	if s.ctx.Err() != nil {
		return nil, ErrServiceClosed
	}
	if !opts.ExpectedPeer.IsZero() {
		if _, ok := s.SessionByPeer(opts.ExpectedPeer); ok {
			return nil, fmt.Errorf("%w: %s", ErrRepeatedConnection, opts.ExpectedPeer.Short())
		}
	}

	conn, err := s.cfg.Dialer.Dial(ctx, address)
	if err != nil {
		return nil, err
	}
	if opts.RemoteAddr == "" {
		opts.RemoteAddr = address
	}
	return s.Establish(ctx, conn, DirectionOutbound, opts)
}

// Listen accepts inbound sessions on address until Shutdown. It returns
// the bound address.
func (s *Service) Listen(address string) (net.Addr, error) {
	srv, err := s.startServer(transport.ServerConfig{Address: address})
	if err != nil {
		return nil, err
	}
	return srv.Addr(), nil
}

// Serve accepts inbound sessions on ln until ctx is done or the service
// shuts down. ln is closed on return.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	srv, err := s.startServer(transport.ServerConfig{Listener: ln})
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		s.removeServer(srv)
		if err := srv.Stop(); err != nil {
			s.logger.Debug("stop listener", "error", err)
		}
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrServiceClosed
	}
}

func (s *Service) startServer(cfg transport.ServerConfig) (*transport.Server, error) {
	cfg.Logger = s.logger
	cfg.OnConnect = s.onConnect
	cfg.OnError = func(err error) {
		s.logger.Warn("listener error", "error", err)
	}
	srv, err := transport.NewServer(cfg)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrServiceClosed
	}
	if err := srv.Start(s.ctx); err != nil {
		return nil, err
	}
	s.servers = append(s.servers, srv)
	return srv, nil
}

func (s *Service) removeServer(srv *transport.Server) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.servers = slices.DeleteFunc(s.servers, func(x *transport.Server) bool { return x == srv })
}

func (s *Service) onConnect(ctx context.Context, conn net.Conn) {
	opts := SessionOptions{RemoteAddr: conn.RemoteAddr().String()}
	if _, err := s.Establish(ctx, conn, DirectionInbound, opts); err != nil {
		s.logger.Debug("inbound connection failed", "remote", opts.RemoteAddr, "error", err)
	}
}

// Session returns the session with id.
func (s *Service) Session(id uint64) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// SessionByPeer returns the session to peer.
func (s *Service) SessionByPeer(peer secio.PeerID) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byPeer[peer]
	return sess, ok
}

// Sessions returns the established sessions ordered by id.
func (s *Service) Sessions() []*Session {
	s.mu.Lock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	s.mu.Unlock()

	slices.SortFunc(out, func(a, b *Session) int { return cmp.Compare(a.id, b.id) })
	return out
}

// Disconnect closes the session with id.
func (s *Service) Disconnect(id uint64) error {
	sess, ok := s.Session(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrSessionNotFound, id)
	}
	return sess.Close()
}

// SendMessage sends data on protocol id to the target sessions. With
// TargetAll, sessions without the protocol open are skipped.
func (s *Service) SendMessage(target TargetSession, id protocol.ID, data []byte) error {
	return s.sendMessage(target, id, data, mux.PriorityNormal)
}

// QuickSendMessage is SendMessage with each message queued ahead of other
// streams' pending data.
func (s *Service) QuickSendMessage(target TargetSession, id protocol.ID, data []byte) error {
	return s.sendMessage(target, id, data, mux.PriorityHigh)
}

func (s *Service) sendMessage(target TargetSession, id protocol.ID, data []byte, priority mux.Priority) error {
	data = s.beforeSend(id, data)
	var result *multierror.Error

	if target.IsAll() {
		for _, sess := range s.Sessions() {
			err := sess.send(id, data, priority)
			if err != nil && !errors.Is(err, ErrProtocolNotOpen) {
				result = multierror.Append(result, fmt.Errorf("session %d: %w", sess.id, err))
			}
		}
		return result.ErrorOrNil()
	}

	for _, sid := range target.IDs() {
		sess, ok := s.Session(sid)
		if !ok {
			result = multierror.Append(result, fmt.Errorf("%w: %d", ErrSessionNotFound, sid))
			continue
		}
		if err := sess.send(id, data, priority); err != nil {
			result = multierror.Append(result, fmt.Errorf("session %d: %w", sid, err))
		}
	}
	return result.ErrorOrNil()
}

// beforeSend applies the protocol's registered outgoing transform.
func (s *Service) beforeSend(id protocol.ID, data []byte) []byte {
	if fn := s.registry.BeforeSend(id); fn != nil {
		return fn(data)
	}
	return data
}

// Shutdown stops listeners, closes every session and waits for their
// handlers to return or ctx to end. Handshakes in progress are aborted.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	servers := s.servers
	s.servers = nil
	s.mu.Unlock()

	s.cancel()

	var result *multierror.Error
	for _, srv := range servers {
		if err := srv.Stop(); err != nil {
			result = multierror.Append(result, err)
		}
	}

	sessions := s.Sessions()
	for _, sess := range sessions {
		sess.Close()
	}
	for _, sess := range sessions {
		select {
		case <-sess.Done():
		case <-ctx.Done():
			result = multierror.Append(result, fmt.Errorf("session %d: %w", sess.id, ctx.Err()))
		}
	}

	for _, ps := range s.protocols {
		if err := ps.stop(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("protocol %s: %w", ps.meta, err))
		}
	}

	s.bus.close()
	s.logger.Info("service stopped", "sessions", len(sessions))
	return result.ErrorOrNil()
}
