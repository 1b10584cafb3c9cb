package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
)

const (
	// DefaultPort is the default listen port.
	DefaultPort = 1337

	// DefaultMaxPendingConnections bounds concurrent connection setup.
	DefaultMaxPendingConnections = 128

	maxAcceptDelay = time.Second
)

// Server errors.
var (
	ErrServerRunning = errors.New("server already running")
	ErrNoHandler     = errors.New("OnConnect handler is required")
)

// ServerConfig configures a Server.
type ServerConfig struct {
	// Address to listen on (e.g., ":1337" or "127.0.0.1:0").
	Address string

	// Listener is an already bound listener. If set, Address is ignored.
	Listener net.Listener

	// MaxPendingConnections bounds connections inside OnConnect; extra
	// connections are closed immediately (default: 128).
	MaxPendingConnections int

	// Logger is the optional logger. If nil, logging is disabled.
	Logger *slog.Logger

	// OnConnect is called on its own goroutine for each accepted
	// connection. ctx is cancelled by Stop.
	OnConnect func(ctx context.Context, conn net.Conn)

	// OnError is called for accept errors.
	OnError func(err error)
}

// Server is a TCP accept loop.
type Server struct {
	config   ServerConfig
	logger   *slog.Logger
	listener net.Listener

	conns   map[net.Conn]struct{}
	connsMu sync.Mutex

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewServer creates a server.
func NewServer(config ServerConfig) (*Server, error) {
	if config.OnConnect == nil {
		return nil, ErrNoHandler
	}
	if config.Address == "" {
		config.Address = fmt.Sprintf(":%d", DefaultPort)
	}
	if config.MaxPendingConnections <= 0 {
		config.MaxPendingConnections = DefaultMaxPendingConnections
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		config: config,
		logger: logger,
		conns:  make(map[net.Conn]struct{}),
	}, nil
}

// Start starts listening and accepting connections.
func (s *Server) Start(ctx context.Context) error {
	if s.running.Load() {
		return ErrServerRunning
	}

	listener := s.config.Listener
	if listener == nil {
		var lc net.ListenConfig
		var err error
		listener, err = lc.Listen(ctx, "tcp", s.config.Address)
		if err != nil {
			return fmt.Errorf("failed to listen: %w", err)
		}
	}
	s.listener = listener
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running.Store(true)

	s.wg.Add(1)
	go s.acceptLoop()

	s.logger.Info("listening", "addr", listener.Addr().String())
	return nil
}

// Stop closes the listener and every connection still inside OnConnect,
// then waits for the accept loop and handlers.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}
	s.cancel()

	var result *multierror.Error
	if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		result = multierror.Append(result, fmt.Errorf("close listener: %w", err))
	}

	s.connsMu.Lock()
	for conn := range s.conns {
		if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			result = multierror.Append(result, fmt.Errorf("close %s: %w", conn.RemoteAddr(), err))
		}
	}
	s.connsMu.Unlock()

	s.wg.Wait()
	return result.ErrorOrNil()
}

// Addr returns the listen address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// ConnectionCount returns the number of connections inside OnConnect.
func (s *Server) ConnectionCount() int {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	return len(s.conns)
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	var delay time.Duration
	for s.running.Load() {
		conn, err := s.listener.Accept()
		if err != nil {
			if !s.running.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			if s.config.OnError != nil {
				s.config.OnError(fmt.Errorf("accept error: %w", err))
			}
			// Back off on repeated failures, e.g. file descriptor exhaustion.
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else {
				delay = min(2*delay, maxAcceptDelay)
			}
			select {
			case <-time.After(delay):
			case <-s.ctx.Done():
				return
			}
			continue
		}
		delay = 0

		if !s.track(conn) {
			s.logger.Warn("too many pending connections, closing", "remote", conn.RemoteAddr().String())
			conn.Close()
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// track registers conn unless the pending limit is reached.
func (s *Server) track(conn net.Conn) bool {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	if len(s.conns) >= s.config.MaxPendingConnections {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.connsMu.Lock()
		delete(s.conns, conn)
		s.connsMu.Unlock()
	}()

	s.logger.Debug("accepted connection", "remote", conn.RemoteAddr().String())
	s.config.OnConnect(s.ctx, conn)
}
