package ping

import (
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/armon/go-metrics"

	"github.com/tentacle-p2p/tentacle-go/pkg/protocol"
	"github.com/tentacle-p2p/tentacle-go/pkg/secio"
)

// Protocol defaults.
const (
	ProtocolID      protocol.ID = 1
	ProtocolName                = "/tentacle/ping"
	ProtocolVersion             = "1"

	DefaultInterval = 15 * time.Second
	DefaultTimeout  = 30 * time.Second
)

const tickToken uint64 = 1

var (
	metricRTT     = []string{"tentacle", "ping", "rtt"}
	metricTimeout = []string{"tentacle", "ping", "timeout"}
)

// Meta returns the protocol description.
func Meta() protocol.Meta {
	return protocol.Meta{ID: ProtocolID, Name: ProtocolName, Versions: []string{ProtocolVersion}}
}

// Config configures a Service.
type Config struct {
	// Interval between pings (default: 15s).
	Interval time.Duration

	// Timeout for an outstanding ping (default: 30s).
	Timeout time.Duration

	// OnLatency is called with each measured round trip (optional).
	OnLatency func(peer secio.PeerID, rtt time.Duration)

	// OnTimeout is called when a peer stops answering (optional).
	OnTimeout func(peer secio.PeerID, sessionID uint64)

	// Logger is the optional logger for debug output.
	Logger *slog.Logger
}

// Stat is the latest measurement for a peer.
type Stat struct {
	RTT      time.Duration
	LastPong time.Time
	Sent     uint64
	Received uint64
}

// Service tracks ping state across all sessions.
type Service struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	stats map[secio.PeerID]Stat
}

// New creates a ping service.
func New(cfg Config) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		stats:  make(map[secio.PeerID]Stat),
	}
}

// Register adds the protocol to reg.
func (s *Service) Register(reg *protocol.Registry) error {
	return reg.Register(Meta(), s.Factory)
}

// Factory returns a handler for a new stream.
func (s *Service) Factory() protocol.Handler {
	return &handler{svc: s}
}

// Stat returns the latest measurement for peer.
func (s *Service) Stat(peer secio.PeerID) (Stat, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stats[peer]
	return st, ok
}

// Stats returns a copy of all measurements.
func (s *Service) Stats() map[secio.PeerID]Stat {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[secio.PeerID]Stat, len(s.stats))
	for k, v := range s.stats {
		out[k] = v
	}
	return out
}

func (s *Service) update(peer secio.PeerID, fn func(*Stat)) {
	s.mu.Lock()
	st := s.stats[peer]
	fn(&st)
	s.stats[peer] = st
	s.mu.Unlock()
}

func (s *Service) forget(peer secio.PeerID) {
	s.mu.Lock()
	delete(s.stats, peer)
	s.mu.Unlock()
}

// handler runs on one stream.
type handler struct {
	svc *Service

	waiting bool
	nonce   uint32
	sentAt  time.Time
}

func (h *handler) OnOpen(ctx protocol.Context) {
	if err := ctx.SetNotify(h.svc.cfg.Interval, tickToken); err != nil {
		h.svc.logger.Debug("ping: notify failed", "peer", ctx.RemotePeer().Short(), "error", err)
		return
	}
	h.send(ctx)
}

func (h *handler) OnMessage(ctx protocol.Context, data []byte) {
	peer := ctx.RemotePeer()
	msg, err := Decode(data)
	if err != nil {
		h.svc.logger.Debug("ping: bad message", "peer", peer.Short(), "error", err)
		return
	}

	switch msg.Kind {
	case KindPing:
		// Pongs skip queued bulk data so the RTT reflects the link.
		pong, err := Message{Kind: KindPong, Nonce: msg.Nonce}.Encode()
		if err == nil {
			err = ctx.QuickSend(pong)
		}
		if err != nil {
			h.svc.logger.Debug("ping: pong failed", "peer", peer.Short(), "error", err)
		}

	case KindPong:
		if !h.waiting || msg.Nonce != h.nonce {
			return
		}
		h.waiting = false
		now := h.svc.now()
		rtt := now.Sub(h.sentAt)
		h.svc.update(peer, func(st *Stat) {
			st.RTT = rtt
			st.LastPong = now
			st.Received++
		})
		metrics.AddSample(metricRTT, float32(rtt.Milliseconds()))
		if h.svc.cfg.OnLatency != nil {
			h.svc.cfg.OnLatency(peer, rtt)
		}
	}
}

func (h *handler) OnNotify(ctx protocol.Context, token uint64) {
	if token != tickToken {
		return
	}
	if h.waiting {
		if h.svc.now().Sub(h.sentAt) < h.svc.cfg.Timeout {
			return
		}
		peer := ctx.RemotePeer()
		h.svc.logger.Debug("ping: timeout", "peer", peer.Short(), "session", ctx.SessionID())
		metrics.IncrCounter(metricTimeout, 1)
		ctx.RemoveNotify(tickToken)
		_ = ctx.Close()
		if h.svc.cfg.OnTimeout != nil {
			h.svc.cfg.OnTimeout(peer, ctx.SessionID())
		}
		return
	}
	h.send(ctx)
}

func (h *handler) OnClose(ctx protocol.Context, err error) {
	h.svc.forget(ctx.RemotePeer())
}

func (h *handler) send(ctx protocol.Context) {
	h.nonce = rand.Uint32()
	data, err := Message{Kind: KindPing, Nonce: h.nonce}.Encode()
	if err == nil {
		err = ctx.Send(data)
	}
	if err != nil {
		h.svc.logger.Debug("ping: send failed", "peer", ctx.RemotePeer().Short(), "error", err)
		return
	}
	h.waiting = true
	h.sentAt = h.svc.now()
	h.svc.update(ctx.RemotePeer(), func(st *Stat) { st.Sent++ })
}

var (
	_ protocol.Handler  = (*handler)(nil)
	_ protocol.Notifier = (*handler)(nil)
)
