package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/tentacle-p2p/tentacle-go/cmd/tentacle-node/interactive"
	"github.com/tentacle-p2p/tentacle-go/pkg/config"
	"github.com/tentacle-p2p/tentacle-go/pkg/connection"
	"github.com/tentacle-p2p/tentacle-go/pkg/discovery"
	"github.com/tentacle-p2p/tentacle-go/pkg/log"
	"github.com/tentacle-p2p/tentacle-go/pkg/protocol"
	"github.com/tentacle-p2p/tentacle-go/pkg/protocols/ping"
	"github.com/tentacle-p2p/tentacle-go/pkg/secio"
	"github.com/tentacle-p2p/tentacle-go/pkg/service"
)

// Node wires the service, the ping protocol, bootnode redialing and mDNS
// discovery together.
type Node struct {
	cfg    *config.Config
	kp     *secio.KeyPair
	logger *slog.Logger

	svc  *service.Service
	ping *ping.Service
	chat *chatPrinter
	book *discovery.PeerBook
	adv  *discovery.Advertiser

	listenAddr net.Addr

	mu       sync.Mutex
	managers []*bootnode
	dialing  map[secio.PeerID]bool
}

type bootnode struct {
	target config.Bootnode
	mgr    *connection.Manager
}

// NewNode creates the node's service and registers its protocols.
func NewNode(cfg *config.Config, kp *secio.KeyPair, logger *slog.Logger, plog log.Logger) (*Node, error) {
	n := &Node{
		cfg:     cfg,
		kp:      kp,
		logger:  logger,
		chat:    &chatPrinter{out: os.Stdout},
		dialing: make(map[secio.PeerID]bool),
	}

	n.ping = ping.New(ping.Config{
		Logger:    logger,
		OnTimeout: n.pingTimeout,
	})

	reg := protocol.NewRegistry()
	if err := n.ping.Register(reg); err != nil {
		return nil, err
	}
	if err := reg.Register(chatMeta(), n.chat.factory); err != nil {
		return nil, err
	}

	svcCfg := cfg.ServiceConfig(kp)
	svcCfg.Logger = logger
	svcCfg.ProtocolLogger = plog
	svc, err := service.New(svcCfg, reg)
	if err != nil {
		return nil, err
	}
	n.svc = svc
	svc.OnEvent(n.handleEvent)

	book, err := discovery.NewPeerBook(discovery.DefaultPeerBookSize)
	if err != nil {
		return nil, err
	}
	n.book = book
	return n, nil
}

// Start listens, starts bootnode managers and mDNS discovery.
func (n *Node) Start(ctx context.Context) error {
	if n.cfg.Listen != "" {
		addr, err := n.svc.Listen(n.cfg.Listen)
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		n.listenAddr = addr
	}

	bootnodes, err := n.cfg.ParsedBootnodes()
	if err != nil {
		return err
	}
	for _, b := range bootnodes {
		n.startBootnode(b)
	}

	if n.cfg.MDNS.Enabled {
		if err := n.startDiscovery(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Stop shuts everything down.
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	managers := slices.Clone(n.managers)
	n.mu.Unlock()
	for _, b := range managers {
		b.mgr.Close()
	}
	if n.adv != nil {
		n.adv.Stop()
	}
	return n.svc.Shutdown(ctx)
}

// SetOutput redirects chat output.
func (n *Node) SetOutput(w io.Writer) { n.chat.setOutput(w) }

// LocalPeer returns the node's identity.
func (n *Node) LocalPeer() secio.PeerID { return n.kp.PeerID() }

// ListenAddr returns the bound listen address, or "" when not listening.
func (n *Node) ListenAddr() string {
	if n.listenAddr == nil {
		return ""
	}
	return n.listenAddr.String()
}

// Sessions returns the established sessions.
func (n *Node) Sessions() []*service.Session { return n.svc.Sessions() }

// Peers returns peers discovered on the local network.
func (n *Node) Peers() []discovery.Peer { return n.book.Peers() }

// PingStat returns the latest ping measurement for peer.
func (n *Node) PingStat(peer secio.PeerID) (ping.Stat, bool) { return n.ping.Stat(peer) }

// Bootnodes reports the redial state of each bootnode.
func (n *Node) Bootnodes() []interactive.BootnodeStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]interactive.BootnodeStatus, 0, len(n.managers))
	for _, b := range n.managers {
		out = append(out, interactive.BootnodeStatus{
			Target:    b.target.String(),
			State:     b.mgr.State().String(),
			Attempts:  b.mgr.Attempts(),
			LastError: b.mgr.LastError(),
		})
	}
	return out
}

// Dial connects to "peer@host:port" or "host:port".
func (n *Node) Dial(ctx context.Context, target string) (*service.Session, error) {
	b, err := config.ParseBootnode(target)
	if err != nil {
		return nil, err
	}
	return n.svc.Dial(ctx, b.Address, n.sessionOptions(b.Peer))
}

// Disconnect closes a session.
func (n *Node) Disconnect(id uint64) error { return n.svc.Disconnect(id) }

// Chat sends a line to the target sessions.
func (n *Node) Chat(target service.TargetSession, text string) error {
	return n.svc.SendMessage(target, ChatProtocolID, []byte(text))
}

func (n *Node) sessionOptions(peer secio.PeerID) service.SessionOptions {
	return service.SessionOptions{
		ExpectedPeer: peer,
		Protocols:    []protocol.ID{ping.ProtocolID, ChatProtocolID},
	}
}

func (n *Node) startBootnode(b config.Bootnode) {
	dial := func(ctx context.Context) (connection.Link, error) {
		if !b.Peer.IsZero() {
			if sess, ok := n.svc.SessionByPeer(b.Peer); ok {
				return sess, nil
			}
		}
		sess, err := n.svc.Dial(ctx, b.Address, n.sessionOptions(b.Peer))
		if err != nil {
			return nil, err
		}
		return sess, nil
	}

	backoff := n.cfg.BackoffConfig()
	mgr := connection.NewManager(dial, connection.ManagerConfig{
		Name:    b.String(),
		Backoff: backoff,
		Logger:  n.logger,
	})
	mgr.OnBackoff(func(attempt int, delay time.Duration, err error) {
		n.logger.Debug("Bootnode redial scheduled", "target", b.Address, "attempt", attempt, "delay", delay, "error", err)
	})

	n.mu.Lock()
	n.managers = append(n.managers, &bootnode{target: b, mgr: mgr})
	n.mu.Unlock()
	mgr.Start()
}

func (n *Node) startDiscovery(ctx context.Context) error {
	port := 0
	if tcp, ok := n.listenAddr.(*net.TCPAddr); ok {
		port = tcp.Port
	}
	if port != 0 {
		n.adv = discovery.NewAdvertiser(discovery.AdvertiserConfig{Interface: n.cfg.MDNS.Interface})
		info := discovery.Info{
			PeerID:    n.LocalPeer(),
			Port:      uint16(port),
			Protocols: n.protocolNames(),
		}
		if err := n.adv.Advertise(info); err != nil {
			return fmt.Errorf("mdns advertise: %w", err)
		}
	}

	browser := discovery.NewBrowser(discovery.BrowserConfig{
		Interface: n.cfg.MDNS.Interface,
		Self:      n.LocalPeer(),
		Book:      n.book,
		Logger:    n.logger,
	})
	events, err := browser.Browse(ctx)
	if err != nil {
		return fmt.Errorf("mdns browse: %w", err)
	}
	go func() {
		for e := range events {
			if e.Type == discovery.PeerFound {
				go n.dialDiscovered(ctx, e.Peer)
			}
		}
	}()
	return nil
}

// dialDiscovered tries each address of a discovered peer until a session
// is up. The lower peer id dials so two nodes don't race each other.
func (n *Node) dialDiscovered(ctx context.Context, p discovery.Peer) {
	local := n.LocalPeer()
	if bytes.Compare(local[:], p.PeerID[:]) > 0 {
		return
	}
	if _, ok := n.svc.SessionByPeer(p.PeerID); ok {
		return
	}

	n.mu.Lock()
	if n.dialing[p.PeerID] {
		n.mu.Unlock()
		return
	}
	n.dialing[p.PeerID] = true
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		delete(n.dialing, p.PeerID)
		n.mu.Unlock()
	}()

	var errs error
	for _, addr := range p.DialAddresses() {
		_, err := n.svc.Dial(ctx, addr, n.sessionOptions(p.PeerID))
		if err == nil || errors.Is(err, service.ErrRepeatedConnection) {
			return
		}
		errs = multierror.Append(errs, err)
	}
	if errs != nil {
		n.logger.Debug("Discovered peer unreachable", "peer", p.PeerID.Short(), "error", errs)
	}
}

func (n *Node) protocolNames() []string {
	metas := n.svc.Registry().Metas()
	names := make([]string, 0, len(metas))
	for _, m := range metas {
		names = append(names, m.Name)
	}
	return names
}

func (n *Node) pingTimeout(peer secio.PeerID, sessionID uint64) {
	n.logger.Warn("Peer stopped answering pings", "peer", peer.Short(), "session", sessionID)
	if err := n.svc.Disconnect(sessionID); err != nil && !errors.Is(err, service.ErrSessionNotFound) {
		n.logger.Debug("Disconnect failed", "session", sessionID, "error", err)
	}
}

func (n *Node) handleEvent(e service.Event) {
	switch e.Type {
	case service.EventSessionEstablished:
		n.logger.Info("Session established", "session", e.SessionID, "peer", e.PeerID.Short(),
			"addr", e.RemoteAddr, "direction", e.Direction)
	case service.EventSessionClosed:
		n.logger.Info("Session closed", "session", e.SessionID, "peer", e.PeerID.Short(),
			"reason", e.Reason, "error", e.Error)
	case service.EventHandshakeFailed:
		n.logger.Warn("Handshake failed", "addr", e.RemoteAddr, "error", e.Error)
	case service.EventProtocolRejected:
		n.logger.Debug("Protocol rejected", "session", e.SessionID, "protocol", e.ProtocolID, "error", e.Error)
	case service.EventProtocolOpened, service.EventProtocolClosed:
		n.logger.Debug(e.Type.String(), "session", e.SessionID, "protocol", e.ProtocolID)
	}
}
