package discovery

import (
	"context"
	"log/slog"
	"net"
	"strings"

	"github.com/enbility/zeroconf/v3"

	"github.com/tentacle-p2p/tentacle-go/pkg/secio"
)

// BrowserConfig configures browser behavior.
type BrowserConfig struct {
	// Interface specifies which network interface to use.
	// Empty string means all interfaces.
	Interface string

	// Self is skipped when seen on the network.
	Self secio.PeerID

	// Book receives every peer seen (optional).
	Book *PeerBook

	// Logger is the optional logger. If nil, logging is disabled.
	Logger *slog.Logger
}

// Browser watches the network for tentacle nodes.
type Browser struct {
	config BrowserConfig
	logger *slog.Logger
}

// NewBrowser creates a browser.
func NewBrowser(config BrowserConfig) *Browser {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Browser{config: config, logger: logger}
}

// Browse reports peers appearing and disappearing until ctx is done. The
// returned channel is closed when browsing stops.
func (b *Browser) Browse(ctx context.Context) (<-chan Event, error) {
	out := make(chan Event)
	entries := make(chan *zeroconf.ServiceEntry)
	removed := make(chan *zeroconf.ServiceEntry)

	var opts []zeroconf.ClientOption
	if ifaces := interfaces(b.config.Interface); ifaces != nil {
		opts = append(opts, zeroconf.SelectIfaces(ifaces))
	}

	go func() {
		defer close(out)
		t := newTracker(b.config.Self)
		for {
			var events []Event
			select {
			case entry, ok := <-entries:
				if !ok {
					return
				}
				events = t.added(entryRecord(entry))
			case entry, ok := <-removed:
				if !ok {
					removed = nil
					continue
				}
				events = t.removed(entryRecord(entry))
			case <-ctx.Done():
				return
			}
			for _, e := range events {
				b.record(e)
				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	go func() {
		if err := zeroconf.Browse(ctx, ServiceType, Domain, entries, removed, opts...); err != nil {
			b.logger.Warn("mdns browse failed", "error", err)
		}
	}()

	return out, nil
}

func (b *Browser) record(e Event) {
	if b.config.Book == nil {
		return
	}
	switch e.Type {
	case PeerFound:
		b.config.Book.Observe(e.Peer)
	case PeerLost:
		b.config.Book.Remove(e.Peer.PeerID)
	}
}

// record is the part of a service entry the tracker needs.
type record struct {
	instance  string
	host      string
	port      int
	text      []string
	addresses []string
}

func entryRecord(entry *zeroconf.ServiceEntry) record {
	return record{
		instance:  entry.Instance,
		host:      entry.HostName,
		port:      entry.Port,
		text:      entry.Text,
		addresses: ipStrings(entry.AddrIPv4, entry.AddrIPv6),
	}
}

func ipStrings(groups ...[]net.IP) []string {
	var out []string
	for _, ips := range groups {
		for _, ip := range ips {
			out = append(out, ip.String())
		}
	}
	return out
}

// tracker aggregates entries per instance. An instance is reported found
// once and lost when its last address goes away.
type tracker struct {
	self  secio.PeerID
	peers map[string]*Peer
}

func newTracker(self secio.PeerID) *tracker {
	return &tracker{self: self, peers: make(map[string]*Peer)}
}

func (t *tracker) added(r record) []Event {
	if !strings.HasPrefix(r.instance, InstancePrefix) {
		return nil
	}
	id, protocols, err := DecodeTXT(StringsToTXTRecords(r.text))
	if err != nil || id == t.self || r.port <= 0 || r.port > 65535 {
		return nil
	}

	if existing, ok := t.peers[r.instance]; ok {
		existing.Addresses = mergeAddresses(existing.Addresses, r.addresses)
		return nil
	}
	if len(r.addresses) == 0 {
		return nil
	}
	p := &Peer{
		PeerID:    id,
		Instance:  r.instance,
		Host:      r.host,
		Port:      uint16(r.port),
		Addresses: mergeAddresses(nil, r.addresses),
		Protocols: protocols,
	}
	t.peers[r.instance] = p
	return []Event{{Type: PeerFound, Peer: *p}}
}

func (t *tracker) removed(r record) []Event {
	p, ok := t.peers[r.instance]
	if !ok {
		return nil
	}
	p.Addresses = removeAddresses(p.Addresses, r.addresses)
	if len(p.Addresses) > 0 && len(r.addresses) > 0 {
		return nil
	}
	delete(t.peers, r.instance)
	return []Event{{Type: PeerLost, Peer: *p}}
}
