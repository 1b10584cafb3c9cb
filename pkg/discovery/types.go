package discovery

import (
	"errors"
	"net"
	"strconv"
	"time"

	"github.com/tentacle-p2p/tentacle-go/pkg/secio"
)

const (
	// ServiceType is the DNS-SD service type of tentacle nodes.
	ServiceType = "_tentacle._tcp"

	// Domain is the mDNS domain.
	Domain = "local."

	// InstancePrefix starts every advertised instance name.
	InstancePrefix = "tentacle-"

	// RecordVersion is the TXT record layout version.
	RecordVersion = "1"

	// DefaultTTL is the advertised record TTL.
	DefaultTTL = 120 * time.Second

	// DefaultPeerBookSize bounds the number of remembered peers.
	DefaultPeerBookSize = 256

	// MaxInstanceNameLen is the DNS label limit.
	MaxInstanceNameLen = 63
)

// TXT record keys.
const (
	TXTKeyPeerID    = "id"
	TXTKeyVersion   = "v"
	TXTKeyProtocols = "proto"
)

// Discovery errors.
var (
	ErrMissingRequired = errors.New("missing required TXT record")
	ErrInvalidPeerID   = errors.New("invalid peer id in TXT record")
	ErrNotAdvertising  = errors.New("not advertising")
	ErrInvalidPort     = errors.New("invalid port")
)

// Info describes the local node for advertising.
type Info struct {
	PeerID    secio.PeerID
	Port      uint16
	Protocols []string
}

// InstanceName returns the DNS-SD instance name for id.
func InstanceName(id secio.PeerID) string {
	name := InstancePrefix + id.String()[:16]
	if len(name) > MaxInstanceNameLen {
		name = name[:MaxInstanceNameLen]
	}
	return name
}

// Peer is a node seen on the network.
type Peer struct {
	PeerID    secio.PeerID
	Instance  string
	Host      string
	Port      uint16
	Addresses []string
	Protocols []string
	LastSeen  time.Time
}

// DialAddresses returns "ip:port" for every known address.
func (p Peer) DialAddresses() []string {
	out := make([]string, 0, len(p.Addresses))
	for _, addr := range p.Addresses {
		out = append(out, net.JoinHostPort(addr, strconv.Itoa(int(p.Port))))
	}
	return out
}

// EventType says whether a peer appeared or went away.
type EventType uint8

const (
	PeerFound EventType = iota
	PeerLost
)

// String returns the event type name.
func (t EventType) String() string {
	switch t {
	case PeerFound:
		return "FOUND"
	case PeerLost:
		return "LOST"
	default:
		return "UNKNOWN"
	}
}

// Event reports a change seen by a Browser.
type Event struct {
	Type EventType
	Peer Peer
}
