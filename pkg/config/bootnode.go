package config

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/tentacle-p2p/tentacle-go/pkg/secio"
)

// ErrInvalidBootnode indicates a malformed bootnode address.
var ErrInvalidBootnode = errors.New("invalid bootnode")

// Bootnode is a peer to keep connected. Peer is zero when the address
// does not pin an identity.
type Bootnode struct {
	Peer    secio.PeerID
	Address string
}

// String returns the "peer@host:port" form.
func (b Bootnode) String() string {
	if b.Peer.IsZero() {
		return b.Address
	}
	return b.Peer.String() + "@" + b.Address
}

// ParseBootnode parses "peer-id-hex@host:port" or "host:port".
func ParseBootnode(s string) (Bootnode, error) {
	var b Bootnode
	addr := s
	if id, rest, ok := strings.Cut(s, "@"); ok {
		peer, err := secio.ParsePeerID(id)
		if err != nil {
			return b, fmt.Errorf("%w: %w", ErrInvalidBootnode, err)
		}
		b.Peer = peer
		addr = rest
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return b, fmt.Errorf("%w: %w", ErrInvalidBootnode, err)
	}
	if host == "" || port == "" {
		return b, fmt.Errorf("%w: host and port required", ErrInvalidBootnode)
	}
	b.Address = addr
	return b, nil
}

// ParsedBootnodes returns the configured bootnodes.
func (c *Config) ParsedBootnodes() ([]Bootnode, error) {
	out := make([]Bootnode, 0, len(c.Bootnodes))
	for _, s := range c.Bootnodes {
		b, err := ParseBootnode(s)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}
