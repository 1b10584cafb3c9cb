package protocol

import (
	"errors"
	"fmt"
	"slices"
)

// Protocol errors.
var (
	// ErrUnknownProtocol indicates the peer has no handler for the protocol.
	ErrUnknownProtocol = errors.New("unknown protocol")

	// ErrUnsupportedVersion indicates no common protocol version.
	ErrUnsupportedVersion = errors.New("unsupported protocol version")

	// ErrProtocolLimit indicates the per-protocol stream cap was reached.
	ErrProtocolLimit = errors.New("protocol stream limit reached")

	// ErrMalformedOpen indicates an undecodable open payload.
	ErrMalformedOpen = errors.New("malformed protocol open")

	// ErrDuplicateProtocol indicates a protocol id or name registered twice.
	ErrDuplicateProtocol = errors.New("duplicate protocol")

	// ErrRegistryFrozen indicates registration after the registry was frozen.
	ErrRegistryFrozen = errors.New("protocol registry is frozen")

	// ErrInvalidMeta indicates an invalid protocol description.
	ErrInvalidMeta = errors.New("invalid protocol meta")
)

// ID identifies a sub-protocol on the wire.
type ID uint32

// Meta describes a sub-protocol.
type Meta struct {
	ID   ID
	Name string

	// Versions lists supported versions in preference order.
	Versions []string
}

// Validate checks the description.
func (m Meta) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("%w: protocol %d has no name", ErrInvalidMeta, m.ID)
	}
	if len(m.Versions) == 0 {
		return fmt.Errorf("%w: protocol %q has no versions", ErrInvalidMeta, m.Name)
	}
	for i, v := range m.Versions {
		if v == "" {
			return fmt.Errorf("%w: protocol %q has an empty version", ErrInvalidMeta, m.Name)
		}
		if slices.Contains(m.Versions[:i], v) {
			return fmt.Errorf("%w: protocol %q lists version %q twice", ErrInvalidMeta, m.Name, v)
		}
	}
	return nil
}

// Supports reports whether version is one of the protocol's versions.
func (m Meta) Supports(version string) bool {
	return slices.Contains(m.Versions, version)
}

// String returns "name/id".
func (m Meta) String() string {
	return fmt.Sprintf("%s/%d", m.Name, m.ID)
}

// SelectVersion returns the first version in opener's preference order
// that the acceptor supports, or "" when there is none. Both sides
// compute the same result.
func SelectVersion(opener, acceptor []string) string {
	for _, v := range opener {
		if slices.Contains(acceptor, v) {
			return v
		}
	}
	return ""
}
