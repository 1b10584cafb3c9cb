package service

import (
	"errors"

	"github.com/tentacle-p2p/tentacle-go/pkg/mux"
	"github.com/tentacle-p2p/tentacle-go/pkg/secio"
)

// Service errors.
var (
	ErrServiceClosed      = errors.New("service closed")
	ErrMaxSessions        = errors.New("maximum sessions reached")
	ErrRepeatedConnection = errors.New("already connected to peer")
	ErrSessionNotFound    = errors.New("session not found")
	ErrProtocolNotOpen    = errors.New("protocol not open on session")
	ErrInvalidConfig      = errors.New("invalid configuration")
	ErrNotifyUnsupported  = errors.New("handler does not implement protocol.Notifier")
	ErrHandleClosed       = errors.New("protocol stream closed")
)

// Direction is who initiated a session.
type Direction uint8

const (
	// DirectionOutbound - the local side dialed.
	DirectionOutbound Direction = 1

	// DirectionInbound - the peer dialed.
	DirectionInbound Direction = 2
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionOutbound:
		return "OUTBOUND"
	case DirectionInbound:
		return "INBOUND"
	default:
		return "UNKNOWN"
	}
}

func (d Direction) secioRole() secio.Role {
	if d == DirectionOutbound {
		return secio.RoleInitiator
	}
	return secio.RoleResponder
}

func (d Direction) muxRole() mux.Role {
	if d == DirectionOutbound {
		return mux.RoleInitiator
	}
	return mux.RoleResponder
}
