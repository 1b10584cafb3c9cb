package mux

import (
	"errors"
	"fmt"
)

var (
	// ErrProtocol indicates a framing or state machine violation by the
	// peer. Fatal to the session.
	ErrProtocol = errors.New("mux protocol error")

	// ErrKeepAliveTimeout indicates no inbound traffic within the
	// keepalive deadline.
	ErrKeepAliveTimeout = errors.New("keepalive timeout")

	// ErrTransport indicates an I/O failure on the underlying channel.
	ErrTransport = errors.New("transport failure")

	// ErrSessionClosed is returned by operations on a closed session.
	ErrSessionClosed = errors.New("session closed")

	// ErrRemoteGoAway is returned by OpenStream after the peer sent GO_AWAY.
	ErrRemoteGoAway = errors.New("remote sent go away")

	// ErrLocalGoAway is returned by OpenStream after GoAway was called.
	ErrLocalGoAway = errors.New("session is going away")

	// ErrStreamReset matches any ResetError.
	ErrStreamReset = errors.New("stream reset")

	// ErrWriteTimeout matches a ResetError with ResetWriteTimeout.
	ErrWriteTimeout = errors.New("stream write timeout")

	// ErrStreamClosed indicates a write after CloseWrite or Close.
	ErrStreamClosed = errors.New("stream closed")

	// ErrStreamsExhausted indicates the local stream id space is used up.
	ErrStreamsExhausted = errors.New("stream ids exhausted")

	// ErrTooManyStreams indicates MaxStreams open streams.
	ErrTooManyStreams = errors.New("too many open streams")
)

// ResetCode is the reason carried by an RST frame.
type ResetCode uint8

const (
	ResetCancel             ResetCode = 0
	ResetUnknownProtocol    ResetCode = 1
	ResetUnsupportedVersion ResetCode = 2
	ResetProtocolLimit      ResetCode = 3
	ResetWriteTimeout       ResetCode = 4
	ResetRefused            ResetCode = 5
	ResetMalformedOpen      ResetCode = 6
)

// String returns the reset code name.
func (c ResetCode) String() string {
	switch c {
	case ResetCancel:
		return "CANCEL"
	case ResetUnknownProtocol:
		return "UNKNOWN_PROTOCOL"
	case ResetUnsupportedVersion:
		return "UNSUPPORTED_VERSION"
	case ResetProtocolLimit:
		return "PROTOCOL_LIMIT"
	case ResetWriteTimeout:
		return "WRITE_TIMEOUT"
	case ResetRefused:
		return "REFUSED"
	case ResetMalformedOpen:
		return "MALFORMED_OPEN"
	default:
		return fmt.Sprintf("RESET(%d)", uint8(c))
	}
}

// ResetError reports that a stream was reset.
type ResetError struct {
	Code ResetCode

	// Remote is true when the peer sent the RST.
	Remote bool
}

func (e *ResetError) Error() string {
	if e.Remote {
		return "stream reset by peer: " + e.Code.String()
	}
	return "stream reset: " + e.Code.String()
}

// Is matches ErrStreamReset, and ErrWriteTimeout for ResetWriteTimeout.
func (e *ResetError) Is(target error) bool {
	switch target {
	case ErrStreamReset:
		return true
	case ErrWriteTimeout:
		return e.Code == ResetWriteTimeout
	}
	return false
}

// GoAwayCode is the reason carried by a GO_AWAY frame.
type GoAwayCode uint32

const (
	GoAwayNormal        GoAwayCode = 0
	GoAwayProtocolError GoAwayCode = 1
	GoAwayInternalError GoAwayCode = 2
)

// String returns the go-away code name.
func (c GoAwayCode) String() string {
	switch c {
	case GoAwayNormal:
		return "NORMAL"
	case GoAwayProtocolError:
		return "PROTOCOL_ERROR"
	case GoAwayInternalError:
		return "INTERNAL_ERROR"
	default:
		return fmt.Sprintf("GO_AWAY(%d)", uint32(c))
	}
}

// CloseReason classifies why a session ended.
type CloseReason uint8

const (
	ReasonLocalClose CloseReason = iota
	ReasonRemoteGoAway
	ReasonProtocolError
	ReasonKeepAliveTimeout
	ReasonTransportError
	ReasonRemoteClosed
)

// String returns the reason name.
func (r CloseReason) String() string {
	switch r {
	case ReasonLocalClose:
		return "LOCAL_CLOSE"
	case ReasonRemoteGoAway:
		return "REMOTE_GO_AWAY"
	case ReasonProtocolError:
		return "PROTOCOL_ERROR"
	case ReasonKeepAliveTimeout:
		return "KEEPALIVE_TIMEOUT"
	case ReasonTransportError:
		return "TRANSPORT_ERROR"
	case ReasonRemoteClosed:
		return "REMOTE_CLOSED"
	default:
		return "UNKNOWN"
	}
}

// CloseError is the terminal error of a session.
type CloseError struct {
	Reason CloseReason
	Err    error
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("session closed (%s): %v", e.Reason, e.Err)
}

func (e *CloseError) Unwrap() error { return e.Err }

// ReasonOf extracts the close reason from a session error.
func ReasonOf(err error) (CloseReason, bool) {
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce.Reason, true
	}
	return 0, false
}

func protocolErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocol, fmt.Sprintf(format, args...))
}
