package protocol

import (
	"fmt"
	"slices"

	"github.com/fxamacker/cbor/v2"
)

// OpenRequest is the SYN payload naming the protocol to open.
// CBOR: { 1: id, 2: name, 3: versions }
type OpenRequest struct {
	ID       ID       `cbor:"1,keyasint"`
	Name     string   `cbor:"2,keyasint"`
	Versions []string `cbor:"3,keyasint"`
}

// OpenAck is the ACK payload naming the selected version.
// CBOR: { 1: version }
type OpenAck struct {
	Version string `cbor:"1,keyasint"`
}

var openEncMode cbor.EncMode

func init() {
	var err error
	openEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("protocol: cbor encoder mode: %v", err))
	}
}

// NewOpenRequest builds the request for meta.
func NewOpenRequest(meta Meta) OpenRequest {
	return OpenRequest{ID: meta.ID, Name: meta.Name, Versions: slices.Clone(meta.Versions)}
}

// Marshal encodes the request.
func (r OpenRequest) Marshal() ([]byte, error) {
	return openEncMode.Marshal(r)
}

// ParseOpenRequest decodes a SYN payload.
func ParseOpenRequest(data []byte) (OpenRequest, error) {
	var r OpenRequest
	if len(data) == 0 {
		return r, fmt.Errorf("%w: empty payload", ErrMalformedOpen)
	}
	if err := cbor.Unmarshal(data, &r); err != nil {
		return r, fmt.Errorf("%w: %v", ErrMalformedOpen, err)
	}
	if r.Name == "" || len(r.Versions) == 0 {
		return r, fmt.Errorf("%w: missing name or versions", ErrMalformedOpen)
	}
	return r, nil
}

// Marshal encodes the ack.
func (a OpenAck) Marshal() ([]byte, error) {
	return openEncMode.Marshal(a)
}

// ParseOpenAck decodes an ACK payload.
func ParseOpenAck(data []byte) (OpenAck, error) {
	var a OpenAck
	if err := cbor.Unmarshal(data, &a); err != nil {
		return a, fmt.Errorf("%w: %v", ErrMalformedOpen, err)
	}
	if a.Version == "" {
		return a, fmt.Errorf("%w: ack without version", ErrMalformedOpen)
	}
	return a, nil
}

// Negotiate checks req against the local description and returns the
// version to use. The name must match the registered protocol; a
// mismatch is reported as ErrUnknownProtocol.
func Negotiate(local Meta, req OpenRequest) (string, error) {
	if req.ID != local.ID || req.Name != local.Name {
		return "", fmt.Errorf("%w: %s/%d", ErrUnknownProtocol, req.Name, req.ID)
	}
	v := SelectVersion(req.Versions, local.Versions)
	if v == "" {
		return "", fmt.Errorf("%w: %s offers %v, have %v", ErrUnsupportedVersion, local.Name, req.Versions, local.Versions)
	}
	return v, nil
}
