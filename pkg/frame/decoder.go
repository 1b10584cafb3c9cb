package frame

import "errors"

// Decoder reassembles frames from arbitrary byte chunks.
//
// Feed bytes with Write and drain frames with Next until it returns
// ErrNeedMoreData. Once a fatal error is seen the decoder stays failed and
// discards everything it holds.
type Decoder struct {
	buf     []byte
	maxSize uint32
	err     error
}

// NewDecoder creates a Decoder. maxSize 0 means DefaultMaxFrameSize.
func NewDecoder(maxSize uint32) *Decoder {
	if maxSize == 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &Decoder{maxSize: maxSize}
}

// Write appends p to the reassembly buffer.
func (d *Decoder) Write(p []byte) (int, error) {
	if d.err != nil {
		return 0, d.err
	}
	d.buf = append(d.buf, p...)
	// Reject an oversized header as soon as it is complete, before the
	// payload accumulates.
	if h, err := ParseHeader(d.buf); err == nil {
		if err := checkLength(h, d.maxSize); err != nil {
			d.fail(err)
			return len(p), err
		}
	}
	return len(p), nil
}

// Next returns the next complete frame, ErrNeedMoreData, or the sticky
// decoding error.
func (d *Decoder) Next() (Frame, error) {
	if d.err != nil {
		return Frame{}, d.err
	}
	f, n, err := Decode(d.buf, d.maxSize)
	switch {
	case errors.Is(err, ErrNeedMoreData):
		return Frame{}, err
	case err != nil:
		d.fail(err)
		return Frame{}, err
	}
	d.buf = d.buf[n:]
	if len(d.buf) == 0 {
		d.buf = d.buf[:0:0]
	}
	return f, nil
}

// Buffered returns the number of bytes waiting for a complete frame.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Err returns the sticky error, if any.
func (d *Decoder) Err() error {
	return d.err
}

func (d *Decoder) fail(err error) {
	d.err = err
	d.buf = nil
}
