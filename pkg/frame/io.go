package frame

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/tentacle-p2p/tentacle-go/pkg/log"
)

// Writer writes frames to an underlying writer. Each frame is written with
// a single Write call, so a record-oriented writer sees whole frames.
type Writer struct {
	w       io.Writer
	maxSize uint32
	mu      sync.Mutex
	buf     []byte

	logger log.Logger
	connID string
}

// NewWriter creates a Writer. maxSize 0 means DefaultMaxFrameSize.
func NewWriter(w io.Writer, maxSize uint32) *Writer {
	if maxSize == 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &Writer{w: w, maxSize: maxSize}
}

// SetLogger configures protocol logging. Pass nil to disable.
func (fw *Writer) SetLogger(logger log.Logger, connID string) {
	fw.logger = logger
	fw.connID = connID
}

// WriteFrame writes f. Safe for concurrent use.
func (fw *Writer) WriteFrame(f Frame) error {
	if uint32(len(f.Payload)) > fw.maxSize {
		return fmt.Errorf("%w: %d > %d", ErrTooLarge, len(f.Payload), fw.maxSize)
	}

	fw.mu.Lock()
	defer fw.mu.Unlock()

	var err error
	fw.buf, err = Append(fw.buf[:0], f)
	if err != nil {
		return err
	}
	if _, err := fw.w.Write(fw.buf); err != nil {
		return fmt.Errorf("write %s frame: %w", f.Type, err)
	}

	if fw.logger != nil {
		fw.logger.Log(makeFrameEvent(f, log.DirectionOut, fw.connID))
	}
	return nil
}

// Reader reads frames from an underlying reader.
type Reader struct {
	r       io.Reader
	maxSize uint32
	hdr     [HeaderSize]byte

	logger log.Logger
	connID string
}

// NewReader creates a Reader. maxSize 0 means DefaultMaxFrameSize.
func NewReader(r io.Reader, maxSize uint32) *Reader {
	if maxSize == 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &Reader{r: r, maxSize: maxSize}
}

// SetLogger configures protocol logging. Pass nil to disable.
func (fr *Reader) SetLogger(logger log.Logger, connID string) {
	fr.logger = logger
	fr.connID = connID
}

// ReadFrame reads the next frame. The payload length is validated from the
// header before the payload is allocated. io.EOF is returned only on a
// clean frame boundary.
func (fr *Reader) ReadFrame() (Frame, error) {
	if _, err := io.ReadFull(fr.r, fr.hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrTruncated
		}
		return Frame{}, err
	}
	h, err := ParseHeader(fr.hdr[:])
	if err != nil {
		return Frame{}, err
	}
	if err := checkLength(h, fr.maxSize); err != nil {
		return Frame{}, err
	}

	f := Frame{StreamID: h.StreamID, Type: h.Type}
	if h.Length > 0 {
		f.Payload = make([]byte, h.Length)
		if _, err := io.ReadFull(fr.r, f.Payload); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				return Frame{}, ErrTruncated
			}
			return Frame{}, err
		}
	}

	if fr.logger != nil {
		fr.logger.Log(makeFrameEvent(f, log.DirectionIn, fr.connID))
	}
	return f, nil
}

func makeFrameEvent(f Frame, dir log.Direction, connID string) log.Event {
	cat := log.CategoryMessage
	if f.Type.IsControl() {
		cat = log.CategoryControl
	}
	return log.Event{
		Timestamp:    time.Now(),
		ConnectionID: connID,
		Direction:    dir,
		Layer:        log.LayerMux,
		Category:     cat,
		Frame:        log.NewFrameEvent(f.StreamID, f.Type.String(), f.Payload),
	}
}
