package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/tentacle-p2p/tentacle-go/pkg/log"
)

const (
	// LengthPrefixSize is the size of the message length prefix.
	LengthPrefixSize = 4

	// DefaultMaxMessageSize bounds a single message (4 MiB).
	DefaultMaxMessageSize = 4 << 20
)

// Message errors.
var (
	// ErrMessageTooLarge indicates the message exceeds the maximum size.
	ErrMessageTooLarge = errors.New("message too large")

	// ErrMessageTruncated indicates the stream ended inside a message.
	ErrMessageTruncated = errors.New("message truncated")
)

const messageFrameType = "MESSAGE"

// MessageWriter writes length-prefixed messages.
type MessageWriter struct {
	w       io.Writer
	quick   io.Writer
	maxSize uint32
	mu      sync.Mutex

	logger   log.Logger
	connID   string
	streamID uint32
}

// NewMessageWriter creates a writer. A zero maxSize selects
// DefaultMaxMessageSize.
func NewMessageWriter(w io.Writer, maxSize uint32) *MessageWriter {
	if maxSize == 0 {
		maxSize = DefaultMaxMessageSize
	}
	return &MessageWriter{w: w, quick: w, maxSize: maxSize}
}

// SetQuickWriter sets the writer used by WriteQuickMessage. It must
// write to the same stream as the main writer.
func (mw *MessageWriter) SetQuickWriter(w io.Writer) {
	mw.quick = w
}

// SetLogger configures protocol logging. Pass nil to disable.
func (mw *MessageWriter) SetLogger(logger log.Logger, connID string, streamID uint32) {
	mw.logger = logger
	mw.connID = connID
	mw.streamID = streamID
}

// WriteMessage writes one message with a single Write. Safe for
// concurrent use. Empty messages are allowed.
func (mw *MessageWriter) WriteMessage(data []byte) error {
	return mw.write(mw.w, data)
}

// WriteQuickMessage is WriteMessage through the quick writer.
func (mw *MessageWriter) WriteQuickMessage(data []byte) error {
	return mw.write(mw.quick, data)
}

func (mw *MessageWriter) write(w io.Writer, data []byte) error {
	if uint64(len(data)) > uint64(mw.maxSize) {
		return fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, len(data), mw.maxSize)
	}

	buf := make([]byte, LengthPrefixSize+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[LengthPrefixSize:], data)

	mw.mu.Lock()
	defer mw.mu.Unlock()
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if mw.logger != nil {
		mw.logger.Log(makeMessageEvent(data, log.DirectionOut, mw.connID, mw.streamID))
	}
	return nil
}

// MessageReader reads length-prefixed messages.
type MessageReader struct {
	r         io.Reader
	maxSize   uint32
	lengthBuf [LengthPrefixSize]byte

	logger   log.Logger
	connID   string
	streamID uint32
}

// NewMessageReader creates a reader. A zero maxSize selects
// DefaultMaxMessageSize.
func NewMessageReader(r io.Reader, maxSize uint32) *MessageReader {
	if maxSize == 0 {
		maxSize = DefaultMaxMessageSize
	}
	return &MessageReader{r: r, maxSize: maxSize}
}

// SetLogger configures protocol logging. Pass nil to disable.
func (mr *MessageReader) SetLogger(logger log.Logger, connID string, streamID uint32) {
	mr.logger = logger
	mr.connID = connID
	mr.streamID = streamID
}

// ReadMessage reads one message. It returns io.EOF when the stream ends
// between messages.
func (mr *MessageReader) ReadMessage() ([]byte, error) {
	if _, err := io.ReadFull(mr.r, mr.lengthBuf[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrMessageTruncated
		}
		return nil, err
	}

	length := binary.BigEndian.Uint32(mr.lengthBuf[:])
	if length > mr.maxSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, length, mr.maxSize)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(mr.r, payload); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, ErrMessageTruncated
		}
		return nil, err
	}

	if mr.logger != nil {
		mr.logger.Log(makeMessageEvent(payload, log.DirectionIn, mr.connID, mr.streamID))
	}
	return payload, nil
}

func makeMessageEvent(data []byte, dir log.Direction, connID string, streamID uint32) log.Event {
	return log.Event{
		Timestamp:    time.Now(),
		ConnectionID: connID,
		Direction:    dir,
		Layer:        log.LayerProtocol,
		Category:     log.CategoryMessage,
		Frame:        log.NewFrameEvent(streamID, messageFrameType, data),
	}
}
