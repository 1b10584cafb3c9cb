package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/tentacle-p2p/tentacle-go/pkg/log"
)

func TestMessageWriterReader(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{name: "small message", payload: []byte("hello")},
		{name: "medium message", payload: bytes.Repeat([]byte("x"), 1000)},
		{name: "empty message", payload: []byte{}},
		{name: "binary data", payload: []byte{0x00, 0xFF, 0x7F, 0x80}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := new(bytes.Buffer)

			if err := NewMessageWriter(buf, 0).WriteMessage(tt.payload); err != nil {
				t.Fatalf("WriteMessage failed: %v", err)
			}
			if want := LengthPrefixSize + len(tt.payload); buf.Len() != want {
				t.Errorf("encoded size = %d, want %d", buf.Len(), want)
			}

			got, err := NewMessageReader(buf, 0).ReadMessage()
			if err != nil {
				t.Fatalf("ReadMessage failed: %v", err)
			}
			if !bytes.Equal(got, tt.payload) {
				t.Errorf("payload mismatch: got %d bytes, want %d bytes", len(got), len(tt.payload))
			}
		})
	}
}

func TestMessageSequence(t *testing.T) {
	buf := new(bytes.Buffer)
	w := NewMessageWriter(buf, 0)
	for _, m := range []string{"one", "two", "three"} {
		if err := w.WriteMessage([]byte(m)); err != nil {
			t.Fatal(err)
		}
	}

	r := NewMessageReader(buf, 0)
	for _, want := range []string{"one", "two", "three"} {
		got, err := r.ReadMessage()
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != want {
			t.Errorf("got %q, want %q", got, want)
		}
	}
	if _, err := r.ReadMessage(); err != io.EOF {
		t.Errorf("expected io.EOF at end, got %v", err)
	}
}

func TestMessageTooLarge(t *testing.T) {
	buf := new(bytes.Buffer)
	err := NewMessageWriter(buf, 10).WriteMessage(make([]byte, 11))
	if !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("expected ErrMessageTooLarge on write, got %v", err)
	}
	if buf.Len() != 0 {
		t.Errorf("oversized message wrote %d bytes", buf.Len())
	}

	var prefix [LengthPrefixSize]byte
	binary.BigEndian.PutUint32(prefix[:], 11)
	_, err = NewMessageReader(bytes.NewReader(prefix[:]), 10).ReadMessage()
	if !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("expected ErrMessageTooLarge on read, got %v", err)
	}
}

func TestMessageTruncated(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"partial prefix", []byte{0, 0}},
		{"partial payload", []byte{0, 0, 0, 5, 'a', 'b'}},
		{"missing payload", []byte{0, 0, 0, 5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewMessageReader(bytes.NewReader(tt.data), 0).ReadMessage()
			if !errors.Is(err, ErrMessageTruncated) {
				t.Errorf("expected ErrMessageTruncated, got %v", err)
			}
		})
	}
}

type captureLogger struct {
	mu     sync.Mutex
	events []log.Event
}

func (c *captureLogger) Log(e log.Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

func TestMessageLogging(t *testing.T) {
	buf := new(bytes.Buffer)
	logger := &captureLogger{}

	w := NewMessageWriter(buf, 0)
	w.SetLogger(logger, "conn-1", 5)
	if err := w.WriteMessage([]byte("logged")); err != nil {
		t.Fatal(err)
	}
	r := NewMessageReader(buf, 0)
	r.SetLogger(logger, "conn-1", 5)
	if _, err := r.ReadMessage(); err != nil {
		t.Fatal(err)
	}

	if len(logger.events) != 2 {
		t.Fatalf("got %d events, want 2", len(logger.events))
	}
	for i, dir := range []log.Direction{log.DirectionOut, log.DirectionIn} {
		e := logger.events[i]
		if e.Direction != dir || e.Layer != log.LayerProtocol || e.ConnectionID != "conn-1" {
			t.Errorf("event %d = %+v", i, e)
		}
		if e.Frame == nil || e.Frame.StreamID != 5 || string(e.Frame.Data) != "logged" {
			t.Errorf("event %d frame = %+v", i, e.Frame)
		}
	}
}

func TestMessageWriterConcurrent(t *testing.T) {
	var mu sync.Mutex
	buf := new(bytes.Buffer)
	w := NewMessageWriter(lockedWriter{&mu, buf}, 0)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := w.WriteMessage(bytes.Repeat([]byte{byte(i)}, 100+i)); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	r := NewMessageReader(buf, 0)
	for i := 0; i < 20; i++ {
		msg, err := r.ReadMessage()
		if err != nil {
			t.Fatal(err)
		}
		if len(msg) != 100+int(msg[0]) {
			t.Errorf("interleaved message: len %d, marker %d", len(msg), msg[0])
		}
	}
}

type lockedWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func (l lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func TestMessageWriterQuickWriter(t *testing.T) {
	var normal, quick bytes.Buffer
	mw := NewMessageWriter(&normal, 0)

	// Without a quick writer both paths share the main writer.
	if err := mw.WriteQuickMessage([]byte("a")); err != nil {
		t.Fatalf("WriteQuickMessage failed: %v", err)
	}
	if normal.Len() != LengthPrefixSize+1 {
		t.Fatalf("main writer has %d bytes, want %d", normal.Len(), LengthPrefixSize+1)
	}

	mw.SetQuickWriter(&quick)
	if err := mw.WriteQuickMessage([]byte("bc")); err != nil {
		t.Fatalf("WriteQuickMessage failed: %v", err)
	}
	if err := mw.WriteMessage([]byte("d")); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}
	if normal.Len() != 2*(LengthPrefixSize+1) {
		t.Errorf("main writer has %d bytes, want %d", normal.Len(), 2*(LengthPrefixSize+1))
	}

	got, err := NewMessageReader(&quick, 0).ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	if !bytes.Equal(got, []byte("bc")) {
		t.Errorf("quick message = %q, want %q", got, "bc")
	}
}
