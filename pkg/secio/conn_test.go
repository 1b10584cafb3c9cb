package secio

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type bufConn struct {
	bytes.Buffer
}

func (*bufConn) Close() error { return nil }

func newRecordPair(t *testing.T, cipherName string) (*SecureConn, *SecureConn, *bufConn) {
	t.Helper()
	size, err := cipherKeySize(cipherName)
	require.NoError(t, err)
	k1, k2 := bytes.Repeat([]byte{1}, size), bytes.Repeat([]byte{2}, size)

	wire := &bufConn{}
	w, err := newSecureConn(wire, k1, k2, cipherName, 16)
	require.NoError(t, err)
	r, err := newSecureConn(wire, k2, k1, cipherName, 16)
	require.NoError(t, err)
	return w, r, wire
}

func TestRecordsRoundTrip(t *testing.T) {
	for _, c := range DefaultCiphers {
		t.Run(c, func(t *testing.T) {
			w, r, _ := newRecordPair(t, c)
			msg := []byte("a message longer than one sixteen byte record")

			n, err := w.Write(msg)
			require.NoError(t, err)
			assert.Equal(t, len(msg), n)

			got := make([]byte, len(msg))
			_, err = io.ReadFull(r, got)
			require.NoError(t, err)
			assert.Equal(t, msg, got)
		})
	}
}

func TestRecordReplayRejected(t *testing.T) {
	w, r, wire := newRecordPair(t, CipherChaCha20Poly1305)

	_, err := w.Write([]byte("first"))
	require.NoError(t, err)
	record := append([]byte(nil), wire.Bytes()...)

	got := make([]byte, 5)
	_, err = io.ReadFull(r, got)
	require.NoError(t, err)

	// Replay the same record.
	wire.Write(record)
	_, err = r.Read(got)
	assert.ErrorIs(t, err, ErrReplay)

	// The channel stays failed.
	_, err = w.Write([]byte("second"))
	require.NoError(t, err)
	_, err = r.Read(got)
	assert.ErrorIs(t, err, ErrReplay)
}

func TestRecordReorderRejected(t *testing.T) {
	w, r, wire := newRecordPair(t, CipherAES256GCM)

	_, err := w.Write([]byte("one"))
	require.NoError(t, err)
	first := append([]byte(nil), wire.Bytes()...)
	wire.Reset()
	_, err = w.Write([]byte("two"))
	require.NoError(t, err)
	second := append([]byte(nil), wire.Bytes()...)
	wire.Reset()

	wire.Write(second)
	wire.Write(first)
	_, err = r.Read(make([]byte, 8))
	assert.ErrorIs(t, err, ErrReplay)
}

func TestRecordTamperRejected(t *testing.T) {
	w, r, wire := newRecordPair(t, CipherAES128GCM)

	_, err := w.Write([]byte("payload"))
	require.NoError(t, err)
	b := wire.Bytes()
	b[len(b)-1] ^= 0x01

	_, err = r.Read(make([]byte, 16))
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestRecordWrongDirectionKey(t *testing.T) {
	// A record sealed for one direction does not open with the other key.
	size, _ := cipherKeySize(CipherChaCha20Poly1305)
	k1, k2 := bytes.Repeat([]byte{1}, size), bytes.Repeat([]byte{2}, size)
	wire := &bufConn{}
	w, err := newSecureConn(wire, k1, k2, CipherChaCha20Poly1305, 64)
	require.NoError(t, err)
	reflector, err := newSecureConn(wire, k1, k2, CipherChaCha20Poly1305, 64)
	require.NoError(t, err)

	_, err = w.Write([]byte("echo"))
	require.NoError(t, err)
	_, err = reflector.Read(make([]byte, 8))
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestRecordTooLarge(t *testing.T) {
	_, r, wire := newRecordPair(t, CipherChaCha20Poly1305)
	wire.Write([]byte{0x00, 0x10, 0x00, 0x00})

	_, err := r.Read(make([]byte, 8))
	assert.ErrorIs(t, err, ErrRecordTooLarge)
}

func TestRecordCleanEOF(t *testing.T) {
	_, r, _ := newRecordPair(t, CipherChaCha20Poly1305)
	_, err := r.Read(make([]byte, 8))
	assert.ErrorIs(t, err, io.EOF)
}
