package mux

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tentacle-p2p/tentacle-go/pkg/frame"
)

func dataFrame(id uint32, b byte) frame.Frame {
	return frame.Frame{StreamID: id, Type: frame.TypeData, Payload: []byte{b}}
}

func drain(t *testing.T, q *writeQueue) []frame.Frame {
	t.Helper()
	var out []frame.Frame
	for {
		f, ok, _ := q.pop()
		if !ok {
			return out
		}
		out = append(out, f)
	}
}

func TestQueueQuickOvertakesOtherStreams(t *testing.T) {
	q := newWriteQueue()
	q.pushStream(dataFrame(1, 'a'))
	q.pushStream(dataFrame(1, 'b'))
	q.pushQuick(dataFrame(3, 'q'))
	q.pushControl(frame.Ping(9))

	got := drain(t, q)
	require.Len(t, got, 4)
	assert.Equal(t, frame.TypePing, got[0].Type)
	assert.Equal(t, []byte("q"), got[1].Payload)
	assert.Equal(t, []byte("a"), got[2].Payload)
	assert.Equal(t, []byte("b"), got[3].Payload)
}

func TestQueueQuickKeepsStreamOrder(t *testing.T) {
	q := newWriteQueue()
	q.pushStream(dataFrame(5, '1'))
	q.pushStream(dataFrame(7, 'x'))
	q.pushQuick(dataFrame(5, '2'))
	q.pushQuick(dataFrame(9, 'q'))
	q.pushStream(dataFrame(9, 'n'))

	var order []byte
	for _, f := range drain(t, q) {
		order = append(order, f.Payload[0])
	}
	// Stream 9's quick frame leads; stream 5's waits behind its own
	// normal frame but still passes stream 7.
	assert.Equal(t, []byte{'q', '1', '2', 'x', 'n'}, order)
	assert.Zero(t, q.quick)
}
