package mux

import (
	"slices"
	"sync"

	"github.com/tentacle-p2p/tentacle-go/pkg/frame"
)

// maxPendingControl bounds queued control frames. A peer that keeps
// pinging without reading would otherwise grow the queue without limit.
const maxPendingControl = 4096

// writeQueue hands frames from the run loop to the writer goroutine.
// Pushing never blocks, so the run loop keeps reading while the socket is
// slow. Control frames are written before stream frames. A quick stream
// frame overtakes frames of other streams but never an earlier frame of
// its own stream.
type writeQueue struct {
	mu      sync.Mutex
	control []frame.Frame
	stream  []queuedFrame
	quick   int
	closing bool
	notify  chan struct{}
}

type queuedFrame struct {
	f     frame.Frame
	quick bool
}

func newWriteQueue() *writeQueue {
	return &writeQueue{notify: make(chan struct{}, 1)}
}

// pushControl queues a control frame. It reports false on overflow.
func (q *writeQueue) pushControl(f frame.Frame) bool {
	q.mu.Lock()
	if len(q.control) >= maxPendingControl {
		q.mu.Unlock()
		return false
	}
	q.control = append(q.control, f)
	q.mu.Unlock()
	q.signal()
	return true
}

func (q *writeQueue) pushStream(f frame.Frame) { q.push(f, false) }

func (q *writeQueue) pushQuick(f frame.Frame) { q.push(f, true) }

func (q *writeQueue) push(f frame.Frame, quick bool) {
	q.mu.Lock()
	q.stream = append(q.stream, queuedFrame{f: f, quick: quick})
	if quick {
		q.quick++
	}
	q.mu.Unlock()
	q.signal()
}

// nextStream returns the index of the stream frame to write next: the
// first quick frame that heads its stream's frames, else the oldest.
func (q *writeQueue) nextStream() int {
	if q.quick == 0 {
		return 0
	}
	blocked := make(map[uint32]struct{})
	for i, e := range q.stream {
		if _, ok := blocked[e.f.StreamID]; e.quick && !ok {
			return i
		}
		blocked[e.f.StreamID] = struct{}{}
	}
	return 0
}

// pop returns the next frame; ok is false when both queues are empty.
// closing reports that the session wants the writer to exit once drained.
func (q *writeQueue) pop() (f frame.Frame, ok, closing bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	switch {
	case len(q.control) > 0:
		f = q.control[0]
		q.control[0] = frame.Frame{}
		q.control = q.control[1:]
		return f, true, q.closing
	case len(q.stream) > 0:
		i := q.nextStream()
		e := q.stream[i]
		if e.quick {
			q.quick--
		}
		if i == 0 {
			q.stream[0] = queuedFrame{}
			q.stream = q.stream[1:]
		} else {
			q.stream = slices.Delete(q.stream, i, i+1)
		}
		return e.f, true, q.closing
	}
	return frame.Frame{}, false, q.closing
}

// close asks the writer to drain and exit.
func (q *writeQueue) close() {
	q.mu.Lock()
	q.closing = true
	q.mu.Unlock()
	q.signal()
}

func (q *writeQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
