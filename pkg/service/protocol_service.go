package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tentacle-p2p/tentacle-go/pkg/protocol"
)

const protocolServiceQueueSize = 256

// protocolService runs one protocol's service-wide handler. Stream events
// from every session are funnelled onto a single goroutine so the
// handler may keep state without locking.
type protocolService struct {
	svc     *Service
	meta    protocol.Meta
	handler protocol.ServiceHandler

	events   chan func()
	notifyCh chan uint64
	quit     chan struct{}
	done     chan struct{}
	quitOnce sync.Once

	mu     sync.Mutex
	timers map[uint64]chan struct{}
}

func startProtocolService(svc *Service, meta protocol.Meta, h protocol.ServiceHandler) *protocolService {
	ps := &protocolService{
		svc:      svc,
		meta:     meta,
		handler:  h,
		events:   make(chan func(), protocolServiceQueueSize),
		notifyCh: make(chan uint64, notifyQueueSize),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		timers:   make(map[uint64]chan struct{}),
	}
	go ps.run()
	return ps
}

// ID returns the protocol id.
func (ps *protocolService) ID() protocol.ID { return ps.meta.ID }

// Protocol returns the protocol description.
func (ps *protocolService) Protocol() protocol.Meta { return ps.meta }

// SendTo sends data to the given sessions.
func (ps *protocolService) SendTo(data []byte, sessionIDs ...uint64) error {
	return ps.svc.SendMessage(TargetMulti(sessionIDs...), ps.meta.ID, data)
}

// Broadcast sends data to every session with the protocol open.
func (ps *protocolService) Broadcast(data []byte) error {
	return ps.svc.SendMessage(TargetAll(), ps.meta.ID, data)
}

// SetNotify schedules Notify(token) every interval. Ticks that find the
// handler busy are coalesced.
func (ps *protocolService) SetNotify(interval time.Duration, token uint64) error {
	if _, ok := ps.handler.(protocol.ServiceNotifier); !ok {
		return ErrNotifyUnsupported
	}
	if interval <= 0 {
		return fmt.Errorf("notify interval must be positive, got %s", interval)
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()
	select {
	case <-ps.quit:
		return ErrServiceClosed
	default:
	}
	if stop, ok := ps.timers[token]; ok {
		close(stop)
	}
	stop := make(chan struct{})
	ps.timers[token] = stop
	go ps.notifyLoop(interval, token, stop)
	return nil
}

// RemoveNotify cancels the timer for token.
func (ps *protocolService) RemoveNotify(token uint64) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if stop, ok := ps.timers[token]; ok {
		close(stop)
		delete(ps.timers, token)
	}
}

func (ps *protocolService) notifyLoop(interval time.Duration, token uint64, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			select {
			case ps.notifyCh <- token:
			default:
			}
		case <-stop:
			return
		case <-ps.quit:
			return
		}
	}
}

func (ps *protocolService) connected(h *StreamHandle) {
	ps.post(func() { ps.handler.Connected(h, h.Version()) })
}

func (ps *protocolService) disconnected(h *StreamHandle) {
	ps.post(func() { ps.handler.Disconnected(h) })
}

func (ps *protocolService) received(h *StreamHandle, data []byte) {
	ps.post(func() { ps.handler.Received(h, data) })
}

// post queues fn for the handler goroutine. Events after stop are
// dropped.
func (ps *protocolService) post(fn func()) {
	select {
	case ps.events <- fn:
	case <-ps.quit:
	}
}

func (ps *protocolService) run() {
	defer close(ps.done)
	ps.handler.Init(ps)
	for {
		select {
		case fn := <-ps.events:
			fn()
		case token := <-ps.notifyCh:
			if n, ok := ps.handler.(protocol.ServiceNotifier); ok {
				n.Notify(ps, token)
			}
		case <-ps.quit:
			// Deliver what was queued before the stop.
			for {
				select {
				case fn := <-ps.events:
					fn()
				default:
					return
				}
			}
		}
	}
}

// stop ends the handler goroutine after queued events, waiting until ctx
// is done.
func (ps *protocolService) stop(ctx context.Context) error {
	ps.quitOnce.Do(func() {
		ps.mu.Lock()
		close(ps.quit)
		for token, stop := range ps.timers {
			close(stop)
			delete(ps.timers, token)
		}
		ps.mu.Unlock()
	})
	select {
	case <-ps.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ protocol.ServiceContext = (*protocolService)(nil)
