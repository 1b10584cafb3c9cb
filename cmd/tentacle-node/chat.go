package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/tentacle-p2p/tentacle-go/pkg/protocol"
)

// Chat protocol: each message is one UTF-8 line.
const (
	ChatProtocolID   protocol.ID = 2
	ChatProtocolName             = "/tentacle/chat"
)

func chatMeta() protocol.Meta {
	return protocol.Meta{ID: ChatProtocolID, Name: ChatProtocolName, Versions: []string{"1"}}
}

// chatPrinter writes received lines to an output that can be swapped
// once the console is attached.
type chatPrinter struct {
	mu  sync.Mutex
	out io.Writer
}

func (p *chatPrinter) setOutput(w io.Writer) {
	p.mu.Lock()
	p.out = w
	p.mu.Unlock()
}

func (p *chatPrinter) factory() protocol.Handler {
	return protocol.HandlerFuncs{
		Message: func(ctx protocol.Context, data []byte) {
			p.mu.Lock()
			defer p.mu.Unlock()
			fmt.Fprintf(p.out, "[%d %s] %s\n", ctx.SessionID(), ctx.RemotePeer().Short(), data)
		},
	}
}
