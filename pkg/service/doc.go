// Package service ties the layers together into per-peer sessions.
//
// A Service owns the session table. Establish (or Dial, or a listener
// started with Listen/Serve) runs the secure handshake on a raw
// connection, starts a multiplexer on the secure channel and attaches a
// Dispatcher that routes streams to sub-protocol handlers from a shared
// protocol.Registry.
//
// # Streams and handlers
//
// Each open sub-protocol stream gets a StreamHandle and its own handler
// goroutine. Inbound messages reach the handler through a bounded queue,
// so a slow handler exerts backpressure on the stream's receive window
// rather than on the session. Handlers never touch the stream table;
// they act through the protocol.Context the handle implements.
//
// # Events
//
// Lifecycle changes are reported as Events to handlers registered with
// OnEvent. Events are delivered in order on a single goroutine.
package service
