// Package protocol defines sub-protocols as seen by the dispatcher.
//
// A sub-protocol is described by a Meta (numeric id, name and the
// versions it speaks) and implemented by a Handler created per stream
// from a Factory. Handlers only see a Context capability: they can send
// on and close their own stream and schedule notify timers, but never
// touch the session's stream table.
//
// Stream opening negotiates the protocol in-band. The SYN carries a
// CBOR OpenRequest and the ACK an OpenAck naming the selected version:
//
//	OpenRequest { 1: id, 2: name, 3: [versions...] }
//	OpenAck     { 1: version }
//
// Messages on an open stream are length-prefixed (MessageReader,
// MessageWriter) so handlers exchange whole messages, not byte runs.
package protocol
