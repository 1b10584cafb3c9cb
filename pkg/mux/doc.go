// Package mux multiplexes logical streams over one secure channel.
//
// A Session owns the channel. Three goroutines cooperate:
//
//   - the reader decodes frames and hands them to the run loop
//   - the run loop owns the stream table, windows and timers; every state
//     change happens here
//   - the writer is the only goroutine that writes to the channel; it
//     drains a control queue (PING, PONG, GO_AWAY, WINDOW_UPDATE) ahead of
//     the stream queue (SYN, ACK, DATA, FIN, RST)
//
// Stream handles never touch the table. Their operations are posted to the
// run loop and the handle waits for the result.
//
// # Stream ids
//
// The initiator of the session opens odd stream ids, the responder even
// ones. Ids grow monotonically and are never reused within a session.
// Stream 0 carries session control frames.
//
// # Flow control
//
// Each direction of each stream starts with BaseStreamWindow bytes. A
// larger Config.InitialStreamWindow is granted with a WINDOW_UPDATE right
// after the SYN or the accept. A reader returns credit once the bytes it
// has consumed reach Config.WindowUpdateThreshold. Writers suspend while
// the peer's window is exhausted and are reset with ResetWriteTimeout if
// no credit arrives within Config.WriteTimeout.
//
// # Failure isolation
//
// Framing and state machine violations are fatal to the session. Resets
// and write timeouts only end the affected stream.
package mux
