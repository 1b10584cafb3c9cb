// Package log provides protocol event capture for tentacle sessions.
//
// It defines the Logger interface and Event types recorded by the secure
// channel, the stream multiplexer and the protocol dispatcher. Protocol
// capture is separate from operational logging (slog): it is a
// machine-readable trace of every frame and state change on a connection.
//
// # Basic Usage
//
//	// Development: print events through slog
//	cfg.ProtocolLogger = log.NewSlogAdapter(slog.Default())
//
//	// Production: append CBOR events to a file
//	cfg.ProtocolLogger, _ = log.NewFileLogger("/var/log/tentacle/node.tlog")
//
//	// Both
//	cfg.ProtocolLogger = log.NewMultiLogger(console, file)
//
// # Layers
//
//   - Secure: handshake steps and secure channel failures
//   - Mux: frames and session control traffic (FrameEvent, ControlMsgEvent)
//   - Protocol: sub-protocol open/close and rejections (StateChangeEvent)
//
// # File Format
//
// Log files are a stream of CBOR-encoded events with integer keys.
// Reader and Filter read them back for offline analysis.
package log
