// Package frame implements the multiplexer wire framing.
//
// Every frame is an 8-byte big-endian header followed by the payload:
//
//	+----------------+--------+--------------------+
//	| StreamID (4)   | Type(1)| Length (3)         |
//	+----------------+--------+--------------------+
//	| Payload (Length bytes)                       |
//	+----------------------------------------------+
//
// Decode works on a byte buffer and reports ErrNeedMoreData until a whole
// frame is available. Decoder does the same incrementally for transports
// that deliver arbitrary chunks, and Reader/Writer wrap an io.Reader and
// io.Writer with optional protocol logging.
//
// A header declaring a payload longer than the configured maximum yields
// ErrTooLarge before any payload byte is buffered. The owning session
// must treat that as fatal.
package frame
