// Package ping is a keepalive sub-protocol that measures round-trip time.
//
// Each side sends a Ping carrying a nonce every Interval and answers the
// peer's pings with a Pong echoing the nonce. A ping unanswered for
// Timeout is reported through Config.OnTimeout and the stream is closed;
// what to do with the session is up to the caller.
//
// Messages are CBOR maps with integer keys:
//
//	{1: kind, 2: nonce}
//
// where kind is 1 for Ping and 2 for Pong.
package ping
